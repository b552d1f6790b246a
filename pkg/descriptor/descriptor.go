// Package descriptor edits Kubernetes deployment descriptors in place.
package descriptor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Target selects the containers whose image is replaced.
type Target struct {
	// Workload is the metadata.name of the workload; empty matches any.
	Workload string
	// ImageName is the repository name the current image must carry.
	ImageName string
}

// SetImage rewrites matching container images in the descriptor at path to
// ref and returns the number of images replaced.
func SetImage(path string, target Target, ref string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	out, replaced, err := Rewrite(data, target, ref)
	if err != nil {
		return 0, fmt.Errorf("rewrite %s: %w", path, err)
	}
	if err := os.WriteFile(path, out, info.Mode().Perm()); err != nil {
		return 0, err
	}
	return replaced, nil
}

// Rewrite applies SetImage to descriptor bytes. Every document of a
// multi-document stream is kept in order.
func Rewrite(data []byte, target Target, ref string) ([]byte, int, error) {
	if target.ImageName == "" {
		return nil, 0, fmt.Errorf("image name is required")
	}
	if ref == "" {
		return nil, 0, fmt.Errorf("image reference is required")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs []*yaml.Node
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("decode descriptor: %w", err)
		}
		docs = append(docs, &doc)
	}

	replaced := 0
	for _, doc := range docs {
		replaced += rewriteDocument(doc, target, ref)
	}
	if replaced == 0 {
		return nil, 0, fmt.Errorf("no container image %q found in workload %q", target.ImageName, target.Workload)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return nil, 0, fmt.Errorf("encode descriptor: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), replaced, nil
}

func rewriteDocument(doc *yaml.Node, target Target, ref string) int {
	root := doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return 0
		}
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return 0
	}

	if target.Workload != "" {
		name := lookup(root, "metadata", "name")
		if name == nil || name.Value != target.Workload {
			return 0
		}
	}

	podSpec := lookup(root, "spec", "template", "spec")
	if podSpec == nil {
		// CronJob nests the pod template one level deeper.
		podSpec = lookup(root, "spec", "jobTemplate", "spec", "template", "spec")
	}
	if podSpec == nil {
		return 0
	}

	replaced := 0
	for _, key := range []string{"initContainers", "containers"} {
		list := lookup(podSpec, key)
		if list == nil || list.Kind != yaml.SequenceNode {
			continue
		}
		for _, container := range list.Content {
			image := lookup(container, "image")
			if image == nil || image.Kind != yaml.ScalarNode {
				continue
			}
			if repositoryName(image.Value) != target.ImageName {
				continue
			}
			image.Value = ref
			image.Style = 0
			replaced++
		}
	}
	return replaced
}

// lookup walks mapping keys and returns the value node, or nil.
func lookup(node *yaml.Node, path ...string) *yaml.Node {
	current := node
	for _, key := range path {
		if current == nil || current.Kind != yaml.MappingNode {
			return nil
		}
		var next *yaml.Node
		for i := 0; i+1 < len(current.Content); i += 2 {
			if current.Content[i].Value == key {
				next = current.Content[i+1]
				break
			}
		}
		current = next
	}
	return current
}

// repositoryName returns the last path element of an image reference
// without tag or digest: "reg:5000/team/web:1.2@sha256:.." -> "web".
func repositoryName(image string) string {
	if at := strings.IndexByte(image, '@'); at >= 0 {
		image = image[:at]
	}
	slash := strings.LastIndexByte(image, '/')
	if colon := strings.LastIndexByte(image, ':'); colon > slash {
		image = image[:colon]
	}
	return image[slash+1:]
}
