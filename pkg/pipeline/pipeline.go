package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/shipgate/pkg/config"
)

// stageNamePattern keeps stage names usable as evidence file names.
var stageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Stage kinds.
const (
	KindCheckout = "checkout"
	KindBuild    = "build"
	KindScan     = "scan"
	KindPush     = "push"
	KindDeploy   = "deploy"
	KindRollout  = "rollout"
	KindCommand  = "command"
)

// Pipeline is a declarative pipeline definition.
type Pipeline struct {
	Name        string             `yaml:"name"`
	Description string             `yaml:"description,omitempty"`
	Deploy      config.Deploy      `yaml:"deploy"`
	Stages      []*StageDefinition `yaml:"stages"`
	Cleanup     CleanupDefinition  `yaml:"cleanup"`
}

// StageDefinition declares one stage.
type StageDefinition struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// Command is the argv of a command stage. Elements are templates.
	Command  []string            `yaml:"command,omitempty"`
	Workdir  string              `yaml:"workdir,omitempty"`
	Timeout  string              `yaml:"timeout,omitempty"`
	Approval *ApprovalDefinition `yaml:"approval,omitempty"`
}

// ApprovalDefinition attaches a gate to a stage.
type ApprovalDefinition struct {
	Prompt  string `yaml:"prompt"`
	Timeout string `yaml:"timeout,omitempty"`
}

// CleanupDefinition configures the cleanup phase.
type CleanupDefinition struct {
	RemoveImage   bool       `yaml:"remove_image"`
	KeepWorkspace bool       `yaml:"keep_workspace"`
	Commands      [][]string `yaml:"commands,omitempty"`
}

// requiredFields lists the deploy fields each kind reads.
var requiredFields = map[string][]string{
	KindCheckout: {"source_url"},
	KindBuild:    {"image_name"},
	KindScan:     {"image_name"},
	KindPush:     {"image_name", "repository"},
	KindDeploy:   {"image_name", "descriptor", "namespace"},
	KindRollout:  {"deployment", "namespace"},
	KindCommand:  nil,
}

// LoadManifest reads a pipeline definition from a YAML file.
func LoadManifest(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// ParseManifest decodes a pipeline definition, rejecting unknown fields.
func ParseManifest(data []byte) (*Pipeline, error) {
	var pipeline Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pipeline); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	return &pipeline, nil
}

// DefaultPipeline is the five-stage pipeline used when no file is given:
// checkout, build, scan, then push and deploy behind approval gates.
func DefaultPipeline() *Pipeline {
	return &Pipeline{
		Name:        "default",
		Description: "checkout, build, scan, gated push, gated deploy",
		Stages: []*StageDefinition{
			{Name: "checkout", Kind: KindCheckout},
			{Name: "build", Kind: KindBuild},
			{Name: "scan", Kind: KindScan},
			{
				Name:     "push",
				Kind:     KindPush,
				Approval: &ApprovalDefinition{Prompt: "Push {{ .RemoteRef }} to the registry?"},
			},
			{
				Name:     "deploy",
				Kind:     KindDeploy,
				Approval: &ApprovalDefinition{Prompt: "Deploy {{ .RemoteRef }} to namespace {{ .Namespace }}?"},
			},
		},
		Cleanup: CleanupDefinition{RemoveImage: true},
	}
}

// Validate checks the pipeline definition and that Deploy carries every
// field its stage kinds need. Deploy should already have defaults applied.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline must define at least one stage")
	}

	seen := make(map[string]struct{})
	for _, stage := range p.Stages {
		if stage == nil {
			return fmt.Errorf("pipeline %s has an empty stage entry", p.Name)
		}
		if stage.Name == "" {
			return fmt.Errorf("stage name is required")
		}
		if !stageNamePattern.MatchString(stage.Name) {
			return fmt.Errorf("stage name %q must match %s", stage.Name, stageNamePattern)
		}
		if _, ok := seen[stage.Name]; ok {
			return fmt.Errorf("duplicate stage name: %s", stage.Name)
		}
		seen[stage.Name] = struct{}{}

		required, ok := requiredFields[stage.Kind]
		if !ok {
			return fmt.Errorf("stage %s has unknown kind %q", stage.Name, stage.Kind)
		}
		if stage.Kind == KindCommand && len(stage.Command) == 0 {
			return fmt.Errorf("stage %s: command stages require a command", stage.Name)
		}
		for _, arg := range stage.Command {
			if _, err := template.New(stage.Name).Parse(arg); err != nil {
				return fmt.Errorf("stage %s: command: %w", stage.Name, err)
			}
		}
		if _, err := template.New(stage.Name).Parse(stage.Workdir); err != nil {
			return fmt.Errorf("stage %s: workdir: %w", stage.Name, err)
		}
		if _, err := parseDuration(stage.Timeout); err != nil {
			return fmt.Errorf("stage %s: timeout: %w", stage.Name, err)
		}
		if stage.Approval != nil {
			if _, err := parseDuration(stage.Approval.Timeout); err != nil {
				return fmt.Errorf("stage %s: approval timeout: %w", stage.Name, err)
			}
			if _, err := template.New(stage.Name).Parse(stage.Approval.Prompt); err != nil {
				return fmt.Errorf("stage %s: approval prompt: %w", stage.Name, err)
			}
		}
		for _, field := range required {
			if deployField(p.Deploy, field) == "" {
				return fmt.Errorf("stage %s requires deploy.%s", stage.Name, field)
			}
		}
	}

	for i, cmd := range p.Cleanup.Commands {
		if len(cmd) == 0 {
			return fmt.Errorf("cleanup command %d is empty", i+1)
		}
		for _, arg := range cmd {
			if _, err := template.New("cleanup").Parse(arg); err != nil {
				return fmt.Errorf("cleanup command %d: %w", i+1, err)
			}
		}
	}
	return nil
}

// HasKind reports whether any stage is of kind.
func (p *Pipeline) HasKind(kind string) bool {
	for _, stage := range p.Stages {
		if stage != nil && stage.Kind == kind {
			return true
		}
	}
	return false
}

func deployField(d config.Deploy, name string) string {
	switch name {
	case "source_url":
		return d.SourceURL
	case "image_name":
		return d.ImageName
	case "repository":
		return d.Repository
	case "descriptor":
		return d.Descriptor
	case "deployment":
		return d.Deployment
	case "namespace":
		return d.Namespace
	}
	return ""
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", value)
	}
	return d, nil
}
