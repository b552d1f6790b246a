package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Deploy is the configuration surface of a single run. It is fixed when the
// run starts and passed by value.
type Deploy struct {
	ImageName          string `yaml:"image_name" json:"image_name" envconfig:"IMAGE_NAME"`
	ImageTag           string `yaml:"image_tag" json:"image_tag" envconfig:"IMAGE_TAG"`
	Repository         string `yaml:"repository" json:"repository" envconfig:"REPOSITORY"`
	RegistryCredential string `yaml:"registry_credential" json:"registry_credential,omitempty" envconfig:"REGISTRY_CREDENTIAL"`
	ClusterCredential  string `yaml:"cluster_credential" json:"cluster_credential,omitempty" envconfig:"CLUSTER_CREDENTIAL"`
	Deployment         string `yaml:"deployment" json:"deployment" envconfig:"DEPLOYMENT"`
	Namespace          string `yaml:"namespace" json:"namespace" envconfig:"NAMESPACE"`
	Descriptor         string `yaml:"descriptor" json:"descriptor" envconfig:"DESCRIPTOR"`
	SourceURL          string `yaml:"source_url" json:"source_url,omitempty" envconfig:"SOURCE_URL"`
	SourceBranch       string `yaml:"source_branch" json:"source_branch,omitempty" envconfig:"SOURCE_BRANCH"`
	Dockerfile         string `yaml:"dockerfile" json:"dockerfile,omitempty" envconfig:"DOCKERFILE"`
	BuildContext       string `yaml:"build_context" json:"build_context,omitempty" envconfig:"BUILD_CONTEXT"`
	ScanSeverity       string `yaml:"scan_severity" json:"scan_severity,omitempty" envconfig:"SCAN_SEVERITY"`
}

// WithEnv returns a copy of d with every SHIPGATE_* variable that is set
// taking precedence over the file value.
func (d Deploy) WithEnv() (Deploy, error) {
	if err := envconfig.Process(EnvPrefix, &d); err != nil {
		return Deploy{}, fmt.Errorf("failed to process deploy overrides: %w", err)
	}
	return d, nil
}

// WithDefaults fills optional fields.
func (d Deploy) WithDefaults() Deploy {
	if d.ImageTag == "" {
		d.ImageTag = "latest"
	}
	if d.Namespace == "" {
		d.Namespace = "default"
	}
	if d.SourceBranch == "" {
		d.SourceBranch = "main"
	}
	if d.Dockerfile == "" {
		d.Dockerfile = "Dockerfile"
	}
	if d.BuildContext == "" {
		d.BuildContext = "."
	}
	if d.ScanSeverity == "" {
		d.ScanSeverity = "HIGH,CRITICAL"
	}
	if d.Deployment == "" {
		d.Deployment = d.ImageName
	}
	return d
}

// LocalRef is the reference the image is built and scanned under.
func (d Deploy) LocalRef() string {
	return d.ImageName + ":" + d.ImageTag
}

// RemoteRef is the reference pushed to the registry and deployed.
func (d Deploy) RemoteRef() string {
	repo := strings.TrimSuffix(d.Repository, "/")
	if repo == "" {
		return d.LocalRef()
	}
	return repo + "/" + d.LocalRef()
}

// RegistryHost returns the registry host of Repository, or "" for the
// default registry.
func (d Deploy) RegistryHost() string {
	first, _, found := strings.Cut(d.Repository, "/")
	if !found {
		return ""
	}
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return first
	}
	return ""
}

// RegistryCredentials resolves the registry credential reference. The
// reference names an environment prefix: <REF>_USR holds the user and
// <REF>_PSW the password.
func (d Deploy) RegistryCredentials() (user, password string, err error) {
	return d.registryCredentials(os.LookupEnv)
}

func (d Deploy) registryCredentials(lookup func(string) (string, bool)) (string, string, error) {
	ref := d.RegistryCredential
	if ref == "" {
		return "", "", fmt.Errorf("registry credential reference is not set")
	}
	user, ok := lookup(ref + "_USR")
	if !ok || user == "" {
		return "", "", fmt.Errorf("registry credential %s: %s_USR is not set", ref, ref)
	}
	password, ok := lookup(ref + "_PSW")
	if !ok || password == "" {
		return "", "", fmt.Errorf("registry credential %s: %s_PSW is not set", ref, ref)
	}
	return user, password, nil
}
