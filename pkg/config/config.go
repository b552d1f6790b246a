package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix for every environment variable shipgate reads.
const EnvPrefix = "SHIPGATE"

// Settings holds process-level configuration read from the environment.
type Settings struct {
	LogLevel      string   `envconfig:"LOG_LEVEL" default:"info" desc:"zerolog level (debug, info, warn, error)"`
	LogPretty     bool     `envconfig:"LOG_PRETTY" default:"false" desc:"human readable console logs"`
	EvidenceDir   string   `envconfig:"EVIDENCE_DIR" default:".shipgate/runs" desc:"per-run evidence bundles"`
	ArchiveDir    string   `envconfig:"ARCHIVE_DIR" default:".shipgate/archive" desc:"signed run archive"`
	KeysDir       string   `envconfig:"KEYS_DIR" default:".shipgate/keys" desc:"ed25519 signing keys"`
	KeyID         string   `envconfig:"KEY_ID" default:"shipgate"`
	WorkspaceRoot string   `envconfig:"WORKSPACE_ROOT" desc:"parent of per-run workspaces, defaults to the OS temp dir"`
	ListenAddr    string   `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8088" desc:"control server address"`
	ControlToken  string   `envconfig:"CONTROL_TOKEN" desc:"bearer token required by the control server"`
	WebhookURL    string   `envconfig:"WEBHOOK_URL" desc:"notification webhook"`
	Binaries      Binaries `envconfig:"BIN"`
}

// Binaries names the external tools invoked by pipeline stages.
type Binaries struct {
	Git     string `envconfig:"GIT" default:"git"`
	Docker  string `envconfig:"DOCKER" default:"docker"`
	Scanner string `envconfig:"SCANNER" default:"trivy"`
	Kubectl string `envconfig:"KUBECTL" default:"kubectl"`
}

// Load reads Settings from SHIPGATE_* environment variables.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to process environment: %w", err)
	}
	if s.WorkspaceRoot == "" {
		s.WorkspaceRoot = filepath.Join(os.TempDir(), "shipgate")
	}
	return s, nil
}

// Usage prints the environment variables understood by Load.
func Usage() error {
	var s Settings
	return envconfig.Usage(EnvPrefix, &s)
}
