package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zen-systems/shipgate/pkg/config"
)

// RunRecord captures run-level state. It is rewritten on every transition.
type RunRecord struct {
	ID            string            `json:"id"`
	Pipeline      string            `json:"pipeline"`
	PipelineFile  string            `json:"pipeline_file,omitempty"`
	Status        string            `json:"status"`
	Deploy        config.Deploy     `json:"deploy"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	FailedStage   string            `json:"failed_stage,omitempty"`
	Failure       string            `json:"failure,omitempty"`
	Stages        []StageRecord     `json:"stages"`
	CleanupErrors []string          `json:"cleanup_errors,omitempty"`
	ToolVersions  map[string]string `json:"tool_versions,omitempty"`
}

// StageRecord captures evidence for a single stage.
type StageRecord struct {
	Name           string          `json:"name"`
	Status         string          `json:"status"`
	Message        string          `json:"message,omitempty"`
	Command        []string        `json:"command,omitempty"`
	ExitCode       int             `json:"exit_code"`
	Approval       *ApprovalRecord `json:"approval,omitempty"`
	DurationMillis int64           `json:"duration_ms"`
}

// ApprovalRecord captures a gate decision.
type ApprovalRecord struct {
	RequestID  string    `json:"request_id"`
	Prompt     string    `json:"prompt"`
	Approved   bool      `json:"approved"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
	WaitMillis int64     `json:"wait_ms"`
}

// Writer writes evidence bundles to disk.
type Writer struct {
	baseDir string
	runDir  string
}

// NewWriter creates a new evidence writer rooted at baseDir/runID.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	runDir := filepath.Join(baseDir, runID)
	for _, dir := range []string{runDir, filepath.Join(runDir, "stages"), filepath.Join(runDir, "logs")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}

	return &Writer{baseDir: baseDir, runDir: runDir}, nil
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes run state to run.json.
func (w *Writer) WriteRun(record RunRecord) error {
	return writeJSON(filepath.Join(w.runDir, "run.json"), record)
}

// WriteStage writes a stage record to stages/<stage>.json.
func (w *Writer) WriteStage(record StageRecord) error {
	if err := checkStageName(record.Name); err != nil {
		return err
	}
	return writeJSON(filepath.Join(w.runDir, "stages", record.Name+".json"), record)
}

// WriteStageLog writes captured tool output to logs/<stage>.log.
func (w *Writer) WriteStageLog(stageName, content string) error {
	if err := checkStageName(stageName); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.runDir, "logs", stageName+".log"), []byte(content), 0600)
}

func checkStageName(name string) error {
	if name == "" {
		return fmt.Errorf("stage name is required")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid stage name %q", name)
	}
	return nil
}

// ReadRun loads a run.json file.
func ReadRun(path string) (*RunRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &record, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
