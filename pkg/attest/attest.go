package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zen-systems/shipgate/pkg/evidence"
)

// Schema identifies the attestation format.
const Schema = "shipgate.attestation.v1"

// FileName is the attestation's name inside a run directory.
const FileName = "attestation.json"

// Attestation binds the outcome of a run to the hashes of its evidence.
type Attestation struct {
	Schema   string            `json:"schema"`
	Subject  Subject           `json:"subject"`
	Claim    Claim             `json:"claim"`
	Evidence Evidence          `json:"evidence"`
	Hashes   map[string]string `json:"hashes"`
}

// Subject identifies the attested run and the image it shipped.
type Subject struct {
	RunID        string `json:"run_id"`
	Pipeline     string `json:"pipeline"`
	PipelineFile string `json:"pipeline_file,omitempty"`
	Image        string `json:"image"`
	Namespace    string `json:"namespace,omitempty"`
	Deployment   string `json:"deployment,omitempty"`
}

// Claim summarizes the run outcome.
type Claim struct {
	Status      string       `json:"status"`
	FailedStage string       `json:"failed_stage,omitempty"`
	Stages      []StageClaim `json:"stages"`
}

// StageClaim records a stage's status and, for gated stages, who decided.
type StageClaim struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Gated    bool   `json:"gated"`
	Approved bool   `json:"approved,omitempty"`
	Actor    string `json:"actor,omitempty"`
}

// Evidence lists the files covered by Hashes, relative to the run dir.
type Evidence struct {
	RunJSON string   `json:"run_json"`
	Stages  []string `json:"stages"`
	Logs    []string `json:"logs"`
}

// Build creates an attestation for the evidence bundle in runDir.
func Build(runDir string) (*Attestation, error) {
	if runDir == "" {
		return nil, fmt.Errorf("runDir is required")
	}

	record, err := evidence.ReadRun(filepath.Join(runDir, "run.json"))
	if err != nil {
		return nil, err
	}

	stageFiles, err := listFiles(runDir, "stages", ".json")
	if err != nil {
		return nil, err
	}
	logs, err := listFiles(runDir, "logs", ".log")
	if err != nil {
		return nil, err
	}

	hashes := make(map[string]string, 1+len(stageFiles)+len(logs))
	for _, rel := range append(append([]string{"run.json"}, stageFiles...), logs...) {
		sum, err := hashFile(runDir, rel)
		if err != nil {
			return nil, err
		}
		hashes[rel] = sum
	}

	return &Attestation{
		Schema: Schema,
		Subject: Subject{
			RunID:        record.ID,
			Pipeline:     record.Pipeline,
			PipelineFile: record.PipelineFile,
			Image:        record.Deploy.RemoteRef(),
			Namespace:    record.Deploy.Namespace,
			Deployment:   record.Deploy.Deployment,
		},
		Claim: claimFor(record),
		Evidence: Evidence{
			RunJSON: "run.json",
			Stages:  stageFiles,
			Logs:    logs,
		},
		Hashes: hashes,
	}, nil
}

// Write builds the attestation for runDir and stores it there.
func Write(runDir string) (*Attestation, error) {
	att, err := Build(runDir)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(att, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(runDir, FileName), data, 0600); err != nil {
		return nil, err
	}
	return att, nil
}

func claimFor(record *evidence.RunRecord) Claim {
	claim := Claim{
		Status:      record.Status,
		FailedStage: record.FailedStage,
		Stages:      make([]StageClaim, 0, len(record.Stages)),
	}
	for _, s := range record.Stages {
		sc := StageClaim{Name: s.Name, Status: s.Status}
		if s.Approval != nil {
			sc.Gated = true
			sc.Approved = s.Approval.Approved
			sc.Actor = s.Approval.Actor
		}
		claim.Stages = append(claim.Stages, sc)
	}
	return claim
}

func listFiles(runDir, sub, ext string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(runDir, sub))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
			continue
		}
		files = append(files, filepath.ToSlash(filepath.Join(sub, entry.Name())))
	}
	sort.Strings(files)
	return files, nil
}

func hashFile(runDir, rel string) (string, error) {
	path, err := safeJoin(runDir, rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func safeJoin(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path not allowed")
	}
	for _, seg := range strings.Split(filepath.FromSlash(rel), string(filepath.Separator)) {
		if seg == ".." {
			return "", fmt.Errorf("path traversal detected")
		}
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." {
		return "", fmt.Errorf("invalid path")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target := filepath.Join(rootAbs, clean)
	if !strings.HasPrefix(target, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes run dir")
	}
	return target, nil
}
