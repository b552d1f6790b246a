package attest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zen-systems/shipgate/pkg/evidence"
)

// Verify checks an attestation against the run directory: every hashed
// file must be unchanged and the claim must match run.json.
func Verify(att *Attestation, runDir string) error {
	if att == nil {
		return fmt.Errorf("attestation is required")
	}
	if runDir == "" {
		return fmt.Errorf("runDir is required")
	}
	if att.Schema != Schema {
		return fmt.Errorf("unknown attestation schema: %s", att.Schema)
	}
	if _, ok := att.Hashes[att.Evidence.RunJSON]; !ok {
		return fmt.Errorf("run.json is not covered by the attestation")
	}

	for rel, expected := range att.Hashes {
		actual, err := hashFile(runDir, rel)
		if err != nil {
			return fmt.Errorf("evidence file %s: %w", rel, err)
		}
		if actual != expected {
			return fmt.Errorf("hash mismatch for %s", rel)
		}
	}

	record, err := evidence.ReadRun(filepath.Join(runDir, att.Evidence.RunJSON))
	if err != nil {
		return err
	}
	if record.ID != att.Subject.RunID {
		return fmt.Errorf("subject run %s does not match run.json %s", att.Subject.RunID, record.ID)
	}
	if image := record.Deploy.RemoteRef(); image != att.Subject.Image {
		return fmt.Errorf("subject image %s does not match run.json %s", att.Subject.Image, image)
	}

	want := claimFor(record)
	if want.Status != att.Claim.Status || want.FailedStage != att.Claim.FailedStage {
		return fmt.Errorf("claim status mismatch")
	}
	if len(want.Stages) != len(att.Claim.Stages) {
		return fmt.Errorf("claim stages mismatch")
	}
	for i := range want.Stages {
		if want.Stages[i] != att.Claim.Stages[i] {
			return fmt.Errorf("claim mismatch for stage %s", want.Stages[i].Name)
		}
	}
	return nil
}

// VerifyFile loads runDir's attestation and verifies it.
func VerifyFile(runDir string) (*Attestation, error) {
	data, err := os.ReadFile(filepath.Join(runDir, FileName))
	if err != nil {
		return nil, err
	}
	var att Attestation
	if err := json.Unmarshal(data, &att); err != nil {
		return nil, fmt.Errorf("decode %s: %w", FileName, err)
	}
	if err := Verify(&att, runDir); err != nil {
		return nil, err
	}
	return &att, nil
}
