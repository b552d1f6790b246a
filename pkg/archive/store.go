package archive

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zen-systems/shipgate/pkg/crypto"
	"github.com/zen-systems/shipgate/pkg/evidence"
)

// ErrNotFound is returned for run IDs missing from the index.
var ErrNotFound = errors.New("run not archived")

// Entry is one line of the run index.
type Entry struct {
	RunID      string            `json:"run_id"`
	Pipeline   string            `json:"pipeline"`
	Status     string            `json:"status"`
	SHA256     string            `json:"sha256"`
	Signature  *crypto.Signature `json:"signature,omitempty"`
	ArchivedAt time.Time         `json:"archived_at"`
}

// Store manages the content-addressed run archive.
type Store struct {
	BasePath string
	signer   *crypto.Signer
}

// NewStore creates the archive layout under basePath. A nil signer stores
// unsigned entries.
func NewStore(basePath string, signer *crypto.Signer) (*Store, error) {
	if basePath == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	for _, d := range []string{filepath.Join(basePath, "objects"), filepath.Join(basePath, "indexes")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, err
		}
	}
	return &Store{BasePath: basePath, signer: signer}, nil
}

// Archive stores record by its SHA256 content hash in a sharded directory
// and appends a signed entry to the run index.
func (s *Store) Archive(record evidence.RunRecord) (*Entry, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	hashBytes := sha256.Sum256(data)
	hash := hex.EncodeToString(hashBytes[:])

	dir := filepath.Join(s.BasePath, "objects", hash[:2])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.objectPath(hash), data, 0644); err != nil {
		return nil, err
	}

	entry := &Entry{
		RunID:      record.ID,
		Pipeline:   record.Pipeline,
		Status:     record.Status,
		SHA256:     hash,
		ArchivedAt: time.Now().UTC(),
	}
	if s.signer != nil {
		sig := s.signer.Sign(data)
		entry.Signature = &sig
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.indexPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open run index: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write run index: %w", err)
	}
	return entry, nil
}

// List returns every index entry in archive order.
func (s *Store) List() ([]Entry, error) {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("decode run index: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Get returns the latest entry for runID and its stored record.
func (s *Store) Get(runID string) (*Entry, *evidence.RunRecord, error) {
	entries, err := s.List()
	if err != nil {
		return nil, nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].RunID != runID {
			continue
		}
		entry := entries[i]
		data, err := os.ReadFile(s.objectPath(entry.SHA256))
		if err != nil {
			return nil, nil, err
		}
		var record evidence.RunRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, nil, err
		}
		return &entry, &record, nil
	}
	return nil, nil, ErrNotFound
}

// Verify checks that the stored object for runID still matches its hash and
// signature. Keys are read from keyDir.
func (s *Store) Verify(runID, keyDir string) error {
	entry, _, err := s.Get(runID)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(s.objectPath(entry.SHA256))
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != entry.SHA256 {
		return fmt.Errorf("run %s: content hash mismatch", runID)
	}
	if entry.Signature == nil {
		return fmt.Errorf("run %s: entry is unsigned", runID)
	}
	if err := crypto.Verify(keyDir, *entry.Signature, data); err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) objectPath(hash string) string {
	return filepath.Join(s.BasePath, "objects", hash[:2], hash+".json")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.BasePath, "indexes", "runs.jsonl")
}
