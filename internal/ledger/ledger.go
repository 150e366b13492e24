// Package ledger persists the last-successful checksum per step.
//
// Each step's entry is an index.yaml co-located with the step's materialized
// output, so the ledger survives process restarts and is read and written
// incrementally, one step at a time. Absence of an entry (or a mismatch with
// the freshly computed checksum) marks the step dirty.
package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mkanda/loom/internal/checksum"
	"github.com/mkanda/loom/internal/stepname"
	loomyaml "github.com/mkanda/loom/internal/yaml"
)

const indexFile = "index.yaml"

// Entry is the on-disk record for one step.
type Entry struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Step          string `yaml:"step"`
	Checksum      string `yaml:"checksum"`
	CompletedAt   string `yaml:"completed_at"`
}

// Ledger reads and writes per-step index files under a data directory.
// Writes are serialized: step execution is concurrent, but the ledger is the
// one piece of shared mutable state.
type Ledger struct {
	dataDir string

	mu sync.Mutex
}

func New(dataDir string) *Ledger {
	return &Ledger{dataDir: dataDir}
}

// OutputDir returns the directory holding a step's materialized output and
// its index file: <dataDir>/<channel>/<namespace>/<version>/<short_name>.
func (l *Ledger) OutputDir(name stepname.Name) string {
	return filepath.Join(l.dataDir, string(name.Channel), filepath.FromSlash(name.Path()))
}

// Get returns the recorded checksum for a step. ok is false when no entry
// exists. A corrupt or half-written index is reported as absent rather than
// an error: the step is simply dirty and will be rebuilt.
func (l *Ledger) Get(name stepname.Name) (checksum.Digest, bool) {
	path := filepath.Join(l.OutputDir(name), indexFile)
	content, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	if err := loomyaml.ValidateSchemaHeader(content, loomyaml.FileTypeStepIndex); err != nil {
		return "", false
	}

	var entry Entry
	if err := yamlv3.Unmarshal(content, &entry); err != nil {
		return "", false
	}
	if entry.Step != name.String() || entry.Checksum == "" {
		return "", false
	}
	return checksum.Digest(entry.Checksum), true
}

// Record writes the step's entry atomically. It must only be called after
// the step's output is fully materialized, so an interrupted run never
// leaves a clean-looking ledger over a partial output.
func (l *Ledger) Record(name stepname.Name, d checksum.Digest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		SchemaVersion: loomyaml.CurrentSchemaVersion,
		FileType:      loomyaml.FileTypeStepIndex,
		Step:          name.String(),
		Checksum:      string(d),
		CompletedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	path := filepath.Join(l.OutputDir(name), indexFile)
	if err := loomyaml.AtomicWrite(path, entry); err != nil {
		return fmt.Errorf("record ledger entry for %s: %w", name, err)
	}
	return nil
}
