package step

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mkanda/loom/internal/checksum"
	"github.com/mkanda/loom/internal/stepname"
)

// snapshotStep references raw ingested bytes already materialized under
// SnapshotsDir. Its digest is the content digest of those bytes; Run only
// verifies they exist.
type snapshotStep struct {
	base
}

// NewSnapshot is the factory for snapshot:// steps.
func NewSnapshot(env *Env, name stepname.Name) Step {
	s := &snapshotStep{}
	s.name = name
	s.env = env
	s.definitionDigest = func(ctx context.Context) (checksum.Digest, error) {
		return env.Store.Path(s.path())
	}
	return s
}

func (s *snapshotStep) path() string {
	return filepath.Join(s.env.SnapshotsDir, filepath.FromSlash(s.name.Path()))
}

func (s *snapshotStep) Run(ctx context.Context) error {
	if _, err := os.Stat(s.path()); err != nil {
		if os.IsNotExist(err) {
			return &ExecutionError{Step: s.name, Err: &checksum.NotFoundError{Path: s.path()}}
		}
		return &ExecutionError{Step: s.name, Err: fmt.Errorf("stat snapshot: %w", err)}
	}
	return nil
}
