package step

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mkanda/loom/internal/checksum"
	"github.com/mkanda/loom/internal/stepname"
)

// ExecutionError wraps a failure raised by a user-supplied transform. The
// inner error is preserved verbatim so full detail reaches the run report.
type ExecutionError struct {
	Step stepname.Name
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// transformStep runs a registered transform function and materializes its
// output atomically. Its own-definition digest is the content digest of the
// step's source path under StepsDir, so editing the transformation logic
// marks the step dirty even when inputs are unchanged.
type transformStep struct {
	base
}

// NewTransform is the factory for data:// steps.
func NewTransform(env *Env, name stepname.Name) Step {
	t := &transformStep{}
	t.name = name
	t.env = env
	t.definitionDigest = func(ctx context.Context) (checksum.Digest, error) {
		return env.Store.Path(t.sourcePath())
	}
	return t
}

// sourcePath derives the location of the transformation logic from the step
// name: <stepsDir>/<namespace>/<version>/<short_name>, a file or directory.
func (t *transformStep) sourcePath() string {
	return filepath.Join(t.env.StepsDir, filepath.FromSlash(t.name.Path()))
}

func (t *transformStep) Run(ctx context.Context) error {
	fn, ok := t.env.Transforms.Lookup(t.name.String())
	if !ok {
		return &ExecutionError{Step: t.name, Err: fmt.Errorf("no transform registered")}
	}

	outDir := t.env.Ledger.OutputDir(t.name)
	parent := filepath.Dir(outDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return &ExecutionError{Step: t.name, Err: fmt.Errorf("create output parent: %w", err)}
	}

	// Write into a temp dir, then rename into place. An interrupted run
	// leaves no partial output at the canonical path, so the next run sees
	// the step dirty instead of half-built.
	tmpDir, err := os.MkdirTemp(parent, "."+t.name.ShortName+"-tmp-")
	if err != nil {
		return &ExecutionError{Step: t.name, Err: fmt.Errorf("create temp output dir: %w", err)}
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	inputs := make(map[string]string, len(t.deps))
	for _, dep := range t.deps {
		inputs[dep.Name().String()] = t.env.Ledger.OutputDir(dep.Name())
	}

	t.env.Log.Debugf("running transform %s -> %s", t.name, outDir)
	if err := fn(ctx, Dest{Dir: tmpDir, Inputs: inputs}); err != nil {
		return &ExecutionError{Step: t.name, Err: err}
	}

	if err := os.RemoveAll(outDir); err != nil {
		return &ExecutionError{Step: t.name, Err: fmt.Errorf("clear previous output: %w", err)}
	}
	if err := os.Rename(tmpDir, outDir); err != nil {
		return &ExecutionError{Step: t.name, Err: fmt.Errorf("commit output: %w", err)}
	}
	committed = true
	return nil
}
