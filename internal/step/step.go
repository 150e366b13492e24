// Package step defines the executable unit of the pipeline and its variants.
//
// A step is identified by its URI name and exposes the four-operation
// contract the scheduler relies on: Name, Dependencies, Checksum, Run.
// Variants differ in how they derive their own-definition digest and in what
// Run does; dirty-checking and checksum composition are shared.
package step

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mkanda/loom/internal/checksum"
	"github.com/mkanda/loom/internal/ledger"
	"github.com/mkanda/loom/internal/stepname"
)

// Step is one executable, checksummed unit of the pipeline.
type Step interface {
	// Name returns the step's URI identity.
	Name() stepname.Name

	// Dependencies returns the resolved dependency steps in declared order.
	Dependencies() []Step

	// Checksum returns the step's composed digest: its own-definition digest
	// folded with the digests of all dependencies in declared order. The
	// value is computed lazily, once per run.
	Checksum(ctx context.Context) (checksum.Digest, error)

	// Run executes the step's work. It returns an error on failure; success
	// is signalled by a normal return, never by a sentinel result.
	Run(ctx context.Context) error

	// Bind attaches the resolved dependency steps. Called exactly once
	// during graph construction; steps are immutable afterwards.
	Bind(deps []Step)
}

// Env is the per-run context shared by all steps: directory layout, the
// checksum store, the ledger, the transform registry, and the external
// resolver. It is constructed once per run and never mutated afterwards.
type Env struct {
	StepsDir     string
	DataDir      string
	SnapshotsDir string

	Store      *checksum.Store
	Ledger     *ledger.Ledger
	Transforms *TransformRegistry
	Resolver   Resolver
	Log        *logrus.Logger
}

// NewEnv builds an Env with a fresh checksum store and ledger rooted at the
// given directories.
func NewEnv(stepsDir, dataDir, snapshotsDir string, log *logrus.Logger) *Env {
	if log == nil {
		log = logrus.New()
	}
	return &Env{
		StepsDir:     stepsDir,
		DataDir:      dataDir,
		SnapshotsDir: snapshotsDir,
		Store:        checksum.NewStore(),
		Ledger:       ledger.New(dataDir),
		Transforms:   NewTransformRegistry(),
		Resolver:     newCachingResolver(&httpResolver{}),
		Log:          log,
	}
}

// base carries the identity, dependency list, and memoized checksum shared
// by every variant. definitionDigest supplies the variant-specific part.
type base struct {
	name stepname.Name
	env  *Env
	deps []Step

	once   sync.Once
	digest checksum.Digest
	err    error

	definitionDigest func(ctx context.Context) (checksum.Digest, error)
}

func (b *base) Name() stepname.Name  { return b.name }
func (b *base) Dependencies() []Step { return b.deps }
func (b *base) Bind(deps []Step)     { b.deps = deps }

func (b *base) Checksum(ctx context.Context) (checksum.Digest, error) {
	b.once.Do(func() {
		def, err := b.definitionDigest(ctx)
		if err != nil {
			b.err = fmt.Errorf("checksum %s: %w", b.name, err)
			return
		}
		depDigests := make([]checksum.Digest, 0, len(b.deps))
		for _, dep := range b.deps {
			d, err := dep.Checksum(ctx)
			if err != nil {
				b.err = err
				return
			}
			depDigests = append(depDigests, d)
		}
		b.digest = checksum.Step(def, depDigests)
	})
	return b.digest, b.err
}

// IsDirty reports whether a step needs re-execution: no ledger entry, or a
// ledger entry that does not match the freshly computed checksum.
func IsDirty(ctx context.Context, s Step, led *ledger.Ledger) (bool, error) {
	current, err := s.Checksum(ctx)
	if err != nil {
		return true, err
	}
	recorded, ok := led.Get(s.Name())
	if !ok {
		return true, nil
	}
	return recorded != current, nil
}
