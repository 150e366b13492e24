package step

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkanda/loom/internal/checksum"
	"github.com/mkanda/loom/internal/stepname"
)

// testEnv builds a fresh Env over temp directories. Checksums and external
// signals are memoized per Env, so every simulated run gets its own.
func testEnv(t *testing.T) *Env {
	t.Helper()
	root := t.TempDir()
	return NewEnv(
		filepath.Join(root, "steps"),
		filepath.Join(root, "data"),
		filepath.Join(root, "snapshots"),
		nil,
	)
}

func writeSource(t *testing.T, env *Env, name stepname.Name, content string) {
	t.Helper()
	path := filepath.Join(env.StepsDir, filepath.FromSlash(name.Path()))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type fakeResolver struct {
	signal string
	err    error
	calls  int
}

func (f *fakeResolver) Resolve(ctx context.Context, name stepname.Name) (string, error) {
	f.calls++
	return f.signal, f.err
}

func TestTransform_RunCommitsOutput(t *testing.T) {
	env := testEnv(t)
	name := stepname.MustParse("data://energy/2024/consumption")
	writeSource(t, env, name, "SELECT 1")

	env.Transforms.Register(name.String(), func(ctx context.Context, dest Dest) error {
		return os.WriteFile(filepath.Join(dest.Dir, "result.csv"), []byte("a,b\n1,2\n"), 0o644)
	})

	s := NewTransform(env, name)
	s.Bind(nil)
	require.NoError(t, s.Run(context.Background()))

	got, err := os.ReadFile(filepath.Join(env.Ledger.OutputDir(name), "result.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(got))

	// No temp directories left behind next to the output.
	entries, err := os.ReadDir(filepath.Dir(env.Ledger.OutputDir(name)))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTransform_RunExposesDependencyOutputs(t *testing.T) {
	env := testEnv(t)
	depName := stepname.MustParse("data://energy/2024/raw")
	name := stepname.MustParse("data://energy/2024/clean")
	writeSource(t, env, depName, "fetch")
	writeSource(t, env, name, "clean")

	dep := NewTransform(env, depName)
	dep.Bind(nil)

	var inputs map[string]string
	env.Transforms.Register(name.String(), func(ctx context.Context, dest Dest) error {
		inputs = dest.Inputs
		return nil
	})

	s := NewTransform(env, name)
	s.Bind([]Step{dep})
	require.NoError(t, s.Run(context.Background()))

	require.Contains(t, inputs, depName.String())
	assert.Equal(t, env.Ledger.OutputDir(depName), inputs[depName.String()])
}

func TestTransform_RunWithoutRegistrationFails(t *testing.T) {
	env := testEnv(t)
	name := stepname.MustParse("data://ns/v1/x")
	writeSource(t, env, name, "x")

	s := NewTransform(env, name)
	s.Bind(nil)
	err := s.Run(context.Background())

	var exec *ExecutionError
	require.True(t, errors.As(err, &exec))
	assert.Equal(t, name, exec.Step)
	assert.Contains(t, err.Error(), "no transform registered")
}

func TestTransform_FailureKeepsPreviousOutput(t *testing.T) {
	env := testEnv(t)
	name := stepname.MustParse("data://ns/v1/x")
	writeSource(t, env, name, "x")

	fail := false
	env.Transforms.Register(name.String(), func(ctx context.Context, dest Dest) error {
		if fail {
			return fmt.Errorf("boom")
		}
		return os.WriteFile(filepath.Join(dest.Dir, "out.txt"), []byte("good"), 0o644)
	})

	s := NewTransform(env, name)
	s.Bind(nil)
	require.NoError(t, s.Run(context.Background()))

	fail = true
	err := s.Run(context.Background())
	require.Error(t, err)

	got, err := os.ReadFile(filepath.Join(env.Ledger.OutputDir(name), "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "good", string(got), "failed run must not clobber the previous artifact")
}

func TestTransform_ChecksumTracksSource(t *testing.T) {
	name := stepname.MustParse("data://ns/v1/x")

	digestFor := func(content string) checksum.Digest {
		env := testEnv(t)
		writeSource(t, env, name, content)
		s := NewTransform(env, name)
		s.Bind(nil)
		d, err := s.Checksum(context.Background())
		require.NoError(t, err)
		return d
	}

	assert.Equal(t, digestFor("SELECT 1"), digestFor("SELECT 1"))
	assert.NotEqual(t, digestFor("SELECT 1"), digestFor("SELECT 2"))
}

func TestTransform_ChecksumTracksDependencies(t *testing.T) {
	name := stepname.MustParse("data://ns/v1/x")

	digestWithDep := func(dep string) checksum.Digest {
		env := testEnv(t)
		writeSource(t, env, name, "same source")
		s := NewTransform(env, name)
		s.Bind([]Step{NewMarker(env, stepname.MustParse(dep))})
		d, err := s.Checksum(context.Background())
		require.NoError(t, err)
		return d
	}

	assert.NotEqual(t, digestWithDep("marker://ns/v1/a"), digestWithDep("marker://ns/v1/b"))
}

func TestTransform_ChecksumMissingSourceFails(t *testing.T) {
	env := testEnv(t)
	s := NewTransform(env, stepname.MustParse("data://ns/v1/absent"))
	s.Bind(nil)

	_, err := s.Checksum(context.Background())
	var notFound *checksum.NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestSnapshot_ChecksumAndRun(t *testing.T) {
	env := testEnv(t)
	name := stepname.MustParse("snapshot://energy/2024/source")

	path := filepath.Join(env.SnapshotsDir, filepath.FromSlash(name.Path()))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("raw bytes"), 0o644))

	s := NewSnapshot(env, name)
	s.Bind(nil)

	d, err := s.Checksum(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, d)
	assert.NoError(t, s.Run(context.Background()))
}

func TestSnapshot_RunMissingFileFails(t *testing.T) {
	env := testEnv(t)
	s := NewSnapshot(env, stepname.MustParse("snapshot://ns/v1/absent"))
	s.Bind(nil)

	err := s.Run(context.Background())
	var notFound *checksum.NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestMarker_DigestIsStable(t *testing.T) {
	env := testEnv(t)
	name := stepname.MustParse("marker://ns/v1/gate")

	a := NewMarker(env, name)
	a.Bind(nil)
	b := NewMarker(testEnv(t), name)
	b.Bind(nil)

	da, err := a.Checksum(context.Background())
	require.NoError(t, err)
	db, err := b.Checksum(context.Background())
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.NoError(t, a.Run(context.Background()))
}

func TestExternal_DigestFollowsSignal(t *testing.T) {
	name := stepname.MustParse("github://owner/repo/main")

	digestFor := func(signal string) checksum.Digest {
		env := testEnv(t)
		env.Resolver = &fakeResolver{signal: signal}
		s := NewExternal(env, name)
		s.Bind(nil)
		d, err := s.Checksum(context.Background())
		require.NoError(t, err)
		return d
	}

	assert.Equal(t, digestFor("etag-1"), digestFor("etag-1"))
	assert.NotEqual(t, digestFor("etag-1"), digestFor("etag-2"))
}

func TestExternal_ResolveErrorPropagates(t *testing.T) {
	env := testEnv(t)
	env.Resolver = &fakeResolver{err: fmt.Errorf("network down")}

	s := NewExternal(env, stepname.MustParse("etag://example.org/v1/file.csv"))
	s.Bind(nil)

	_, err := s.Checksum(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network down")
}

func TestCachingResolver_FetchesOncePerRun(t *testing.T) {
	inner := &fakeResolver{signal: "etag-1"}
	cached := newCachingResolver(inner)
	name := stepname.MustParse("etag://example.org/v1/file.csv")

	for i := 0; i < 5; i++ {
		signal, err := cached.Resolve(context.Background(), name)
		require.NoError(t, err)
		assert.Equal(t, "etag-1", signal)
	}
	assert.Equal(t, 1, inner.calls)
}

func TestIsDirty_LedgerRoundtrip(t *testing.T) {
	env := testEnv(t)
	name := stepname.MustParse("data://ns/v1/x")
	writeSource(t, env, name, "v1")

	s := NewTransform(env, name)
	s.Bind(nil)

	dirty, err := IsDirty(context.Background(), s, env.Ledger)
	require.NoError(t, err)
	assert.True(t, dirty, "never-run step is dirty")

	d, err := s.Checksum(context.Background())
	require.NoError(t, err)
	require.NoError(t, env.Ledger.Record(name, d))

	dirty, err = IsDirty(context.Background(), s, env.Ledger)
	require.NoError(t, err)
	assert.False(t, dirty, "recorded checksum matches")
}

func TestIsDirty_SourceChangeInvalidates(t *testing.T) {
	env := testEnv(t)
	name := stepname.MustParse("data://ns/v1/x")
	writeSource(t, env, name, "v1")

	s := NewTransform(env, name)
	s.Bind(nil)
	d, err := s.Checksum(context.Background())
	require.NoError(t, err)
	require.NoError(t, env.Ledger.Record(name, d))

	// Next run: fresh env over the same directories, changed source.
	next := &Env{
		StepsDir:     env.StepsDir,
		DataDir:      env.DataDir,
		SnapshotsDir: env.SnapshotsDir,
		Store:        checksum.NewStore(),
		Ledger:       env.Ledger,
		Transforms:   env.Transforms,
		Resolver:     env.Resolver,
		Log:          env.Log,
	}
	writeSource(t, next, name, "v2")

	s2 := NewTransform(next, name)
	s2.Bind(nil)
	dirty, err := IsDirty(context.Background(), s2, next.Ledger)
	require.NoError(t, err)
	assert.True(t, dirty)
}

func TestRegistry_ConstructsEveryChannel(t *testing.T) {
	env := testEnv(t)
	reg := NewRegistry()

	for _, raw := range []string{
		"data://ns/v1/x",
		"snapshot://ns/v1/x",
		"github://owner/repo/main",
		"etag://example.org/v1/x",
		"marker://ns/v1/x",
	} {
		name := stepname.MustParse(raw)
		s, err := reg.New(env, name)
		require.NoError(t, err, raw)
		assert.Equal(t, name, s.Name())
	}
}

func TestTransformRegistry_DuplicatePanics(t *testing.T) {
	tr := NewTransformRegistry()
	tr.Register("data://ns/v1/x", func(ctx context.Context, dest Dest) error { return nil })

	assert.Panics(t, func() {
		tr.Register("data://ns/v1/x", func(ctx context.Context, dest Dest) error { return nil })
	})
}

func TestTransformRegistry_NamesSorted(t *testing.T) {
	tr := NewTransformRegistry()
	noop := func(ctx context.Context, dest Dest) error { return nil }
	tr.Register("data://b/v1/x", noop)
	tr.Register("data://a/v1/x", noop)

	names := tr.Names()
	require.Len(t, names, 2)
	assert.True(t, strings.HasPrefix(names[0], "data://a/"))
}
