package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkanda/loom/internal/checksum"
	"github.com/mkanda/loom/internal/stepname"
)

func TestLedger_RecordAndGet(t *testing.T) {
	led := New(t.TempDir())
	name := stepname.MustParse("data://energy/2024-06-20/consumption")
	digest := checksum.Bytes([]byte("content"))

	_, ok := led.Get(name)
	assert.False(t, ok, "no entry before Record")

	require.NoError(t, led.Record(name, digest))

	got, ok := led.Get(name)
	require.True(t, ok)
	assert.Equal(t, digest, got)
}

func TestLedger_OutputDirLayout(t *testing.T) {
	dataDir := t.TempDir()
	led := New(dataDir)
	name := stepname.MustParse("data://energy/2024-06-20/consumption")

	want := filepath.Join(dataDir, "data", "energy", "2024-06-20", "consumption")
	assert.Equal(t, want, led.OutputDir(name))

	require.NoError(t, led.Record(name, checksum.Bytes([]byte("x"))))
	_, err := os.Stat(filepath.Join(want, "index.yaml"))
	assert.NoError(t, err)
}

func TestLedger_CorruptIndexIsDirty(t *testing.T) {
	dataDir := t.TempDir()
	led := New(dataDir)
	name := stepname.MustParse("data://ns/v1/x")

	dir := led.OutputDir(name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.yaml"), []byte("\tgarbage"), 0o644))

	_, ok := led.Get(name)
	assert.False(t, ok)
}

func TestLedger_WrongStepNameIsDirty(t *testing.T) {
	dataDir := t.TempDir()
	led := New(dataDir)
	a := stepname.MustParse("data://ns/v1/a")
	b := stepname.MustParse("data://ns/v1/b")

	require.NoError(t, led.Record(a, checksum.Bytes([]byte("x"))))

	// Simulate a moved output directory: the index belongs to another step.
	require.NoError(t, os.MkdirAll(filepath.Dir(led.OutputDir(b)), 0o755))
	require.NoError(t, os.Rename(led.OutputDir(a), led.OutputDir(b)))

	_, ok := led.Get(b)
	assert.False(t, ok)
}

func TestLedger_RecordOverwrites(t *testing.T) {
	led := New(t.TempDir())
	name := stepname.MustParse("data://ns/v1/x")

	require.NoError(t, led.Record(name, checksum.Bytes([]byte("v1"))))
	require.NoError(t, led.Record(name, checksum.Bytes([]byte("v2"))))

	got, ok := led.Get(name)
	require.True(t, ok)
	assert.Equal(t, checksum.Bytes([]byte("v2")), got)
}
