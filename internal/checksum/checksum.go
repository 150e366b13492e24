// Package checksum computes content fingerprints for bytes, files, file
// trees, and steps, with per-run memoization.
//
// Digests compose transitively: a step digest folds in the digests of its
// dependencies in declared order, so any upstream change invalidates every
// downstream step.
package checksum

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Digest is a stable, platform-independent content fingerprint (hex SHA-256).
type Digest string

// String returns the hex form of the digest.
func (d Digest) String() string { return string(d) }

// NotFoundError reports a missing input path. It is fatal for the step that
// declared the input and must be propagated, never swallowed.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("checksum input not found: %s", e.Path)
}

// Bytes hashes raw bytes. Pure and deterministic.
func Bytes(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest(hex.EncodeToString(sum[:]))
}

// hasher accumulates length-prefixed fields so that field boundaries are
// unambiguous: hash(a, bc) != hash(ab, c).
type hasher struct {
	h io.Writer
	s interface{ Sum([]byte) []byte }
}

func newHasher() *hasher {
	h := sha256.New()
	return &hasher{h: h, s: h}
}

func (h *hasher) writeField(data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	h.h.Write(prefix[:])
	h.h.Write(data)
}

// writeCount frames an element count with the same fixed-width encoding as
// field lengths, so counts of any size hash unambiguously.
func (h *hasher) writeCount(n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	h.writeField(buf[:])
}

func (h *hasher) digest() Digest {
	return Digest(hex.EncodeToString(h.s.Sum(nil)))
}

// Step combines a step's own-definition digest with its dependencies'
// digests in declared order. Reordering dependencies changes the result,
// since step semantics may depend on load order.
func Step(definition Digest, deps []Digest) Digest {
	h := newHasher()
	h.writeField([]byte(definition))
	h.writeCount(len(deps))
	for _, d := range deps {
		h.writeField([]byte(d))
	}
	return h.digest()
}

// Store memoizes file and tree digests for the duration of a run. Inputs are
// assumed immutable while the run is in flight; a new Store must be created
// per run.
type Store struct {
	mu     sync.Mutex
	files  map[string]Digest
	trees  map[string]Digest
	flight singleflight.Group
}

// NewStore creates an empty per-run store.
func NewStore() *Store {
	return &Store{
		files: make(map[string]Digest),
		trees: make(map[string]Digest),
	}
}

// File hashes the contents of one file, memoized by path. A missing path
// yields *NotFoundError.
func (s *Store) File(path string) (Digest, error) {
	s.mu.Lock()
	if d, ok := s.files[path]; ok {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	// Concurrent callers for the same path share one computation.
	v, err, _ := s.flight.Do("file:"+path, func() (any, error) {
		d, err := hashFile(path)
		if err != nil {
			return Digest(""), err
		}
		s.mu.Lock()
		s.files[path] = d
		s.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return "", err
	}
	return v.(Digest), nil
}

// Tree hashes every regular file under dir, combined in sorted relative-path
// order so the result is independent of filesystem iteration order.
func (s *Store) Tree(dir string) (Digest, error) {
	s.mu.Lock()
	if d, ok := s.trees[dir]; ok {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	v, err, _ := s.flight.Do("tree:"+dir, func() (any, error) {
		d, err := s.hashTree(dir)
		if err != nil {
			return Digest(""), err
		}
		s.mu.Lock()
		s.trees[dir] = d
		s.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return "", err
	}
	return v.(Digest), nil
}

// Path hashes path as a file or as a tree depending on what it is.
func (s *Store) Path(path string) (Digest, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &NotFoundError{Path: path}
		}
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return s.Tree(path)
	}
	return s.File(path)
}

func hashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &NotFoundError{Path: path}
		}
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return Digest(hex.EncodeToString(h.Sum(nil))), nil
}

func (s *Store) hashTree(dir string) (Digest, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return "", &NotFoundError{Path: dir}
		}
		return "", fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(paths)

	h := newHasher()
	h.writeCount(len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return "", fmt.Errorf("rel %s: %w", p, err)
		}
		fd, err := s.File(p)
		if err != nil {
			return "", err
		}
		h.writeField([]byte(filepath.ToSlash(rel)))
		h.writeField([]byte(fd))
	}
	return h.digest(), nil
}
