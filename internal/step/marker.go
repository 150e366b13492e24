package step

import (
	"context"

	"github.com/mkanda/loom/internal/checksum"
	"github.com/mkanda/loom/internal/stepname"
)

// markerStep exists purely to express a dependency edge. It contributes its
// name to dependent checksums and performs no work.
type markerStep struct {
	base
}

// NewMarker is the factory for marker:// steps.
func NewMarker(env *Env, name stepname.Name) Step {
	m := &markerStep{}
	m.name = name
	m.env = env
	m.definitionDigest = func(ctx context.Context) (checksum.Digest, error) {
		return checksum.Bytes([]byte(name.String())), nil
	}
	return m
}

func (m *markerStep) Run(ctx context.Context) error { return nil }
