package step

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mkanda/loom/internal/stepname"
)

// Factory constructs an unbound step of one variant. Dependencies are bound
// later, during graph construction.
type Factory func(env *Env, name stepname.Name) Step

// Registry maps a channel prefix to the factory for that variant. It is
// populated once at startup; lookups after that are read-only.
type Registry struct {
	factories map[stepname.Channel]Factory
}

// NewRegistry returns a registry with every built-in channel registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[stepname.Channel]Factory)}
	r.Register(stepname.ChannelData, NewTransform)
	r.Register(stepname.ChannelSnapshot, NewSnapshot)
	r.Register(stepname.ChannelGithub, NewExternal)
	r.Register(stepname.ChannelEtag, NewExternal)
	r.Register(stepname.ChannelMarker, NewMarker)
	return r
}

// Register installs or replaces the factory for a channel.
func (r *Registry) Register(ch stepname.Channel, f Factory) {
	r.factories[ch] = f
}

// New constructs the step for a parsed name.
func (r *Registry) New(env *Env, name stepname.Name) (Step, error) {
	f, ok := r.factories[name.Channel]
	if !ok {
		return nil, fmt.Errorf("no step factory registered for channel %q", name.Channel)
	}
	return f(env, name), nil
}

// Dest is the destination handle passed to a transform function: the
// directory the transform must write into, plus the output directories of
// its dependencies keyed by dependency name.
type Dest struct {
	Dir    string
	Inputs map[string]string
}

// TransformFunc is a user-supplied transformation procedure. It writes its
// artifact under dest.Dir and returns an error on failure.
type TransformFunc func(ctx context.Context, dest Dest) error

// TransformRegistry maps step names to their transform functions. It
// replaces convention-based dynamic discovery with explicit registration at
// startup.
type TransformRegistry struct {
	mu         sync.RWMutex
	transforms map[string]TransformFunc
}

func NewTransformRegistry() *TransformRegistry {
	return &TransformRegistry{transforms: make(map[string]TransformFunc)}
}

// Register installs the transform for a step name. Registering the same
// name twice is a programming error and panics at startup.
func (tr *TransformRegistry) Register(name string, fn TransformFunc) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, dup := tr.transforms[name]; dup {
		panic(fmt.Sprintf("transform %q registered twice", name))
	}
	tr.transforms[name] = fn
}

// Lookup returns the transform registered for a step name.
func (tr *TransformRegistry) Lookup(name string) (TransformFunc, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	fn, ok := tr.transforms[name]
	return fn, ok
}

// Names returns the registered step names, sorted.
func (tr *TransformRegistry) Names() []string {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	names := make([]string, 0, len(tr.transforms))
	for n := range tr.transforms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
