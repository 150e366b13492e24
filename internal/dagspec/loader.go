// Package dagspec loads and merges dependency-specification documents.
//
// A document is a YAML file with a schema header and a steps mapping:
//
//	schema_version: 1
//	file_type: dag
//	steps:
//	  data://energy/2024-06-20/consumption:
//	    - snapshot://energy/2024-06-20/raw
//
// Several documents (typically split by topic) merge into a single spec. A
// step may be defined in exactly one document. Wildcard dependency references
// (trailing "*") expand to every defined step matching the prefix at load
// time, never at schedule time.
package dagspec

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mkanda/loom/internal/stepname"
	loomyaml "github.com/mkanda/loom/internal/yaml"
)

// Spec is the merged, validated mapping from step name to its declared
// dependency names. Declaration order is preserved so downstream components
// can produce reproducible orderings.
type Spec struct {
	deps   map[string][]string
	order  []string
	source map[string]string // step name -> defining file
}

// Steps returns the defined step names in declaration order.
func (s *Spec) Steps() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Dependencies returns the declared dependency names of a step, in declared
// order, with wildcards already expanded.
func (s *Spec) Dependencies(step string) ([]string, bool) {
	d, ok := s.deps[step]
	return d, ok
}

// Defined reports whether the step has a definition in the merged spec.
func (s *Spec) Defined(step string) bool {
	_, ok := s.deps[step]
	return ok
}

// Source returns the document that defined the step.
func (s *Spec) Source(step string) string {
	return s.source[step]
}

// document mirrors the wire layout; the steps mapping is decoded manually
// from a yaml.Node to retain declaration order.
type document struct {
	SchemaVersion int         `yaml:"schema_version"`
	FileType      string      `yaml:"file_type"`
	Steps         yamlv3.Node `yaml:"steps"`
}

// Load reads, merges, and validates the given documents in order.
func Load(log *logrus.Logger, paths ...string) (*Spec, error) {
	if log == nil {
		log = logrus.New()
	}

	spec := &Spec{
		deps:   make(map[string][]string),
		source: make(map[string]string),
	}

	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, &ParseError{File: path, Err: err}
		}
		if err := loomyaml.ValidateSchemaHeader(content, loomyaml.FileTypeDAG); err != nil {
			return nil, &ParseError{File: path, Err: err}
		}

		var doc document
		if err := yamlv3.Unmarshal(content, &doc); err != nil {
			return nil, &ParseError{File: path, Err: err}
		}
		if err := mergeSteps(spec, path, &doc.Steps); err != nil {
			return nil, err
		}
	}

	if err := expandAndValidate(log, spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func mergeSteps(spec *Spec, path string, steps *yamlv3.Node) error {
	if steps.Kind == 0 || steps.Kind == yamlv3.ScalarNode && steps.Value == "" {
		// Document defines no steps; legal but suspicious enough to reject
		// the same way as a malformed mapping would be.
		return &ParseError{File: path, Err: fmt.Errorf("missing steps mapping")}
	}
	if steps.Kind != yamlv3.MappingNode {
		return &ParseError{File: path, Err: fmt.Errorf("steps must be a mapping (line %d)", steps.Line)}
	}

	for i := 0; i < len(steps.Content); i += 2 {
		keyNode, valNode := steps.Content[i], steps.Content[i+1]
		name := keyNode.Value

		if _, err := stepname.Parse(name); err != nil {
			return &ParseError{File: path, Err: fmt.Errorf("line %d: %w", keyNode.Line, err)}
		}
		if prior, dup := spec.source[name]; dup {
			return &DuplicateStepError{Step: name, FirstFile: prior, SecondFile: path}
		}

		var deps []string
		switch valNode.Kind {
		case yamlv3.SequenceNode:
			if err := valNode.Decode(&deps); err != nil {
				return &ParseError{File: path, Err: fmt.Errorf("line %d: %w", valNode.Line, err)}
			}
		case yamlv3.ScalarNode:
			if valNode.Tag != "!!null" {
				return &ParseError{File: path, Err: fmt.Errorf("line %d: dependencies of %q must be a list", valNode.Line, name)}
			}
		default:
			return &ParseError{File: path, Err: fmt.Errorf("line %d: dependencies of %q must be a list", valNode.Line, name)}
		}

		spec.deps[name] = deps
		spec.order = append(spec.order, name)
		spec.source[name] = path
	}
	return nil
}

// expandAndValidate replaces wildcard references with the matching defined
// steps and checks every remaining reference against the merged set.
//
// A wildcard matching zero steps is a warning, not an error: it usually
// means a typo, but an empty namespace is legal mid-migration. A concrete
// reference to an undefined, non-external step is always fatal.
func expandAndValidate(log *logrus.Logger, spec *Spec) error {
	for _, step := range spec.order {
		raw := spec.deps[step]
		expanded := make([]string, 0, len(raw))
		for _, ref := range raw {
			if !strings.HasSuffix(ref, "*") {
				if !spec.Defined(ref) {
					if !stepname.IsExternalRef(ref) {
						return &UnknownDependencyError{Step: step, Ref: ref}
					}
					if _, err := stepname.Parse(ref); err != nil {
						return &UnknownDependencyError{Step: step, Ref: ref}
					}
				}
				expanded = append(expanded, ref)
				continue
			}

			prefix := strings.TrimSuffix(ref, "*")
			matched := 0
			for _, candidate := range spec.order {
				if candidate != step && strings.HasPrefix(candidate, prefix) {
					expanded = append(expanded, candidate)
					matched++
				}
			}
			if matched == 0 {
				log.Warnf("wildcard dependency %q of step %q matched no steps", ref, step)
			}
		}
		spec.deps[step] = expanded
	}
	return nil
}
