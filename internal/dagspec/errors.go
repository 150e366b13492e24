package dagspec

import "fmt"

// ParseError reports a malformed dependency-spec document. Fatal before any
// execution.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DuplicateStepError reports a step defined in two documents.
type DuplicateStepError struct {
	Step       string
	FirstFile  string
	SecondFile string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("step %q defined twice: in %s and %s", e.Step, e.FirstFile, e.SecondFile)
}

// UnknownDependencyError reports a dependency reference that is neither a
// defined step nor an external-reference scheme.
type UnknownDependencyError struct {
	Step string
	Ref  string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unknown step %q", e.Step, e.Ref)
}
