// Package report holds the structured outcome of a run, fully computed
// before any human-facing formatting happens.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/mkanda/loom/internal/yaml"
)

// Decision is the per-step plan tag, fixed before execution starts.
type Decision string

const (
	DecisionSkipClean     Decision = "skip-clean"
	DecisionExecuteDirty  Decision = "execute-dirty"
	DecisionExecuteForced Decision = "execute-forced"
)

// Status is the terminal state a step reached.
type Status string

const (
	StatusSkippedClean Status = "skipped-clean"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	// StatusBlocked marks a step that never ran because a transitive
	// dependency failed.
	StatusBlocked Status = "blocked"
	// StatusPlanned marks a step a dry run would have executed.
	StatusPlanned Status = "planned"
)

// Record is the outcome of one step in the plan.
type Record struct {
	Name     string        `yaml:"name"`
	Decision Decision      `yaml:"decision"`
	Status   Status        `yaml:"status"`
	Duration time.Duration `yaml:"duration"`
	Error    string        `yaml:"error,omitempty"`
}

// Report summarizes a whole run, in plan (topological) order.
type Report struct {
	RunID  string `yaml:"run_id"`
	DryRun bool   `yaml:"dry_run"`
	// Interrupted is set when the run was cancelled before every step
	// reached a natural terminal state.
	Interrupted bool      `yaml:"interrupted,omitempty"`
	StartedAt   time.Time `yaml:"started_at"`
	FinishedAt  time.Time `yaml:"finished_at"`
	Records     []Record  `yaml:"steps"`
}

// Failed returns the records of steps that failed, in plan order.
func (r *Report) Failed() []Record {
	var out []Record
	for _, rec := range r.Records {
		if rec.Status == StatusFailed {
			out = append(out, rec)
		}
	}
	return out
}

// ExitCode is 0 iff the plan contains no failed step and the run was not
// interrupted. An interrupted run exits non-zero even when every finished
// step succeeded, since part of the plan never ran.
func (r *Report) ExitCode() int {
	if r.Interrupted || len(r.Failed()) > 0 {
		return 1
	}
	return 0
}

// Counts tallies records by status.
func (r *Report) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, rec := range r.Records {
		counts[rec.Status]++
	}
	return counts
}

// Render writes the human-readable summary. Full error detail is always
// included for failed steps; diagnosability outranks brevity here.
func Render(w io.Writer, r *Report) {
	verb := "run"
	if r.DryRun {
		verb = "dry-run"
	}
	suffix := ""
	if r.Interrupted {
		suffix = " [interrupted]"
	}
	fmt.Fprintf(w, "%s %s (%d steps, %s)%s\n", verb, r.RunID, len(r.Records), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), suffix)

	for _, rec := range r.Records {
		switch rec.Status {
		case StatusSkippedClean:
			fmt.Fprintf(w, "  SKIP  %s\n", rec.Name)
		case StatusPlanned:
			fmt.Fprintf(w, "  PLAN  %s (%s)\n", rec.Name, rec.Decision)
		case StatusSucceeded:
			fmt.Fprintf(w, "  OK    %s (%s, %s)\n", rec.Name, rec.Decision, rec.Duration.Round(time.Millisecond))
		case StatusBlocked:
			fmt.Fprintf(w, "  BLOCK %s (upstream failure)\n", rec.Name)
		case StatusFailed:
			fmt.Fprintf(w, "  FAIL  %s (%s)\n", rec.Name, rec.Duration.Round(time.Millisecond))
		}
	}

	counts := r.Counts()
	fmt.Fprintf(w, "done: %d executed, %d skipped, %d failed, %d blocked\n",
		counts[StatusSucceeded], counts[StatusSkippedClean], counts[StatusFailed], counts[StatusBlocked])

	for _, rec := range r.Failed() {
		fmt.Fprintf(w, "\nstep %s failed:\n%s\n", rec.Name, rec.Error)
	}
}

// WriteFile exports the report as YAML for downstream tooling.
func (r *Report) WriteFile(path string) error {
	return yaml.AtomicWrite(path, r)
}
