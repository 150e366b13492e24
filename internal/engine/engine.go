// Package engine schedules and executes the selected subgraph: it decides
// per step whether to execute or skip, dispatches dirty steps across a
// bounded worker pool in dependency order, records fresh checksums in the
// ledger, and aggregates outcomes into a run report.
package engine

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mkanda/loom/internal/graph"
	"github.com/mkanda/loom/internal/report"
	"github.com/mkanda/loom/internal/step"
)

// Options control one invocation.
type Options struct {
	// Targets are step name patterns; empty means the whole graph.
	Targets []string
	// Downstream additionally selects all transitive dependents of the
	// matched targets. Transitive dependencies are always selected.
	Downstream bool
	// ExactMatch disables substring matching of target patterns.
	ExactMatch bool
	// Force marks explicitly matched targets dirty regardless of checksums.
	Force bool
	// DryRun plans and reports without executing or touching the ledger.
	DryRun bool
	// Workers bounds concurrent step execution; 0 means NumCPU.
	Workers int
}

// state is the per-step scheduling state machine:
// pending -> {skipped | queued} -> running -> {succeeded | failed};
// pending -> blocked when any transitive dependency fails.
type state int

const (
	statePending state = iota
	stateQueued
	stateRunning
	stateSkipped
	stateSucceeded
	stateFailed
	stateBlocked
)

func (s state) terminal() bool {
	switch s {
	case stateSkipped, stateSucceeded, stateFailed, stateBlocked:
		return true
	default:
		return false
	}
}

func (s state) satisfiesDependents() bool {
	return s == stateSkipped || s == stateSucceeded
}

// planStep is one entry of the run plan.
type planStep struct {
	name     string
	step     step.Step
	decision report.Decision
	// planErr records a checksum failure discovered while planning (e.g. a
	// missing input file). The step is reported failed without invoking Run.
	planErr error
}

// Plan is the ordered, decision-tagged subset of the graph for one
// invocation. Never persisted.
type Plan struct {
	steps []planStep
}

// Decisions returns the plan's (name, decision) pairs in execution order.
func (p *Plan) Decisions() map[string]report.Decision {
	out := make(map[string]report.Decision, len(p.steps))
	for _, ps := range p.steps {
		out[ps.name] = ps.decision
	}
	return out
}

// Engine walks a built graph. Graph decisions (dirty checks, ledger reads)
// happen on the planning goroutine only; concurrency is confined to step
// Run bodies.
type Engine struct {
	graph *graph.Graph
	env   *step.Env
	log   *logrus.Logger
}

func New(g *graph.Graph, env *step.Env) *Engine {
	return &Engine{graph: g, env: env, log: env.Log}
}

// Plan computes the run plan: the topologically ordered selection, each step
// tagged skip-clean, execute-dirty, or execute-forced. Dry runs and real
// runs share this exact code path, so dry-run predictions are reliable.
func (e *Engine) Plan(ctx context.Context, sel *graph.Selection, force bool) (*Plan, error) {
	order := e.graph.TopologicalOrder(sel.Steps)
	plan := &Plan{steps: make([]planStep, 0, len(order))}

	for _, name := range order {
		s, ok := e.graph.Step(name)
		if !ok {
			return nil, fmt.Errorf("plan references unknown step %q", name)
		}

		ps := planStep{name: name, step: s}
		switch {
		case force && sel.Targets[name]:
			ps.decision = report.DecisionExecuteForced
		default:
			dirty, err := step.IsDirty(ctx, s, e.env.Ledger)
			if err != nil {
				// A step whose checksum cannot be computed is dirty by
				// definition; the error surfaces when its turn comes,
				// without aborting independent branches.
				ps.decision = report.DecisionExecuteDirty
				ps.planErr = err
			} else if dirty {
				ps.decision = report.DecisionExecuteDirty
			} else {
				ps.decision = report.DecisionSkipClean
			}
		}
		e.log.Debugf("plan %s: %s", name, ps.decision)
		plan.steps = append(plan.steps, ps)
	}
	return plan, nil
}

// Run selects, plans, and executes. The returned report is complete even
// when steps failed; err is reserved for structural problems (bad patterns,
// cancelled planning), not per-step failures.
func (e *Engine) Run(ctx context.Context, opts Options) (*report.Report, error) {
	sel, err := e.graph.Select(opts.Targets, true, opts.Downstream, opts.ExactMatch)
	if err != nil {
		return nil, err
	}

	plan, err := e.Plan(ctx, sel, opts.Force)
	if err != nil {
		return nil, err
	}

	rep := &report.Report{
		RunID:     uuid.NewString(),
		DryRun:    opts.DryRun,
		StartedAt: time.Now(),
	}

	if opts.DryRun {
		rep.Records = e.predict(plan)
		rep.FinishedAt = time.Now()
		return rep, nil
	}

	outcomes, interrupted, err := e.execute(ctx, plan, opts.Workers)
	if err != nil {
		return nil, err
	}
	rep.Interrupted = interrupted
	for _, ps := range plan.steps {
		rep.Records = append(rep.Records, outcomes[ps.name])
	}
	rep.FinishedAt = time.Now()
	return rep, nil
}

// predict turns a plan into the records a real run would produce, without
// side effects. Steps whose checksum already failed during planning are
// reported failed, and their dependents blocked, exactly as execution would.
func (e *Engine) predict(plan *Plan) []report.Record {
	// unrunnable maps a step to the root plan failure that prevents it.
	unrunnable := make(map[string]string)
	records := make([]report.Record, 0, len(plan.steps))

	for _, ps := range plan.steps {
		rec := report.Record{Name: ps.name, Decision: ps.decision}

		cause := ""
		for _, dep := range e.graph.Dependencies(ps.name) {
			if c, ok := unrunnable[dep]; ok {
				cause = c
				break
			}
		}

		switch {
		case cause != "":
			rec.Status = report.StatusBlocked
			rec.Error = fmt.Sprintf("not run: upstream step %s failed", cause)
			unrunnable[ps.name] = cause
		case ps.planErr != nil:
			rec.Status = report.StatusFailed
			rec.Error = ps.planErr.Error()
			unrunnable[ps.name] = ps.name
		case ps.decision == report.DecisionSkipClean:
			rec.Status = report.StatusSkippedClean
		default:
			rec.Status = report.StatusPlanned
		}
		records = append(records, rec)
	}
	return records
}

type workResult struct {
	name     string
	duration time.Duration
	err      error
}

// execute walks the plan with a ready-queue: a step is dispatched only once
// every dependency has reached a terminal state. Dirty steps run on the
// worker pool; clean steps are skipped without touching the ledger; a
// failure blocks all transitive dependents while independent branches
// continue. The second return reports whether the run was interrupted.
func (e *Engine) execute(ctx context.Context, plan *Plan, workers int) (map[string]report.Record, bool, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	byName := make(map[string]planStep, len(plan.steps))
	inPlan := make(map[string]bool, len(plan.steps))
	for _, ps := range plan.steps {
		byName[ps.name] = ps
		inPlan[ps.name] = true
	}

	states := make(map[string]state, len(plan.steps))
	pendingDeps := make(map[string]int, len(plan.steps))
	for _, ps := range plan.steps {
		states[ps.name] = statePending
		n := 0
		for _, dep := range e.graph.Dependencies(ps.name) {
			if inPlan[dep] {
				n++
			}
		}
		pendingDeps[ps.name] = n
	}

	outcomes := make(map[string]report.Record, len(plan.steps))
	record := func(ps planStep, status report.Status, d time.Duration, err error) {
		rec := report.Record{Name: ps.name, Decision: ps.decision, Status: status, Duration: d}
		if err != nil {
			rec.Error = err.Error()
		}
		outcomes[ps.name] = rec
	}

	workCh := make(chan planStep)
	doneCh := make(chan workResult)

	wg, wctx := errgroup.WithContext(context.Background())
	for i := 0; i < workers; i++ {
		wg.Go(func() error {
			for ps := range workCh {
				start := time.Now()
				err := ps.step.Run(ctx)
				select {
				case doneCh <- workResult{name: ps.name, duration: time.Since(start), err: err}:
				case <-wctx.Done():
					return wctx.Err()
				}
			}
			return nil
		})
	}

	inFlight := 0
	remaining := len(plan.steps)
	cancelled := false

	// blockDependents marks every transitive dependent of name blocked.
	var blockDependents func(name string, cause string)
	blockDependents = func(name, cause string) {
		for _, dep := range e.graph.Dependents(name) {
			if !inPlan[dep] || states[dep].terminal() {
				continue
			}
			states[dep] = stateBlocked
			remaining--
			record(byName[dep], report.StatusBlocked, 0,
				fmt.Errorf("not run: upstream step %s failed", cause))
			blockDependents(dep, cause)
		}
	}

	finish := func(ps planStep, st state) {
		states[ps.name] = st
		remaining--
		if st.satisfiesDependents() {
			for _, dep := range e.graph.Dependents(ps.name) {
				if inPlan[dep] {
					pendingDeps[dep]--
				}
			}
		}
	}

	for remaining > 0 {
		// Dispatch every eligible step. Skips and pre-known failures settle
		// inline; dirty steps go to the pool.
		progressed := true
		for progressed {
			progressed = false
			for _, ps := range plan.steps {
				if states[ps.name] != statePending {
					continue
				}
				if cancelled {
					finish(ps, stateBlocked)
					record(ps, report.StatusBlocked, 0, context.Canceled)
					progressed = true
					continue
				}
				if pendingDeps[ps.name] > 0 {
					continue
				}
				switch {
				case ps.decision == report.DecisionSkipClean:
					finish(ps, stateSkipped)
					record(ps, report.StatusSkippedClean, 0, nil)
					e.log.Debugf("skip %s (clean)", ps.name)
					progressed = true
				case ps.planErr != nil:
					finish(ps, stateFailed)
					record(ps, report.StatusFailed, 0, ps.planErr)
					blockDependents(ps.name, ps.name)
					e.log.Errorf("step %s failed: %v", ps.name, ps.planErr)
					progressed = true
				default:
					states[ps.name] = stateQueued
				}
			}

			for _, ps := range plan.steps {
				if states[ps.name] != stateQueued {
					continue
				}
				if cancelled {
					finish(ps, stateBlocked)
					record(ps, report.StatusBlocked, 0, context.Canceled)
					progressed = true
					continue
				}
				if inFlight >= workers {
					continue
				}
				states[ps.name] = stateRunning
				inFlight++
				e.log.Infof("run %s (%s)", ps.name, ps.decision)
				workCh <- ps
			}
		}

		if inFlight == 0 {
			if remaining > 0 {
				// Every unfinished step is waiting on something that can no
				// longer happen; with blocking handled eagerly this is a bug.
				close(workCh)
				_ = wg.Wait()
				return nil, cancelled, fmt.Errorf("scheduler stalled with %d unfinished steps", remaining)
			}
			break
		}

		var res workResult
		if cancelled {
			// Already cancelled: just drain in-flight completions.
			res = <-doneCh
		} else {
			select {
			case <-ctx.Done():
				// Stop dispatching; in-flight steps are allowed to finish so
				// they never leave partial output behind.
				cancelled = true
				e.log.Warnf("cancellation requested, waiting for %d in-flight steps", inFlight)
				continue
			case res = <-doneCh:
			}
		}

		inFlight--
		ps := byName[res.name]
		if res.err != nil {
			finish(ps, stateFailed)
			record(ps, report.StatusFailed, res.duration, res.err)
			blockDependents(ps.name, ps.name)
			e.log.Errorf("step %s failed: %v", ps.name, res.err)
			continue
		}

		digest, err := ps.step.Checksum(ctx)
		if err == nil {
			err = e.env.Ledger.Record(ps.step.Name(), digest)
		}
		if err != nil {
			finish(ps, stateFailed)
			record(ps, report.StatusFailed, res.duration, err)
			blockDependents(ps.name, ps.name)
			e.log.Errorf("step %s failed: %v", ps.name, err)
			continue
		}
		finish(ps, stateSucceeded)
		record(ps, report.StatusSucceeded, res.duration, nil)
		e.log.Infof("done %s (%s)", ps.name, res.duration.Round(time.Millisecond))
	}

	close(workCh)
	if err := wg.Wait(); err != nil {
		return nil, cancelled, err
	}
	return outcomes, cancelled, nil
}
