package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mkanda/loom/internal/dagspec"
	"github.com/mkanda/loom/internal/engine"
	"github.com/mkanda/loom/internal/graph"
	"github.com/mkanda/loom/internal/lock"
	"github.com/mkanda/loom/internal/report"
	"github.com/mkanda/loom/internal/step"
	"github.com/mkanda/loom/internal/watch"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:], false)
	case "watch":
		runRun(os.Args[2:], true)
	case "graph":
		runGraph(os.Args[2:])
	case "version":
		fmt.Printf("loom %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`loom - content-addressable data transformation pipeline

usage: loom <command> [options]

commands:
  run [patterns]    execute the steps matching the given patterns
  watch [patterns]  run, then re-run whenever specs or sources change
  graph [patterns]  print the selected subgraph's edges (optionally as DOT)
  version           print version
  help              show this help

run/watch options:
  --dag FILE         dependency-spec document (repeatable)
  --steps-dir DIR    transformation sources (default steps)
  --data-dir DIR     materialized outputs and ledger (default data)
  --snapshots-dir DIR raw snapshot files (default snapshots)
  --dry-run          plan and report without executing
  --force            re-execute matched targets even if clean
  --downstream       also select all transitive dependents
  --only             never select dependents (overrides --downstream)
  --exact-match      disable substring matching of patterns
  --workers N        max concurrent steps (default: CPU count)
  --report FILE      write the run report as YAML
  --log-level LEVEL  debug|info|warn|error (default info)`)
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

type commonFlags struct {
	dagFiles     multiFlag
	stepsDir     string
	dataDir      string
	snapshotsDir string
	logLevel     string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.Var(&c.dagFiles, "dag", "dependency-spec document (repeatable)")
	fs.StringVar(&c.stepsDir, "steps-dir", "steps", "transformation sources directory")
	fs.StringVar(&c.dataDir, "data-dir", "data", "materialized outputs directory")
	fs.StringVar(&c.snapshotsDir, "snapshots-dir", "snapshots", "raw snapshots directory")
	fs.StringVar(&c.logLevel, "log-level", "info", "debug|info|warn|error")
}

func (c *commonFlags) logger() *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func (c *commonFlags) dags() []string {
	if len(c.dagFiles) == 0 {
		return []string{"dag.yaml"}
	}
	return c.dagFiles
}

// buildGraph loads the spec documents and materializes the dependency graph
// with a fresh per-run environment.
func buildGraph(c *commonFlags, log *logrus.Logger) (*graph.Graph, *step.Env, error) {
	env := step.NewEnv(c.stepsDir, c.dataDir, c.snapshotsDir, log)
	spec, err := dagspec.Load(log, c.dags()...)
	if err != nil {
		return nil, nil, err
	}
	g, err := graph.Build(spec, step.NewRegistry(), env)
	if err != nil {
		return nil, nil, err
	}
	return g, env, nil
}

func runRun(args []string, watchMode bool) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	dryRun := fs.Bool("dry-run", false, "plan without executing")
	force := fs.Bool("force", false, "re-execute matched targets even if clean")
	downstream := fs.Bool("downstream", false, "also select transitive dependents")
	only := fs.Bool("only", false, "never select dependents")
	exactMatch := fs.Bool("exact-match", false, "disable substring matching")
	workers := fs.Int("workers", 0, "max concurrent steps (0 = CPU count)")
	reportFile := fs.String("report", "", "write the run report as YAML")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	log := common.logger()
	opts := engine.Options{
		Targets:    fs.Args(),
		Downstream: *downstream && !*only,
		ExactMatch: *exactMatch,
		Force:      *force,
		DryRun:     *dryRun,
		Workers:    *workers,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	doRun := func(ctx context.Context) (int, error) {
		g, env, err := buildGraph(&common, log)
		if err != nil {
			return 1, err
		}

		if !opts.DryRun {
			if err := os.MkdirAll(common.dataDir, 0o755); err != nil {
				return 1, fmt.Errorf("create data dir: %w", err)
			}
			runLock := lock.New(filepath.Join(common.dataDir, ".loom.lock"))
			if err := runLock.TryLock(); err != nil {
				return 1, err
			}
			defer func() { _ = runLock.Unlock() }()
		}

		rep, err := engine.New(g, env).Run(ctx, opts)
		if err != nil {
			return 1, err
		}
		report.Render(os.Stdout, rep)
		if *reportFile != "" {
			if err := rep.WriteFile(*reportFile); err != nil {
				return 1, err
			}
		}
		return rep.ExitCode(), nil
	}

	code, err := doRun(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(code)
	}

	if !watchMode {
		os.Exit(code)
	}

	paths := append([]string{}, common.dags()...)
	if _, err := os.Stat(common.stepsDir); err == nil {
		paths = append(paths, common.stepsDir)
	}
	if _, err := os.Stat(common.snapshotsDir); err == nil {
		paths = append(paths, common.snapshotsDir)
	}
	err = watch.Run(ctx, watch.Config{Paths: paths, Log: log}, func(ctx context.Context) error {
		_, err := doRun(ctx)
		return err
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runGraph(args []string) {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	downstream := fs.Bool("downstream", false, "also select transitive dependents")
	exactMatch := fs.Bool("exact-match", false, "disable substring matching")
	dot := fs.Bool("dot", false, "emit Graphviz DOT")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	log := common.logger()
	g, _, err := buildGraph(&common, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	sel, err := g.Select(fs.Args(), true, *downstream, *exactMatch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *dot {
		fmt.Println("digraph loom {")
		for _, edge := range g.Edges() {
			if sel.Steps[edge.From] && sel.Steps[edge.To] {
				fmt.Printf("  %q -> %q;\n", edge.To, edge.From)
			}
		}
		fmt.Println("}")
		return
	}
	for _, edge := range g.Edges() {
		if sel.Steps[edge.From] && sel.Steps[edge.To] {
			fmt.Printf("%s <- %s\n", edge.From, edge.To)
		}
	}
}
