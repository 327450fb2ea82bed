// Command xbps-dbulk parallel-builds a tree of package templates: it scans
// (or takes as arguments) a set of package names, determines which of them
// are stale relative to their cached dependency metadata and build logs,
// and dispatches an external build tool for each one that needs rebuilding,
// in dependency order and up to a configurable degree of parallelism.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	xbpsdbulk "github.com/duncaen/xbps-dbulk"
	"github.com/duncaen/xbps-dbulk/internal/bulk"
	"github.com/duncaen/xbps-dbulk/internal/env"
	"github.com/duncaen/xbps-dbulk/internal/trace"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/xerrors"
)

var (
	explain   = flag.Bool("d", false, "print per-decision explanations to stderr")
	distDir   = flag.String("D", env.DefaultDistDir, "distribution checkout root (contains srcpkgs/)")
	maxJobs   = flag.Int("j", 1, "maximum number of concurrent build jobs")
	dryRun    = flag.Bool("n", false, "dry run: simulate completion without spawning any build tool")
	tool      = flag.String("t", "", "path to the build tool binary (default: $DISTDIR/xbps-src)")
	maxFail   = flag.Int("x", 0, "stop starting new jobs after this many failures (0 = unlimited)")
	watch     = flag.Bool("watch", false, "after the initial run, keep watching srcpkgs/*/template for changes and re-run")
	traceFile = flag.String("trace", "", "write a chrome://tracing-format job timeline to this file")
	crossArch = flag.String("a", "", "cross-build for this target machine instead of the native one")
)

func nativeArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "386":
		return "i686"
	case "arm64":
		return "aarch64"
	case "arm":
		return "armv7l"
	case "ppc64le":
		return "ppc64le"
	default:
		return runtime.GOARCH
	}
}

func targetBuilder() (bulk.Builder, error) {
	host := nativeArch()
	if *crossArch == "" {
		return bulk.NativeBuilder(host), nil
	}
	if !xbpsdbulk.KnownArch(*crossArch) {
		return bulk.Builder{}, xerrors.Errorf("-a %s: unknown target machine", *crossArch)
	}
	if *crossArch == host {
		return bulk.NativeBuilder(host), nil
	}
	return bulk.CrossBuilder(*crossArch, host), nil
}

// logic runs the tool and reports the exit code to use (0 clean, 2 partial
// failure) alongside any fatal error (which always means exit code 1).
// It never calls os.Exit itself, so deferred cleanup (temp file handles,
// the interrupt-context cancel func) always runs first.
func logic() (exitCode int, err error) {
	flag.Parse()

	if *maxJobs < 1 {
		return 1, xerrors.New("-j must be >= 1")
	}
	toolPath := *tool
	if toolPath == "" {
		toolPath = filepath.Join(*distDir, "xbps-src")
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			return 1, xerrors.Errorf("enabling trace: %w", err)
		}
		trace.Sink(f)
		xbpsdbulk.RegisterAtExit(f.Close)
	}
	defer xbpsdbulk.RunAtExit()

	builder, err := targetBuilder()
	if err != nil {
		return 1, err
	}

	graph := bulk.NewGraph(*distDir, "", logger, *explain)

	for _, dir := range []string{
		filepath.Join(graph.StateDir, "deps"),
		filepath.Join(graph.StateDir, "logs"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return 1, xerrors.Errorf("creating state directory: %w", err)
		}
	}

	ctx, canc := xbpsdbulk.InterruptibleContext()
	defer canc()

	d, err := runOnce(ctx, graph, builder, toolPath)
	if err != nil {
		return 1, err
	}

	if *watch {
		if err := runWatch(ctx, graph, builder, toolPath); err != nil {
			return 1, err
		}
		return 0, nil
	}

	if d.NumFail > 0 {
		return 2, nil
	}
	return 0, nil
}

// runOnce enrolls the requested targets (or the full srcpkgs/ tree when
// none are given on the command line) and runs the dispatcher to
// completion once.
func runOnce(ctx context.Context, graph *bulk.Graph, builder bulk.Builder, toolPath string) (*bulk.Dispatcher, error) {
	if err := enrollTargets(graph, builder, flag.Args()); err != nil {
		return nil, err
	}

	d := &bulk.Dispatcher{
		Graph:   graph,
		MaxJobs: *maxJobs,
		MaxFail: *maxFail,
		DryRun:  *dryRun,
		Tool:    toolPath,
	}
	return d, d.Run(ctx)
}

// enrollTargets enrolls either the given package names or, if targets is
// empty, every package found by scanning srcpkgs/.
func enrollTargets(graph *bulk.Graph, builder bulk.Builder, targets []string) error {
	report := func(err error) error {
		if err == nil {
			return nil
		}
		if _, ok := err.(*bulk.CycleError); ok {
			graph.Log.Printf("%v", err)
			return nil
		}
		return err
	}

	if len(targets) == 0 {
		names, err := graph.Scan()
		if err != nil {
			return err
		}
		for _, name := range names {
			if _, err := graph.Enroll(name, builder); err != nil {
				if err := report(err); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, t := range targets {
		if _, err := graph.EnrollName(t, builder); err != nil {
			if err := report(err); err != nil {
				return err
			}
		}
	}
	return nil
}

// runWatch re-runs the scheduler whenever a package template changes,
// using fsnotify on srcpkgs/*/template. Each triggered run is independent:
// a fresh Graph is built so that stale in-memory state from a prior run
// never leaks into the next one.
func runWatch(ctx context.Context, graph *bulk.Graph, builder bulk.Builder, toolPath string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return xerrors.Errorf("runWatch: %w", err)
	}
	defer w.Close()

	dir := filepath.Join(graph.DistDir, "srcpkgs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return xerrors.Errorf("runWatch: %w", err)
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		if err := w.Add(filepath.Join(dir, ent.Name())); err != nil {
			graph.Log.Printf("watch: %v", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != "template" {
				continue
			}
			graph.Log.Printf("watch: %s changed, re-running", ev.Name)
			fresh := bulk.NewGraph(graph.DistDir, graph.StateDir, graph.Log, graph.Explain)
			if _, err := runOnce(ctx, fresh, builder, toolPath); err != nil {
				graph.Log.Printf("watch: run failed: %v", err)
			}
			graph = fresh
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			graph.Log.Printf("watch: %v", err)
		}
	}
}

func main() {
	code, err := logic()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}
