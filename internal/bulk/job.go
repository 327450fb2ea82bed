package bulk

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/xerrors"
)

// terminateOnCancel replaces exec.CommandContext's default SIGKILL-on-
// cancel behavior with SIGTERM, giving the external tool a chance to
// clean up its own subprocess tree before the run exits.
func terminateOnCancel(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
}

// jobKind distinguishes the two subprocess shapes the dispatcher can
// launch for a Build: dependency extraction (when dep metadata is stale
// or missing) and package build (once FlagDeps is set).
type jobKind int

const (
	kindGenDep jobKind = iota
	kindBuild
)

// job is one in-flight (or about-to-start) subprocess slot.
type job struct {
	kind    jobKind
	build   *Build
	cmd     *exec.Cmd
	outTemp *os.File // destination for captured stdout/stderr before rename
	errTemp *os.File // build jobs combine both streams into outTemp; genDep jobs use both
}

// kindFor selects dep-extraction when dependency metadata has not been
// loaded yet, else build, per §4.4.
func kindFor(b *Build) jobKind {
	if b.Flags.Has(FlagDeps) {
		return kindBuild
	}
	return kindGenDep
}

// startGenDep spawns the external tool in dep-extraction mode:
// [tool, ("-a arch" if cross)..., "dbulk-dump", name], stdout captured to
// deps/.../<name>.dep.tmp, stderr to deps/.../<name>.err.tmp.
func (d *Dispatcher) startGenDep(ctx context.Context, b *Build) (*job, error) {
	name := b.Source.Owner.Name
	dir := d.Graph.depDir(b.Builder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("startGenDep: %w", err)
	}

	outPath := filepath.Join(dir, name+".dep.tmp")
	errPath := filepath.Join(dir, name+".err.tmp")

	outTemp, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, xerrors.Errorf("startGenDep: %w", err)
	}
	errTemp, err := os.OpenFile(errPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		outTemp.Close()
		return nil, xerrors.Errorf("startGenDep: %w", err)
	}

	args := d.toolArgs(b.Builder)
	args = append(args, "dbulk-dump", name)
	cmd := exec.CommandContext(ctx, d.Tool, args...)
	cmd.Dir = d.Graph.DistDir
	cmd.Stdout = outTemp
	cmd.Stderr = errTemp
	if stdin, err := os.Open(os.DevNull); err == nil {
		cmd.Stdin = stdin
	}
	terminateOnCancel(cmd)

	if err := cmd.Start(); err != nil {
		outTemp.Close()
		errTemp.Close()
		return nil, xerrors.Errorf("spawn %v: %w", cmd.Args, err)
	}

	return &job{kind: kindGenDep, build: b, cmd: cmd, outTemp: outTemp, errTemp: errTemp}, nil
}

// startBuild spawns the external tool in build mode:
// [tool, ("-a arch" if cross)..., "-1Et", "-j", "4", "pkg", name], both
// stdout and stderr captured to logs/.../<name>-<ver>_<rev>.tmp.
func (d *Dispatcher) startBuild(ctx context.Context, b *Build) (*job, error) {
	src := b.Source
	name := src.Owner.Name
	dir := d.Graph.logDir(b.Builder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("startBuild: %w", err)
	}

	outPath := filepath.Join(dir, name+"-"+src.Version+"_"+src.Revision+".tmp")
	outTemp, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, xerrors.Errorf("startBuild: %w", err)
	}

	args := d.toolArgs(b.Builder)
	args = append(args, "-1Et", "-j", "4", "pkg", name)
	cmd := exec.CommandContext(ctx, d.Tool, args...)
	cmd.Dir = d.Graph.DistDir
	cmd.Stdout = outTemp
	cmd.Stderr = outTemp
	if stdin, err := os.Open(os.DevNull); err == nil {
		cmd.Stdin = stdin
	}
	terminateOnCancel(cmd)

	if err := cmd.Start(); err != nil {
		outTemp.Close()
		return nil, xerrors.Errorf("spawn %v: %w", cmd.Args, err)
	}

	return &job{kind: kindBuild, build: b, cmd: cmd, outTemp: outTemp}, nil
}

// toolArgs prepends the "-a <arch>" cross-compilation flag when builder
// is a cross builder.
func (d *Dispatcher) toolArgs(builder Builder) []string {
	if builder.IsCross() {
		return []string{"-a", builder.Arch}
	}
	return nil
}

// genDepDone is the completion handler for a dep-extraction job: on
// success, promote the .dep.tmp file and discard the stale .err.tmp, set
// FlagDeps-ready state, and re-enroll the same source on the same
// builder (the only place a node is enrolled twice in a run). On
// failure, promote .err.tmp and discard the .dep.tmp candidate.
func (d *Dispatcher) genDepDone(b *Build, failed bool) error {
	name := b.Source.Owner.Name
	dir := d.Graph.depDir(b.Builder)
	depTmp := filepath.Join(dir, name+".dep.tmp")
	errTmp := filepath.Join(dir, name+".err.tmp")

	if failed {
		os.Remove(depTmp)
		if err := os.Rename(errTmp, d.Graph.depErrPath(b.Builder, name)); err != nil {
			return xerrors.Errorf("genDepDone: %w", err)
		}
		return nil
	}

	os.Remove(errTmp)
	if err := os.Rename(depTmp, d.Graph.depPath(b.Builder, name)); err != nil {
		return xerrors.Errorf("genDepDone: %w", err)
	}

	b.clear(FlagWork)
	if err := d.Graph.statDeps(b); err != nil {
		return err
	}
	if _, err := d.Graph.Enroll(b.Source.Owner, b.Builder); err != nil {
		if _, ok := err.(*CycleError); !ok {
			return err
		}
	}
	return nil
}

// buildDone is the completion handler for a build job: on success,
// promote the .tmp log, clear the owning name's DIRTY flag, and signal
// pkgDone for the owning package and every subpackage. On failure,
// promote the .tmp file to .err instead.
func (d *Dispatcher) buildDone(b *Build, failed bool) ([]*Build, error) {
	src := b.Source
	name := src.Owner.Name
	dir := d.Graph.logDir(b.Builder)
	tmp := filepath.Join(dir, name+"-"+src.Version+"_"+src.Revision+".tmp")

	if failed {
		if err := os.Rename(tmp, d.Graph.logErrPath(b.Builder, name, src.Version, src.Revision)); err != nil {
			return nil, xerrors.Errorf("buildDone: %w", err)
		}
		return nil, nil
	}

	if err := os.Rename(tmp, d.Graph.logPath(b.Builder, name, src.Version, src.Revision)); err != nil {
		return nil, xerrors.Errorf("buildDone: %w", err)
	}

	src.Owner.Dirty = false
	var ready []*Build
	ready = append(ready, d.pkgDone(src.Owner)...)
	for _, sub := range b.Subpkgs {
		sub.Dirty = false
		ready = append(ready, d.pkgDone(sub)...)
	}
	return ready, nil
}

// pkgDone iterates the reverse use-edges of name: name.Use holds the
// exact Builds that registered name as a dependency (one entry per
// Builder a source was enrolled under, each added at most once by that
// Build's own loadDeps), so each is decremented exactly once here
// regardless of how many Builders the same source was enrolled under in
// this run. A Build reaching zero becomes ready to dispatch.
func (d *Dispatcher) pkgDone(name *PackageName) []*Build {
	var ready []*Build
	for _, b := range name.Use {
		if !b.Flags.Has(FlagWork) {
			continue
		}
		b.NBlock--
		if b.NBlock == 0 {
			ready = append(ready, b)
		}
	}
	return ready
}
