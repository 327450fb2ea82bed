package bulk

import "strings"

// EnrollResult is the outcome of Enroll: whether the build was
// successfully considered, is part of a dependency cycle, or has no
// owning template at all.
type EnrollResult int

const (
	ResultOK EnrollResult = iota
	ResultCycle
	ResultMissing
)

// CycleError carries the trace of package names forming a dependency
// cycle, accumulated as the recursion unwinds: Names[0] is where the
// cycle was detected, and subsequent entries are appended on the way
// back out, reproducing the original tool's "A <- B <- C" diagnostic.
type CycleError struct {
	Names []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Names, " <- ")
}

// prepend appends name to the trace (called once per stack frame on the
// way out, so the first call supplies the frame where the cycle was
// detected and later calls extend it toward the root of the recursion).
func (e *CycleError) prepend(name string) *CycleError {
	e.Names = append(e.Names, name)
	return e
}

// Enroll ensures the source for name is fully considered under builder:
// it probes freshness, loads dependency metadata when fresh, recurses
// into dependencies, computes dirtiness and block counts, and — if ready
// — pushes the Build onto the ready queue. See §4.3.
func (g *Graph) Enroll(name *PackageName, builder Builder) (EnrollResult, error) {
	// 1. Probe the name if not yet known.
	if name.Mtime == MTimeUnknown {
		if err := g.statPackage(name); err != nil {
			return ResultMissing, err
		}
	}

	// 2. No owning source: synthesize a minimal SourcePkg owned by name
	// itself, mark it SKIP|DIRTY, and report missing. (The original C
	// tool dereferences a null srcpkg pointer here; see the design note
	// on this open question — we synthesize instead of crashing.)
	if name.Owner == nil {
		g.explainf("%s: skipping, no template to build package", name.Name)
		src := g.mkSourcePkg(name)
		b := src.buildFor(builder)
		b.set(FlagSkip | FlagDirty)
		return g.finishEnroll(b, ResultMissing, nil)
	}

	src := name.Owner

	// 3. Locate or create the Build for (src, builder).
	b := src.buildFor(builder)

	// 4. Cycle detection: CYCLE set on entry means this build is already
	// on the recursion stack.
	if b.Flags.Has(FlagCycle) {
		b.set(FlagSkip | FlagDirty)
		return g.finishEnroll(b, ResultCycle, (&CycleError{}).prepend(name.Name))
	}

	// 5. Already enrolled this run: no-op, its DIRTY status (if any) is
	// already reflected in any parent's nblock.
	if b.Flags.Has(FlagWork) {
		return ResultOK, nil
	}

	// 6. Mark as on-stack and enrolled; clear any stale DIRTY.
	b.set(FlagCycle | FlagWork)
	b.clear(FlagDirty)

	if b.DepMtime == MTimeUnknown {
		if err := g.statDeps(b); err != nil {
			return ResultMissing, err
		}
	}

	// 8. Dep-file freshness.
	if b.DepMtime < name.Mtime {
		if b.DepErrMtime < name.Mtime {
			g.explainf("%s: dependency file %s", name.Name, depFreshnessReason(b))
			b.set(FlagDirty)
			b.NBlock = 0
			return g.finishEnroll(b, ResultOK, nil)
		}
		b.set(FlagSkip | FlagDirty)
		g.explainf("%s: skipping, template unchanged since previous dep-extraction error", name.Name)
		return g.finishEnroll(b, ResultOK, nil)
	}

	// 9. Dep cache is fresh.
	if b.DepMtime > MTimeMissing {
		if err := g.loadDeps(src, b); err != nil {
			return ResultMissing, err
		}
	}

	if !b.Flags.Has(FlagDeps) {
		return g.finishEnroll(b, ResultOK, nil)
	}

	// 10. Log freshness.
	if err := g.statLog(b); err != nil {
		return ResultMissing, err
	}
	if b.LogMtime == MTimeMissing {
		switch {
		case b.LogErrMtime == MTimeMissing:
			g.explainf("%s: missing", name.Name)
			b.set(FlagDirty)
		case b.LogErrMtime < name.Mtime:
			g.explainf("%s: reattempt, template changed since previous error", name.Name)
			b.set(FlagDirty)
		default:
			b.set(FlagSkip | FlagDirty)
			g.explainf("%s: skipping, template unchanged since previous error", name.Name)
			return g.finishEnroll(b, ResultOK, nil)
		}
	}

	// Recurse: host deps under the host builder, then target deps under
	// this builder, in declared order.
	hostBuilder := builder.HostBuilder()
	for _, dep := range b.HostDeps {
		res, err := g.Enroll(dep, hostBuilder)
		if res == ResultCycle {
			b.set(FlagSkip | FlagDirty)
			if ce, ok := err.(*CycleError); ok {
				return g.finishEnroll(b, ResultCycle, ce.prepend(name.Name))
			}
			return g.finishEnroll(b, ResultCycle, err)
		}
		if dep.Dirty {
			b.NBlock++
		}
	}
	for _, dep := range b.TargetDeps {
		res, err := g.Enroll(dep, builder)
		if res == ResultCycle {
			b.set(FlagSkip | FlagDirty)
			if ce, ok := err.(*CycleError); ok {
				return g.finishEnroll(b, ResultCycle, ce.prepend(name.Name))
			}
			return g.finishEnroll(b, ResultCycle, err)
		}
		if dep.Dirty {
			b.NBlock++
		}
	}

	return g.finishEnroll(b, ResultOK, nil)
}

func depFreshnessReason(b *Build) string {
	if b.DepMtime == MTimeMissing {
		return "missing"
	}
	return "older than template"
}

// finishEnroll implements steps 11-13: clear CYCLE, propagate DIRTY to the
// owning name and its subpackages, enqueue if ready, and return.
func (g *Graph) finishEnroll(b *Build, result EnrollResult, err error) (EnrollResult, error) {
	if b.Flags.Has(FlagDirty) {
		g.markDirty(b)
		if !b.Flags.Has(FlagSkip) {
			if b.NBlock == 0 {
				g.queue(b)
			}
			g.NumTotal++
		}
	}
	b.clear(FlagCycle)
	return result, err
}

// markDirty marks the owning PackageName and every subpackage of b as
// dirty, which is how dependents that list a subpackage (not the owning
// source) as their dependency get their NBlock decrement via the
// reverse-edge walk in pkgDone.
func (g *Graph) markDirty(b *Build) {
	b.Source.Owner.Dirty = true
	for _, sub := range b.Subpkgs {
		sub.Dirty = true
	}
}
