// Package bulk implements the dependency graph engine and parallel build
// scheduler for a source-based package distribution: given a directory of
// package templates, it determines which packages require (re)building,
// orders them by dependency, and runs up to N concurrent invocations of an
// external build tool.
package bulk

import "strings"

// MTime represents a file modification time, with two sentinel values for
// "not yet probed" and "does not exist" distinct from any real mtime.
type MTime int64

const (
	// MTimeUnknown means the mtime has not been probed yet.
	MTimeUnknown MTime = -1
	// MTimeMissing means the file does not exist.
	MTimeMissing MTime = -2
)

// Flags is the per-Build state bitmask of §3 of the design: WORK, CYCLE,
// DEPS, DIRTY, SKIP.
type Flags uint8

const (
	FlagWork Flags = 1 << iota
	FlagCycle
	FlagDeps
	FlagDirty
	FlagSkip
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

func (f Flags) String() string {
	var names []string
	for bit, name := range map[Flags]string{
		FlagWork:  "WORK",
		FlagCycle: "CYCLE",
		FlagDeps:  "DEPS",
		FlagDirty: "DIRTY",
		FlagSkip:  "SKIP",
	} {
		if f.Has(bit) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}

// Builder identifies a target architecture, optionally paired with a host
// architecture for cross builds. The zero value is not a valid Builder;
// use NativeBuilder or CrossBuilder to construct one.
type Builder struct {
	Arch string
	Host string // empty for native (non-cross) builds
}

// NativeBuilder returns a Builder that builds natively for arch.
func NativeBuilder(arch string) Builder { return Builder{Arch: arch} }

// CrossBuilder returns a Builder that cross-builds for target using host as
// the toolchain architecture.
func CrossBuilder(target, host string) Builder { return Builder{Arch: target, Host: host} }

// IsCross reports whether b cross-compiles using a separate host toolchain.
func (b Builder) IsCross() bool { return b.Host != "" }

// HostBuilder returns the Builder that host-make dependencies of b must be
// enrolled under: b's host architecture if b is a cross builder, else b
// itself (native host-make deps build for the same arch they run on).
func (b Builder) HostBuilder() Builder {
	if b.Host != "" {
		return Builder{Arch: b.Host}
	}
	return b
}

// String renders the path-qualifying form <arch> or <arch>@<host>, used to
// namespace deps/ and logs/ directories per builder.
func (b Builder) String() string {
	if b.Host != "" {
		return b.Arch + "@" + b.Host
	}
	return b.Arch
}

// PackageName is a unique, named entry under srcpkgs/. It may own a
// SourcePkg (it is a directory with a template), or be an alias/derivative
// pointing at another PackageName's SourcePkg, or be entirely absent.
type PackageName struct {
	Name string

	// Mtime is MTimeUnknown until statPackage probes it, then either a
	// real mtime or MTimeMissing.
	Mtime MTime

	// Owner is the SourcePkg this name resolves to, once known. nil until
	// probed, and still nil after probing if the name has no template at
	// all, until Enroll synthesizes a placeholder SourcePkg for it.
	Owner *SourcePkg

	// Dirty means this name will be (re)built in the current run.
	Dirty bool

	// Use lists the Builds that declare this name as one of their
	// dependencies — the reverse edge walked by pkgDone to unblock
	// dependents. Each Build registers itself here at most once, when its
	// own loadDeps runs (guarded by that Build's FlagDeps), so a source
	// enrolled under more than one Builder contributes one entry per
	// Builder rather than one shared entry double-counted by both.
	Use []*Build
}

// SourcePkg is the unit of template: the entity built by one invocation of
// the external build tool, possibly producing several binary subpackages.
type SourcePkg struct {
	Owner *PackageName

	Version  string
	Revision string

	// Builds holds one Build per Builder this source has been enrolled
	// under (usually just one; in a cross run a source needed both as a
	// target dependency and as a host dependency gets a second Build under
	// the host builder).
	Builds map[Builder]*Build
}

// buildFor returns (creating if necessary) the Build for this source under
// builder.
func (s *SourcePkg) buildFor(builder Builder) *Build {
	if s.Builds == nil {
		s.Builds = make(map[Builder]*Build)
	}
	b, ok := s.Builds[builder]
	if !ok {
		b = &Build{
			Source:      s,
			Builder:     builder,
			DepMtime:    MTimeUnknown,
			DepErrMtime: MTimeUnknown,
			LogMtime:    MTimeUnknown,
			LogErrMtime: MTimeUnknown,
		}
		s.Builds[builder] = b
	}
	return b
}

// Build is a SourcePkg under a particular Builder: the cached mtimes, the
// flag set, the outstanding-prerequisite count that gate readiness, and
// this Builder's own view of the source's dependency lists (loaded once
// per Build by loadDeps, so a source enrolled under several Builders
// — e.g. once as a TargetDep of one build and once as a HostDep of
// another, per Builder.HostBuilder — gets one independent copy per
// Builder instead of a shared, doubly-populated list).
type Build struct {
	Source  *SourcePkg
	Builder Builder

	DepMtime    MTime
	DepErrMtime MTime
	LogMtime    MTime
	LogErrMtime MTime

	HostDeps   []*PackageName
	TargetDeps []*PackageName
	Subpkgs    []*PackageName

	// NBlock counts how many not-yet-finished prerequisite sources must
	// complete before this build is ready to dispatch.
	NBlock int

	Flags Flags
}

func (b *Build) set(f Flags)   { b.Flags |= f }
func (b *Build) clear(f Flags) { b.Flags &^= f }
