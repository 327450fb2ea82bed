package bulk

import (
	"log"
	"strings"
)

// derivativeSuffixes lists the PackageName suffixes whose absent template
// is synthesized from a stripped-suffix owner, e.g. "foo-dbg" and
// "foo-32bit" both fall back to source package "foo".
var derivativeSuffixes = []string{"-dbg", "-32bit"}

// splitDerivativeSuffix reports whether name ends in a recognized
// derivative suffix and, if so, returns the base name it derives from.
// Its one caller is statPackage's absent-path, which Scan and Enroll both
// reach, replacing the two near-duplicate implementations in the original
// C tool.
func splitDerivativeSuffix(name string) (base string, ok bool) {
	for _, suffix := range derivativeSuffixes {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix), true
		}
	}
	return "", false
}

// Graph is the data model of one bulk-build run: the package-name and
// source-package tables, the ready queue, and run-wide counters. It is
// created once per run and never reused; -watch mode creates a fresh one
// for every re-run.
type Graph struct {
	// DistDir is the distribution checkout root (contains srcpkgs/).
	DistDir string
	// StateDir is where deps/ and logs/ are read from and written to;
	// defaults to DistDir.
	StateDir string

	Log     *log.Logger
	Explain bool

	names   map[string]*PackageName
	sources []*SourcePkg // allnext chain, insertion order

	work []*Build // LIFO ready queue

	NumTotal int
}

// NewGraph creates an empty Graph rooted at distDir.
func NewGraph(distDir, stateDir string, logger *log.Logger, explain bool) *Graph {
	if stateDir == "" {
		stateDir = distDir
	}
	return &Graph{
		DistDir:  distDir,
		StateDir: stateDir,
		Log:      logger,
		Explain:  explain,
		names:    make(map[string]*PackageName),
	}
}

// mkPackageName returns the PackageName for name, creating it (with
// Mtime == MTimeUnknown) on first reference. PackageName entries are
// never destroyed within a run.
func (g *Graph) mkPackageName(name string) *PackageName {
	n, ok := g.names[name]
	if !ok {
		n = &PackageName{Name: name, Mtime: MTimeUnknown}
		g.names[name] = n
	}
	return n
}

// mkSourcePkg creates a new SourcePkg owned by owner, registers it on the
// allnext chain, and links it back onto owner.
func (g *Graph) mkSourcePkg(owner *PackageName) *SourcePkg {
	s := &SourcePkg{Owner: owner}
	owner.Owner = s
	g.sources = append(g.sources, s)
	return s
}

// registerUse records that b declares name as a dependency, i.e. adds
// the reverse edge walked by pkgDone to unblock dependents.
func (g *Graph) registerUse(name *PackageName, b *Build) {
	name.Use = append(name.Use, b)
}

// queue pushes b onto the LIFO ready queue.
func (g *Graph) queue(b *Build) {
	g.work = append(g.work, b)
}

// pop removes and returns the most recently queued Build, or nil if empty.
func (g *Graph) pop() *Build {
	if len(g.work) == 0 {
		return nil
	}
	last := len(g.work) - 1
	b := g.work[last]
	g.work = g.work[:last]
	return b
}

// EnrollName resolves name to a PackageName (creating the entry if this is
// its first reference) and enrolls it under builder, returning the
// PackageName so callers can report on it even when Enroll reports a
// cycle or missing template.
func (g *Graph) EnrollName(name string, builder Builder) (*PackageName, error) {
	n := g.mkPackageName(name)
	_, err := g.Enroll(n, builder)
	return n, err
}

func (g *Graph) explainf(format string, args ...interface{}) {
	if !g.Explain {
		return
	}
	g.Log.Printf("explain: "+format, args...)
}
