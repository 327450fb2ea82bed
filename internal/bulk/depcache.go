package bulk

import (
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

// depDir returns deps/<arch>[@<host>] under the graph's state directory.
func (g *Graph) depDir(builder Builder) string {
	return filepath.Join(g.StateDir, "deps", builder.String())
}

// logDir returns logs/<arch>[@<host>] under the graph's state directory.
func (g *Graph) logDir(builder Builder) string {
	return filepath.Join(g.StateDir, "logs", builder.String())
}

func (g *Graph) depPath(builder Builder, name string) string {
	return filepath.Join(g.depDir(builder), name+".dep")
}

func (g *Graph) depErrPath(builder Builder, name string) string {
	return filepath.Join(g.depDir(builder), name+".err")
}

func (g *Graph) logPath(builder Builder, name, version, revision string) string {
	return filepath.Join(g.logDir(builder), name+"-"+version+"_"+revision+".log")
}

func (g *Graph) logErrPath(builder Builder, name, version, revision string) string {
	return filepath.Join(g.logDir(builder), name+"-"+version+"_"+revision+".err")
}

func statMtime(path string) (MTime, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return MTimeMissing, nil
		}
		return MTimeMissing, ioError("stat", path, err)
	}
	return MTime(fi.ModTime().Unix()), nil
}

// statDeps sets b.DepMtime and b.DepErrMtime from the two cache files'
// mtimes (MTimeMissing if absent). See §4.2.
func (g *Graph) statDeps(b *Build) error {
	name := b.Source.Owner.Name
	dm, err := statMtime(g.depPath(b.Builder, name))
	if err != nil {
		return err
	}
	b.DepMtime = dm

	em, err := statMtime(g.depErrPath(b.Builder, name))
	if err != nil {
		return err
	}
	b.DepErrMtime = em
	return nil
}

// statLog sets b.LogMtime and b.LogErrMtime from logs/<builder>/<name>-
// <version>_<revision>.{log,err}. See §4.2.
func (g *Graph) statLog(b *Build) error {
	name := b.Source.Owner.Name
	version, revision := b.Source.Version, b.Source.Revision

	lm, err := statMtime(g.logPath(b.Builder, name, version, revision))
	if err != nil {
		return err
	}
	b.LogMtime = lm

	em, err := statMtime(g.logErrPath(b.Builder, name, version, revision))
	if err != nil {
		return err
	}
	b.LogErrMtime = em
	return nil
}

// loadDeps opens the dep cache file for b's source and populates b's
// hostdeps/targetdeps/subpkgs (and src's shared version/revision); each
// discovered dependency name is registered as a use-edge back to this
// specific Build, not the source as a whole, so a source enrolled under
// more than one Builder accumulates one independent set of edges per
// Builder. Sets FlagDeps. The scheduler only calls loadDeps once
// b.DepMtime has been confirmed > MTimeMissing, so a missing file here is
// a programming error, not a recoverable condition.
func (g *Graph) loadDeps(src *SourcePkg, b *Build) error {
	if b.Flags.Has(FlagDeps) {
		return nil
	}

	path := g.depPath(b.Builder, src.Owner.Name)
	f, err := os.Open(path)
	if err != nil {
		return xerrors.Errorf("loadDeps: %s: dep cache missing despite fresh statDeps: %w", path, err)
	}
	defer f.Close()

	rec, err := ParseDepRecord(f)
	if err != nil {
		return xerrors.Errorf("loadDeps: %s: %w", path, err)
	}

	src.Version = rec.Version
	src.Revision = rec.Revision

	for _, dep := range rec.HostMakeDepends {
		n := g.mkPackageName(dep)
		b.HostDeps = append(b.HostDeps, n)
		g.registerUse(n, b)
	}
	// makedepends and depends both populate target dependencies.
	for _, dep := range rec.MakeDepends {
		n := g.mkPackageName(dep)
		b.TargetDeps = append(b.TargetDeps, n)
		g.registerUse(n, b)
	}
	for _, dep := range rec.Depends {
		n := g.mkPackageName(dep)
		b.TargetDeps = append(b.TargetDeps, n)
		g.registerUse(n, b)
	}
	for _, sub := range rec.Subpackages {
		n := g.mkPackageName(sub)
		n.Owner = src
		b.Subpkgs = append(b.Subpkgs, n)
	}

	b.set(FlagDeps)
	return nil
}
