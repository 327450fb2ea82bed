package bulk

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/xerrors"
)

// IOError wraps an unexpected (non-ENOENT) filesystem failure encountered
// while probing srcpkgs/. It is fatal per the error-handling design: the
// caller should abort the run.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return xerrors.Errorf("%s: %s: %w", e.Op, e.Path, e.Err).Error()
}

func (e *IOError) Unwrap() error { return e.Err }

func ioError(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}

// statPackage mutates name.Mtime from MTimeUnknown to either a real mtime
// or MTimeMissing, and — for derivative/alias names — resolves name.Owner
// to the owning SourcePkg. See §4.1.
func (g *Graph) statPackage(name *PackageName) error {
	path := filepath.Join(g.DistDir, "srcpkgs", name.Name)
	fi, err := os.Lstat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return ioError("lstat", path, err)
		}
		name.Mtime = MTimeMissing
		if base, ok := splitDerivativeSuffix(name.Name); ok {
			baseName := g.mkPackageName(base)
			if baseName.Mtime == MTimeUnknown {
				if err := g.statPackage(baseName); err != nil {
					return err
				}
			}
			name.Owner = baseName.Owner
		}
		return nil
	}

	if fi.Mode()&fs.ModeSymlink != 0 {
		// Subpackage or alias: mtime is the link's own mtime, the target
		// is another package name whose source is reused.
		name.Mtime = MTime(fi.ModTime().Unix())
		target, err := os.Readlink(path)
		if err != nil {
			return ioError("readlink", path, err)
		}
		if strings.HasSuffix(target, "/") {
			g.Log.Printf("warn: symlink %q contains trailing slash", path)
			target = strings.TrimSuffix(target, "/")
		}
		ownerName := g.mkPackageName(target)
		if ownerName.Owner == nil {
			if ownerName.Mtime == MTimeUnknown {
				if err := g.statPackage(ownerName); err != nil {
					return err
				}
			}
			if ownerName.Owner == nil {
				ownerName.Owner = g.mkSourcePkg(ownerName)
			}
		}
		name.Owner = ownerName.Owner
		return nil
	}

	// Directory: name owns a source template; mtime is the template
	// file's mtime, not the directory's.
	templatePath := filepath.Join(path, "template")
	tfi, err := os.Lstat(templatePath)
	if err != nil {
		return ioError("lstat", templatePath, err)
	}
	name.Mtime = MTime(tfi.ModTime().Unix())
	if name.Owner == nil {
		name.Owner = g.mkSourcePkg(name)
	}
	return nil
}

// Scan enumerates <distdir>/srcpkgs, creating a PackageName entry per
// directory entry (dot-files excluded). Symlinks are resolved to owning
// sources eagerly. Returns the names in deterministic (sorted) order so
// that enrollment order — and therefore LIFO work-queue order — is
// reproducible across runs with identical inputs.
func (g *Graph) Scan() ([]*PackageName, error) {
	dir := filepath.Join(g.DistDir, "srcpkgs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioError("readdir", dir, err)
	}
	var names []string
	for _, ent := range entries {
		if strings.HasPrefix(ent.Name(), ".") {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)

	result := make([]*PackageName, 0, len(names))
	for _, n := range names {
		name := g.mkPackageName(n)
		if name.Mtime == MTimeUnknown {
			if err := g.statPackage(name); err != nil {
				return nil, err
			}
		}
		result = append(result, name)
	}
	return result, nil
}
