package bulk

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestGraph(t *testing.T, distDir string) *Graph {
	t.Helper()
	logger := log.New(os.Stderr, "", 0)
	return NewGraph(distDir, distDir, logger, false)
}

func writeTemplate(t *testing.T, distDir, name string) {
	t.Helper()
	dir := filepath.Join(distDir, "srcpkgs", name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	tpl := "pkgname=" + name + "\nversion=1\nrevision=1\n"
	if err := os.WriteFile(filepath.Join(dir, "template"), []byte(tpl), 0644); err != nil {
		t.Fatal(err)
	}
	// Backdate the template so that dep caches and logs the tests write
	// an hour in the past still count as newer than it.
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "template"), old, old); err != nil {
		t.Fatal(err)
	}
}

// TestStatPackageSingleton covers S1: a plain template directory with no
// dep cache or log resolves to a fresh, owned PackageName.
func TestStatPackageSingleton(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "foo")

	g := newTestGraph(t, dir)
	name := g.mkPackageName("foo")
	if err := g.statPackage(name); err != nil {
		t.Fatalf("statPackage: %v", err)
	}
	if name.Mtime == MTimeUnknown || name.Mtime == MTimeMissing {
		t.Fatalf("Mtime = %v, want a real mtime", name.Mtime)
	}
	if name.Owner == nil {
		t.Fatal("Owner is nil, want a synthesized SourcePkg")
	}
	if name.Owner.Owner != name {
		t.Fatal("Owner.Owner does not point back to name")
	}
}

// TestStatPackageAlias covers S2: a symlinked derivative name resolves to
// the same SourcePkg as its base template.
func TestStatPackageAlias(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "foo")
	if err := os.Symlink("foo", filepath.Join(dir, "srcpkgs", "foo-dbg")); err != nil {
		t.Fatal(err)
	}

	g := newTestGraph(t, dir)
	fooDbg := g.mkPackageName("foo-dbg")
	if err := g.statPackage(fooDbg); err != nil {
		t.Fatalf("statPackage: %v", err)
	}
	if fooDbg.Owner == nil {
		t.Fatal("foo-dbg has no Owner")
	}
	if fooDbg.Owner.Owner.Name != "foo" {
		t.Fatalf("foo-dbg resolves to %q, want foo", fooDbg.Owner.Owner.Name)
	}
}

// TestStatPackageDerivativeSuffixFallback covers the absent + derivative
// suffix fallback path when there is no symlink, only the suffix
// convention (e.g. foo-32bit with no srcpkgs/foo-32bit entry at all).
func TestStatPackageDerivativeSuffixFallback(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "foo")

	g := newTestGraph(t, dir)
	derived := g.mkPackageName("foo-32bit")
	if err := g.statPackage(derived); err != nil {
		t.Fatalf("statPackage: %v", err)
	}
	if derived.Mtime != MTimeMissing {
		t.Fatalf("Mtime = %v, want MTimeMissing", derived.Mtime)
	}
	if derived.Owner == nil || derived.Owner.Owner.Name != "foo" {
		t.Fatalf("expected foo-32bit to resolve to foo's source, got %+v", derived.Owner)
	}
}

// TestStatPackageMissing covers an entirely absent, non-derivative name:
// no owner is resolved.
func TestStatPackageMissing(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "srcpkgs"), 0755); err != nil {
		t.Fatal(err)
	}

	g := newTestGraph(t, dir)
	name := g.mkPackageName("nonexistent")
	if err := g.statPackage(name); err != nil {
		t.Fatalf("statPackage: %v", err)
	}
	if name.Mtime != MTimeMissing {
		t.Fatalf("Mtime = %v, want MTimeMissing", name.Mtime)
	}
	if name.Owner != nil {
		t.Fatalf("Owner = %+v, want nil", name.Owner)
	}
}

func TestScanSortedOrder(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"zebra", "apple", "mango"} {
		writeTemplate(t, dir, n)
	}
	g := newTestGraph(t, dir)
	names, err := g.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	want := []string{"apple", "mango", "zebra"}
	if len(names) != len(want) {
		t.Fatalf("got %d names, want %d", len(names), len(want))
	}
	for i, n := range names {
		if n.Name != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, n.Name, want[i])
		}
	}
}
