package bulk

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeDepCache(t *testing.T, g *Graph, builder Builder, rec *DepRecord, mtime time.Time) {
	t.Helper()
	dir := g.depDir(builder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := g.depPath(builder, rec.PkgName)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteDepRecord(f, rec); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func writeLog(t *testing.T, g *Graph, builder Builder, name, version, revision string, mtime time.Time) {
	t.Helper()
	dir := g.logDir(builder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := g.logPath(builder, name, version, revision)
	if err := os.WriteFile(path, []byte("build ok\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func touchTemplate(t *testing.T, distDir, name string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(distDir, "srcpkgs", name, "template")
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

// TestEnrollChain covers S3: foo depends on bar, both with fresh dep
// caches and no prior logs. bar must become ready immediately (NBlock 0)
// while foo is blocked on it (NBlock 1); completing bar unblocks foo.
func TestEnrollChain(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "foo")
	writeTemplate(t, dir, "bar")

	g := newTestGraph(t, dir)
	builder := NativeBuilder("x86_64")

	t0 := time.Now().Add(-time.Hour)
	writeDepCache(t, g, builder, &DepRecord{PkgName: "bar", Version: "1", Revision: "1"}, t0)
	writeDepCache(t, g, builder, &DepRecord{PkgName: "foo", Version: "1", Revision: "1", MakeDepends: []string{"bar"}}, t0)

	fooName := g.mkPackageName("foo")
	if _, err := g.Enroll(fooName, builder); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	if g.NumTotal != 2 {
		t.Fatalf("NumTotal = %d, want 2", g.NumTotal)
	}

	barName, ok := g.names["bar"]
	if !ok {
		t.Fatal("bar was never enrolled")
	}
	barBuild := barName.Owner.Builds[builder]
	fooBuild := fooName.Owner.Builds[builder]

	if barBuild.NBlock != 0 {
		t.Errorf("bar.NBlock = %d, want 0", barBuild.NBlock)
	}
	if fooBuild.NBlock != 1 {
		t.Errorf("foo.NBlock = %d, want 1", fooBuild.NBlock)
	}
	if len(g.work) != 1 || g.work[0] != barBuild {
		t.Errorf("ready queue = %+v, want [bar]", g.work)
	}

	d := &Dispatcher{Graph: g}
	ready := d.pkgDone(barName)
	if len(ready) != 1 || ready[0] != fooBuild {
		t.Fatalf("pkgDone(bar) = %+v, want [foo]", ready)
	}
	if fooBuild.NBlock != 0 {
		t.Errorf("foo.NBlock after pkgDone = %d, want 0", fooBuild.NBlock)
	}
}

// TestEnrollCycle covers S4: foo and bar depend on each other. Both must
// end up SKIP|DIRTY with no work enqueued, and the cycle trace must read
// "foo <- bar <- foo".
func TestEnrollCycle(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "foo")
	writeTemplate(t, dir, "bar")

	g := newTestGraph(t, dir)
	builder := NativeBuilder("x86_64")

	t0 := time.Now().Add(-time.Hour)
	writeDepCache(t, g, builder, &DepRecord{PkgName: "foo", Version: "1", Revision: "1", MakeDepends: []string{"bar"}}, t0)
	writeDepCache(t, g, builder, &DepRecord{PkgName: "bar", Version: "1", Revision: "1", MakeDepends: []string{"foo"}}, t0)

	fooName := g.mkPackageName("foo")
	_, err := g.Enroll(fooName, builder)
	ce, ok := err.(*CycleError)
	if !ok {
		t.Fatalf("Enroll returned %T (%v), want *CycleError", err, err)
	}
	got := ce.Error()
	want := "dependency cycle: foo <- bar <- foo"
	if got != want {
		t.Errorf("cycle trace = %q, want %q", got, want)
	}

	fooBuild := fooName.Owner.Builds[builder]
	barName := g.names["bar"]
	barBuild := barName.Owner.Builds[builder]

	for _, b := range []*Build{fooBuild, barBuild} {
		if !b.Flags.Has(FlagSkip) || !b.Flags.Has(FlagDirty) {
			t.Errorf("build %s flags = %s, want SKIP|DIRTY", b.Source.Owner.Name, b.Flags)
		}
	}
	if len(g.work) != 0 {
		t.Errorf("ready queue = %+v, want empty (no subprocesses spawned)", g.work)
	}
}

// TestEnrollIncrementalStaleDepCache covers S5: when only foo's template
// changes, re-enrolling foo must regenerate its dep cache without ever
// touching bar, since the stale-dep-cache branch returns before the
// dependency recursion loop runs at all.
func TestEnrollIncrementalStaleDepCache(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "foo")
	writeTemplate(t, dir, "bar")

	builder := NativeBuilder("x86_64")
	t0 := time.Now().Add(-time.Hour)

	g := newTestGraph(t, dir)
	writeDepCache(t, g, builder, &DepRecord{PkgName: "bar", Version: "1", Revision: "1"}, t0)
	writeDepCache(t, g, builder, &DepRecord{PkgName: "foo", Version: "1", Revision: "1", MakeDepends: []string{"bar"}}, t0)

	touchTemplate(t, dir, "foo", t0.Add(time.Minute))

	g2 := newTestGraph(t, dir)
	fooName := g2.mkPackageName("foo")
	if _, err := g2.Enroll(fooName, builder); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	fooBuild := fooName.Owner.Builds[builder]
	if !fooBuild.Flags.Has(FlagDirty) {
		t.Errorf("foo flags = %s, want DIRTY set", fooBuild.Flags)
	}
	if fooBuild.Flags.Has(FlagDeps) {
		t.Error("foo has FlagDeps set, want dep regeneration to be pending")
	}
	if fooBuild.NBlock != 0 {
		t.Errorf("foo.NBlock = %d, want 0", fooBuild.NBlock)
	}
	if _, ok := g2.names["bar"]; ok {
		t.Error("bar was enrolled, want the stale-dep-cache branch to skip recursion entirely")
	}
	if g2.NumTotal != 1 {
		t.Errorf("NumTotal = %d, want 1", g2.NumTotal)
	}
}

// TestEnrollCrossHostSharedDep covers a source reachable under two
// distinct Builders in one run: "bar" is a target dependency of "tgt"
// (built for the cross builder itself) and a host dependency of
// "hostuser" (built under builder.HostBuilder()). Both enrollments must
// land on independent Builds with independent HostDeps/TargetDeps/Use
// registrations, so neither dependent's NBlock is decremented more than
// once when its own prerequisite finishes.
func TestEnrollCrossHostSharedDep(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "tgt")
	writeTemplate(t, dir, "hostuser")
	writeTemplate(t, dir, "bar")

	g := newTestGraph(t, dir)
	builder := CrossBuilder("armv7l", "x86_64")
	hostBuilder := builder.HostBuilder()

	t0 := time.Now().Add(-time.Hour)
	writeDepCache(t, g, builder, &DepRecord{PkgName: "bar", Version: "1", Revision: "1"}, t0)
	writeDepCache(t, g, hostBuilder, &DepRecord{PkgName: "bar", Version: "1", Revision: "1"}, t0)
	writeDepCache(t, g, builder, &DepRecord{PkgName: "tgt", Version: "1", Revision: "1", MakeDepends: []string{"bar"}}, t0)
	writeDepCache(t, g, builder, &DepRecord{PkgName: "hostuser", Version: "1", Revision: "1", HostMakeDepends: []string{"bar"}}, t0)

	tgtName := g.mkPackageName("tgt")
	if _, err := g.Enroll(tgtName, builder); err != nil {
		t.Fatalf("Enroll(tgt): %v", err)
	}
	hostUserName := g.mkPackageName("hostuser")
	if _, err := g.Enroll(hostUserName, builder); err != nil {
		t.Fatalf("Enroll(hostuser): %v", err)
	}

	barName, ok := g.names["bar"]
	if !ok {
		t.Fatal("bar was never enrolled")
	}
	if len(barName.Owner.Builds) != 2 {
		t.Fatalf("bar enrolled under %d Builders, want 2", len(barName.Owner.Builds))
	}
	barCrossBuild, ok := barName.Owner.Builds[builder]
	if !ok {
		t.Fatal("bar has no Build under the cross builder")
	}
	barHostBuild, ok := barName.Owner.Builds[hostBuilder]
	if !ok {
		t.Fatal("bar has no Build under the host builder")
	}
	if barCrossBuild == barHostBuild {
		t.Fatal("bar's cross and host Builds are the same object")
	}

	// Exactly one Use entry per real dependent, not one per loadDeps call.
	if len(barName.Use) != 2 {
		t.Fatalf("len(bar.Use) = %d, want 2 (no duplicate registrations)", len(barName.Use))
	}

	tgtBuild := tgtName.Owner.Builds[builder]
	hostUserBuild := hostUserName.Owner.Builds[builder]
	if tgtBuild.NBlock != 1 {
		t.Errorf("tgt.NBlock = %d, want 1", tgtBuild.NBlock)
	}
	if hostUserBuild.NBlock != 1 {
		t.Errorf("hostuser.NBlock = %d, want 1", hostUserBuild.NBlock)
	}

	d := &Dispatcher{Graph: g}
	ready := d.pkgDone(barName)
	if len(ready) != 2 {
		t.Fatalf("pkgDone(bar) = %+v, want both dependents ready", ready)
	}
	if tgtBuild.NBlock != 0 {
		t.Errorf("tgt.NBlock after pkgDone = %d, want 0 (decremented exactly once)", tgtBuild.NBlock)
	}
	if hostUserBuild.NBlock != 0 {
		t.Errorf("hostuser.NBlock after pkgDone = %d, want 0 (decremented exactly once)", hostUserBuild.NBlock)
	}
}

// TestEnrollNoOwner exercises the synthesized-record path (the original
// tool's null-deref bug site): a name with no owning template is marked
// SKIP|DIRTY instead of crashing.
func TestEnrollNoOwner(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "srcpkgs"), 0755); err != nil {
		t.Fatal(err)
	}
	g := newTestGraph(t, dir)
	builder := NativeBuilder("x86_64")

	name := g.mkPackageName("ghost")
	res, err := g.Enroll(name, builder)
	if res != ResultMissing {
		t.Errorf("result = %v, want ResultMissing", res)
	}
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if name.Owner == nil {
		t.Fatal("no SourcePkg was synthesized")
	}
	b := name.Owner.Builds[builder]
	if !b.Flags.Has(FlagSkip) || !b.Flags.Has(FlagDirty) {
		t.Errorf("flags = %s, want SKIP|DIRTY", b.Flags)
	}
}

