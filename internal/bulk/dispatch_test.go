package bulk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeTool writes a shell script standing in for xbps-src: it answers
// "dbulk-dump <name>" with a minimal dep record, and "-1Et -j 4 pkg <name>"
// by succeeding, except for names listed in failDump (which fail the
// dbulk-dump step) or failBuild (which fail the pkg step).
func fakeTool(t *testing.T, dir string, failDump, failBuild map[string]bool) string {
	t.Helper()
	path := filepath.Join(dir, "fake-xbps-src")
	script := `#!/bin/sh
set -e
case "$1" in
dbulk-dump)
	name="$2"
	case "$name" in
`
	for name := range failDump {
		script += "\t" + name + ") echo \"dump failed for $name\" >&2; exit 1 ;;\n"
	}
	script += `	esac
	cat <<EOF
pkgname: $name
version: 1
revision: 1
EOF
	;;
-1Et)
	name="$5"
	case "$name" in
`
	for name := range failBuild {
		script += "\t" + name + ") echo \"build failed for $name\" >&2; exit 1 ;;\n"
	}
	script += `	esac
	echo "building $name"
	;;
*)
	echo "fake-xbps-src: unknown args: $@" >&2
	exit 1
	;;
esac
`
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestDispatchFullRun covers S1: a single package with no prior dep cache
// or log ends up with a promoted log file after a dep-extraction job
// followed by a build job.
func TestDispatchFullRun(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "foo")

	g := newTestGraph(t, dir)
	builder := NativeBuilder("x86_64")
	if _, err := g.Enroll(g.mkPackageName("foo"), builder); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	d := &Dispatcher{
		Graph:   g,
		MaxJobs: 2,
		Tool:    fakeTool(t, dir, nil, nil),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if d.NumFail != 0 {
		t.Errorf("NumFail = %d, want 0", d.NumFail)
	}
	logPath := g.logPath(builder, "foo", "1", "1")
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("log not present: %v", err)
	}
	depPath := g.depPath(builder, "foo")
	if _, err := os.Stat(depPath); err != nil {
		t.Errorf("dep cache not present: %v", err)
	}
}

// TestDispatchFailedDepExtract covers S6: when the tool fails while
// extracting dependencies, the .err file is promoted instead of .dep and
// no build is ever attempted.
func TestDispatchFailedDepExtract(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "foo")

	g := newTestGraph(t, dir)
	builder := NativeBuilder("x86_64")
	if _, err := g.Enroll(g.mkPackageName("foo"), builder); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	d := &Dispatcher{
		Graph:   g,
		MaxJobs: 1,
		Tool:    fakeTool(t, dir, map[string]bool{"foo": true}, nil),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if d.NumFail == 0 {
		t.Error("NumFail = 0, want at least one failure recorded")
	}
	if _, err := os.Stat(g.depErrPath(builder, "foo")); err != nil {
		t.Errorf("deps/.../foo.err not present: %v", err)
	}
	if _, err := os.Stat(g.depPath(builder, "foo")); !os.IsNotExist(err) {
		t.Errorf("deps/.../foo.dep exists, want it absent (err = %v)", err)
	}
	if _, err := os.Stat(g.logPath(builder, "foo", "1", "1")); !os.IsNotExist(err) {
		t.Errorf("log exists, want no build ever attempted (err = %v)", err)
	}
}
