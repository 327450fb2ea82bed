// Command xbps-dbulk-watch polls a tracked package tree's git remote for
// new commits and triggers xbps-dbulk against a fresh checkout of each one,
// flipping a "current" symlink to the newest listed commit when that
// commit built successfully.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	xbpsdbulk "github.com/duncaen/xbps-dbulk"
	"github.com/google/go-github/v27/github"
	"github.com/google/renameio"
	"golang.org/x/oauth2"
	"golang.org/x/xerrors"
)

var (
	accessToken = flag.String("github_access_token", "", "oauth2 GitHub access token")
	repo        = flag.String("repo", "https://github.com/void-linux/void-packages", "package tree git repository to track")
	branch      = flag.String("branch", "master", "branch of -repo to track")
	workDir     = flag.String("work_dir", "", "root directory under which per-commit checkouts and stamp files are kept (required)")
	bulkFlags   = flag.String("bulk_flags", "", "extra flags appended to each xbps-dbulk invocation, space-separated")
	once        = flag.Bool("once", false, "do one polling iteration instead of polling forever")
	rebuild     = flag.String("rebuild", "", "if non-empty, a commit id to rebuild, ignoring its stamp file")
	interval    = flag.Duration("interval", 15*time.Minute, "how frequently to check for new commits")
	perPage     = flag.Int("commits", 10, "how many of the most recent commits to consider per poll")
)

// watcher tracks the repository being polled and serializes runs so that a
// slow build never overlaps with the next poll.
type watcher struct {
	repo, branch, workDir, rebuild string
	bulkFlags                      []string

	runMu sync.Mutex
}

func stamped(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, "stamp."+name))
	return err == nil
}

func writeStamp(dir, name string) error {
	return os.WriteFile(filepath.Join(dir, "stamp."+name), nil, 0644)
}

// checkout clones commit into workdir/checkout, reusing an earlier clone
// as is when its stamp file exists, and returns the path of the
// checked-out package tree.
func (w *watcher) checkout(ctx context.Context, commit, workdir string) (string, error) {
	dir := filepath.Join(workdir, "checkout")
	if stamped(workdir, "clone") {
		return dir, nil
	}

	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	clone := exec.CommandContext(ctx, "sh", "-c",
		fmt.Sprintf("git clone --depth=50 %s checkout && cd checkout && git reset --hard %s",
			shellQuote(w.repo), shellQuote(commit)))
	clone.Dir = workdir
	clone.Stdout = os.Stdout
	clone.Stderr = os.Stderr
	if err := clone.Run(); err != nil {
		return "", xerrors.Errorf("%v: %w", clone.Args, err)
	}
	if err := writeStamp(workdir, "clone"); err != nil {
		return "", err
	}
	return dir, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommit checks out commit (unless already built) and runs the bulk
// scheduler against it, logging to stamp files the same way the original
// per-commit image build pipeline does.
func (w *watcher) runCommit(ctx context.Context, commit string) error {
	logger := log.New(log.Writer(), fmt.Sprintf("[commit %s] ", commit[:12]), log.LstdFlags)

	workdir := filepath.Join(w.workDir, "work", commit)
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return err
	}

	if w.rebuild != commit && stamped(workdir, "built") {
		logger.Printf("already built, skipping")
		return nil
	}

	logger.Printf("checking out")
	distDir, err := w.checkout(ctx, commit, workdir)
	if err != nil {
		return err
	}

	args := append([]string{"-D", distDir}, w.bulkFlags...)
	logger.Printf("running xbps-dbulk %s", strings.Join(args, " "))
	build := exec.CommandContext(ctx, "xbps-dbulk", args...)
	build.Dir = distDir
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return xerrors.Errorf("xbps-dbulk %v: %w", build.Args, err)
	}

	return writeStamp(workdir, "built")
}

// run polls GitHub once for the latest commits on w.branch and builds
// whichever of them are not already stamped as built, newest first; on
// success for the newest commit it flips the "current" symlink atomically.
func (w *watcher) run(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: *accessToken})
	tc := oauth2.NewClient(ctx, ts)
	client := github.NewClient(tc)

	owner, name, err := splitRepo(w.repo)
	if err != nil {
		return err
	}
	commits, _, err := client.Repositories.ListCommits(ctx, owner, name, &github.CommitsListOptions{
		SHA:         w.branch,
		ListOptions: github.ListOptions{PerPage: *perPage},
	})
	if err != nil {
		return xerrors.Errorf("listing commits: %w", err)
	}

	// commits[0] is the newest; build LIFO so the newest commit becomes
	// available first while older ones still get built for bisection.
	for idx, c := range commits {
		sha := c.GetSHA()
		if err := w.runCommit(ctx, sha); err != nil {
			log.Printf("runCommit(%s): %v", sha, err)
			continue
		}
		if idx == 0 {
			current := filepath.Join(w.workDir, "current")
			if err := renameio.Symlink(filepath.Join("work", sha, "checkout"), current); err != nil {
				log.Printf("updating current symlink: %v", err)
			}
		}
	}
	return nil
}

func splitRepo(url string) (owner, name string, err error) {
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(url, "https://github.com/"), ".git"), "/")
	if len(parts) != 2 {
		return "", "", xerrors.Errorf("repo %q is not a https://github.com/<owner>/<repo> URL", url)
	}
	return parts[0], parts[1], nil
}

func logic() error {
	flag.Parse()
	if *workDir == "" {
		return xerrors.New("-work_dir is required")
	}

	var flags []string
	if *bulkFlags != "" {
		flags = strings.Fields(*bulkFlags)
	}

	w := &watcher{
		repo:      *repo,
		branch:    *branch,
		workDir:   *workDir,
		rebuild:   *rebuild,
		bulkFlags: flags,
	}

	ctx, canc := xbpsdbulk.InterruptibleContext()
	defer canc()

	if *once {
		return w.run(ctx)
	}
	for {
		if err := w.run(ctx); err != nil {
			log.Printf("%+v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(*interval):
		}
	}
}

func main() {
	if err := logic(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
