package bulk

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
)

// isTerminal reports whether stdout is an interactive terminal, checked
// once at process start. Printing the live status overwrite dance to a
// pipe or log file would just spam it with escape codes.
var isTerminal = detectTerminal()

func detectTerminal() bool {
	if _, err := unix.IoctlGetTermios(int(os.Stdout.Fd()), unix.TCGETS); err == nil {
		return true
	}
	// Fall back to isatty for platforms where the TCGETS ioctl isn't the
	// right probe (e.g. non-Linux builders cross-compiling this tool).
	return isatty.IsTerminal(os.Stdout.Fd())
}

// board is a terminal-refreshing status display: one line per dispatcher
// slot plus a summary line, overwritten in place the way
// internal/batch.scheduler.refreshStatus does.
type board struct {
	mu    sync.Mutex
	lines []string
	start []time.Time
	last  time.Time
}

func newBoard(slots int) *board {
	return &board{
		lines: make([]string, slots+1),
		start: make([]time.Time, slots+1),
	}
}

// begin marks slot idx as starting work on pkg now.
func (b *board) begin(idx int, pkg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start[idx] = time.Now()
	b.setLocked(idx, "building "+pkg)
}

// tick rewrites slot idx's line for pkg with the time since the slot's
// last begin (called periodically while waiting).
func (b *board) tick(idx int, pkg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(idx, fmt.Sprintf("building %s (started %s)", pkg, humanize.Time(b.start[idx])))
}

// idle marks slot idx as free.
func (b *board) idle(idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(idx, "idle")
}

// summary sets the line-0 overview ("N of M packages: X built, Y failed").
func (b *board) summary(finished, total, succeeded, failed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(0, fmt.Sprintf("%d of %d packages: %d built, %d failed", finished, total, succeeded, failed))
}

func (b *board) setLocked(idx int, text string) {
	if idx >= len(b.lines) {
		return
	}
	if diff := len(b.lines[idx]) - len(text); diff > 0 {
		text += strings.Repeat(" ", diff) // overwrite stale characters
	}
	b.lines[idx] = text
	if !isTerminal {
		return
	}
	if time.Since(b.last) < 100*time.Millisecond {
		return // printing too frequently slows the program down
	}
	b.last = time.Now()
	b.printLocked()
}

func (b *board) printLocked() {
	for _, line := range b.lines {
		fmt.Println(line)
	}
	fmt.Printf("\033[%dA", len(b.lines)) // restore cursor position
}
