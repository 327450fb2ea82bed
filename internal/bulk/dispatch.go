package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/duncaen/xbps-dbulk/internal/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Dispatcher maintains a pool of up to MaxJobs concurrent subprocesses,
// selects ready work from Graph's queue, launches the appropriate
// subprocess (dep-extract or build), reaps completions, and feeds
// results back into the graph. See §4.4.
type Dispatcher struct {
	Graph *Graph

	MaxJobs int
	MaxFail int // 0 means unlimited
	DryRun  bool
	Tool    string // path to the external build tool (xbps-src)

	NumFail     int
	NumFinished int

	status *board
}

// completion is sent by a job's reaper goroutine once its subprocess has
// exited; all graph mutation happens back in the single control
// goroutine that receives these, never in the reaper itself.
type completion struct {
	j      *job
	slot   int
	failed bool
	err    error
}

func exitFailed(err error) (failed bool, waitErr error) {
	if err == nil {
		return false, nil
	}
	// Any non-zero exit, signal death, or wait(2) failure is a failure;
	// Go's exec package already folds WIFSIGNALED into a non-nil error
	// from Wait, so there is no separate signal-vs-exit branch to take
	// here (unlike the original posix_spawn/waitpid code).
	return true, err
}

// Run implements the dispatcher's main loop: while there is ready work
// and spare capacity, start jobs; block for any completion; apply it to
// the graph; repeat until the queue and in-flight set are both empty.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.Tool == "" {
		return xerrors.New("Dispatcher.Tool must be set")
	}
	d.status = newBoard(d.MaxJobs)

	done := make(chan completion)
	eg, ctx := errgroup.WithContext(ctx)

	numJobs := 0
	slots := make([]*job, d.MaxJobs)
	freeSlots := make([]int, d.MaxJobs)
	for i := range freeSlots {
		freeSlots[i] = i
	}

	stopDispatch := false

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	launch := func(slot int, b *Build) error {
		var j *job
		var err error
		kind := kindFor(b)
		if kind == kindBuild {
			j, err = d.startBuild(ctx, b)
		} else {
			j, err = d.startGenDep(ctx, b)
		}
		if err != nil {
			return err
		}
		slots[slot] = j
		d.status.begin(slot+1, b.Source.Owner.Name)

		ev := trace.Event("build "+b.Source.Owner.Name, slot)
		ev.Type = "B"
		ev.Done()

		eg.Go(func() error {
			waitErr := j.cmd.Wait()
			failed, err := exitFailed(waitErr)
			select {
			case done <- completion{j: j, slot: slot, failed: failed, err: err}:
			case <-ctx.Done():
			}
			return nil
		})
		return nil
	}

	for {
		for !stopDispatch && len(freeSlots) > 0 {
			b := d.Graph.pop()
			if b == nil {
				break
			}
			if d.DryRun {
				d.completeDry(b)
				continue
			}
			slot := freeSlots[len(freeSlots)-1]
			freeSlots = freeSlots[:len(freeSlots)-1]
			if err := launch(slot, b); err != nil {
				d.Graph.Log.Printf("job failed to start: %s: %v", b.Source.Owner.Name, err)
				d.NumFail++
				freeSlots = append(freeSlots, slot)
				if d.MaxFail > 0 && d.NumFail >= d.MaxFail {
					stopDispatch = true
				}
				continue
			}
			numJobs++
		}

		if numJobs == 0 {
			break
		}

		var c completion
		select {
		case c = <-done:
		case <-ctx.Done():
			_ = eg.Wait()
			return ctx.Err()
		case <-ticker.C:
			for i, j := range slots {
				if j != nil {
					d.status.tick(i+1, j.build.Source.Owner.Name)
				}
			}
			continue
		}

		numJobs--
		freeSlots = append(freeSlots, c.slot)
		slots[c.slot] = nil
		d.status.idle(c.slot + 1)

		{
			ev := trace.Event("build "+c.j.build.Source.Owner.Name, c.slot)
			ev.Type = "E"
			ev.Done()
		}

		ready, action, err := d.complete(c)
		d.NumFinished++
		if err != nil {
			return xerrors.Errorf("applying job completion: %w", err)
		}
		if c.failed {
			d.NumFail++
		}
		d.Graph.Log.Printf("[%d/%d] %s %s", d.NumFinished, d.Graph.NumTotal, action, c.j.build.Source.Owner.Name)
		d.status.summary(d.NumFinished, d.Graph.NumTotal, d.NumFinished-d.NumFail, d.NumFail)
		for _, rb := range ready {
			d.Graph.queue(rb)
		}

		if d.MaxFail > 0 && d.NumFail >= d.MaxFail {
			stopDispatch = true
		}
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	return nil
}

// complete applies one job's result to the graph: closes temp file
// handles, invokes the kind-specific completion handler, and returns any
// Builds that became ready as a result (for dep-extract completions, the
// re-enrollment itself pushes onto the graph's own queue rather than
// returning a slice, since it may recurse into newly-discovered deps).
func (d *Dispatcher) complete(c completion) (ready []*Build, action string, err error) {
	c.j.outTemp.Close()
	if c.j.errTemp != nil {
		c.j.errTemp.Close()
	}

	switch c.j.kind {
	case kindGenDep:
		if err := d.genDepDone(c.j.build, c.failed); err != nil {
			return nil, "", err
		}
		return nil, "generated dependencies for", nil
	default:
		ready, err := d.buildDone(c.j.build, c.failed)
		if err != nil {
			return nil, "", err
		}
		return ready, "build package", nil
	}
}

// completeDry simulates a successful completion without spawning a
// subprocess, used for -n/dry-run: propagate completion through the
// graph exactly as a successful build would.
func (d *Dispatcher) completeDry(b *Build) {
	d.NumFinished++
	d.Graph.Log.Printf("[%d/%d] build %s", d.NumFinished, d.Graph.NumTotal, b.Source.Owner.Name)
	ready := d.pkgDone(b.Source.Owner)
	for _, sub := range b.Subpkgs {
		ready = append(ready, d.pkgDone(sub)...)
	}
	for _, rb := range ready {
		d.Graph.queue(rb)
	}
}
