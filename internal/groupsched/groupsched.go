// Package groupsched implements C6: choosing a memory-bounded group size,
// partitioning a stage's id range into groups, and running one task per
// group in parallel with adaptive down-scaling on out-of-memory retries
// (spec.md §4.6). The parallel fan-out itself is adapted from the teacher's
// channel+WaitGroup tile pool (internal/worker/pool.go), generalized to use
// golang.org/x/sync/errgroup so the first group-task failure cancels the
// rest instead of letting every task run to completion.
package groupsched

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/MeKo-Tech/osm2gpq/internal/errs"
	"github.com/MeKo-Tech/osm2gpq/internal/progress"
)

// sizeTable implements spec.md §4.6's free-memory -> G lookup.
var sizeTable = []struct {
	minFreeMB int64
	g         int64
}{
	{0, 100_000},
	{8 * 1024, 500_000},
	{16 * 1024, 1_000_000},
	{24 * 1024, 5_000_000},
}

// Floor is the minimum group size the adaptive down-scaler will retry at
// before failing the stage with OutOfMemory (spec.md §4.6).
const Floor = 10_000

// ChooseGroupSize picks G from the observed free memory, in MB.
func ChooseGroupSize(freeMemMB int64) int64 {
	g := sizeTable[0].g
	for _, row := range sizeTable {
		if freeMemMB >= row.minFreeMB {
			g = row.g
		}
	}
	return g
}

// Scheduler runs one task per group, parallel across groups within a stage,
// with a hard barrier at stage boundaries (spec.md §5: "Stages C3->C4->C5
// are sequential...but within a stage the work is parallel across groups").
type Scheduler struct {
	concurrency int
	reporter    progress.Reporter
}

// New creates a Scheduler sized to the host CPU count by default, mirroring
// the teacher's worker.Pool default of one worker per configured slot.
func New(concurrency int, reporter progress.Reporter) *Scheduler {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	if reporter == nil {
		reporter = progress.Silent{}
	}
	return &Scheduler{concurrency: concurrency, reporter: reporter}
}

// GroupTask runs the work for one group_id; when the underlying query engine
// signals memory exhaustion it returns an error for which
// errs.Is(err, errs.OutOfMemory) holds, so Run can retry at a smaller G.
type GroupTask func(ctx context.Context, groupID int64, g int64) error

// Run executes fn for every group in [0, groupCount) with up to s.concurrency
// in flight at once. On an OutOfMemory error from any task, the whole stage
// is retried from scratch at half the group size (spec.md §4.6: "G is
// halved and the batch is retried"), halving again on every further
// OutOfMemory until the size would fall below Floor; reset must fully undo
// any partial writes from the failed attempt since the retry reprocesses
// every group.
func (s *Scheduler) Run(ctx context.Context, stage string, initialG int64, groupCount func(g int64) int64, reset func() error, fn GroupTask) error {
	g := initialG
	for {
		n := groupCount(g)
		s.reporter.StepBegin(stage, int(n))

		err := s.runOnce(ctx, n, g, fn)
		if err == nil {
			s.reporter.StepEnd(stage, int(n), 0)
			return nil
		}

		if !errs.Is(err, errs.OutOfMemory) {
			return err
		}

		halved := g / 2
		if halved < Floor {
			return errs.New(errs.OutOfMemory, stage, "group size floor reached; cannot shrink further").WithGroup(g)
		}
		if reset != nil {
			if rerr := reset(); rerr != nil {
				return rerr
			}
		}
		g = halved
	}
}

func (s *Scheduler) runOnce(ctx context.Context, groupCount, g int64, fn GroupTask) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)

	for groupID := int64(0); groupID < groupCount; groupID++ {
		groupID := groupID
		eg.Go(func() error {
			return fn(ctx, groupID, g)
		})
	}

	return eg.Wait()
}
