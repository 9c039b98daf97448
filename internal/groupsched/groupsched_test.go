package groupsched

import (
	"context"
	"testing"

	"github.com/MeKo-Tech/osm2gpq/internal/errs"
)

func TestChooseGroupSize(t *testing.T) {
	cases := []struct {
		freeMB int64
		want   int64
	}{
		{1024, 100_000},
		{8 * 1024, 500_000},
		{16 * 1024, 1_000_000},
		{24 * 1024, 5_000_000},
		{64 * 1024, 5_000_000},
	}
	for _, c := range cases {
		if got := ChooseGroupSize(c.freeMB); got != c.want {
			t.Errorf("ChooseGroupSize(%d) = %d, want %d", c.freeMB, got, c.want)
		}
	}
}

func TestScheduler_Run_Success(t *testing.T) {
	s := New(2, nil)
	var seen []int64

	err := s.Run(context.Background(), "nodes", 100_000,
		func(g int64) int64 { return 3 },
		nil,
		func(ctx context.Context, groupID int64, g int64) error {
			seen = append(seen, groupID)
			return nil
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 groups processed, got %d", len(seen))
	}
}

func TestScheduler_Run_AdaptiveDownscale(t *testing.T) {
	s := New(1, nil)
	resets := 0
	attempt := 0

	err := s.Run(context.Background(), "ways", 40_000,
		func(g int64) int64 { return 1 },
		func() error { resets++; return nil },
		func(ctx context.Context, groupID int64, g int64) error {
			attempt++
			if g == 40_000 {
				return errs.New(errs.OutOfMemory, "ways", "simulated OOM")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resets != 1 {
		t.Fatalf("expected exactly one reset, got %d", resets)
	}
	if attempt != 2 {
		t.Fatalf("expected a retry at half size, got %d attempts", attempt)
	}
}

func TestScheduler_Run_FloorExceeded(t *testing.T) {
	s := New(1, nil)
	err := s.Run(context.Background(), "ways", Floor+1,
		func(g int64) int64 { return 1 },
		func() error { return nil },
		func(ctx context.Context, groupID int64, g int64) error {
			return errs.New(errs.OutOfMemory, "ways", "always OOM")
		})
	if !errs.Is(err, errs.OutOfMemory) {
		t.Fatalf("expected OutOfMemory once floor is exceeded, got %v", err)
	}
}
