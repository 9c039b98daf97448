// Package progress provides the capability interface threaded through the
// grouped pipeline stages for progress reporting, replacing the teacher's
// (internal/worker.Progress) callback-style tile counter with an explicit
// step_begin/step_end reporter object per the design notes' guidance to
// avoid global mutable progress sinks.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Reporter is the capability interface that the way and relation stages
// receive in their Options and hand to groupsched, which reports one step
// per stage attempt, counted in groups. Concrete implementations include
// Silent (no-op) and Terminal (bar renderer, adapted from the teacher's
// worker.Progress).
type Reporter interface {
	StepBegin(stage string, total int)
	StepEnd(stage string, completed, failed int)
}

// Silent is the zero-overhead no-op reporter, used by default and always in
// library (non-CLI) callers.
type Silent struct{}

func (Silent) StepBegin(string, int)    {}
func (Silent) StepEnd(string, int, int) {}

// Terminal renders a progress bar, the completed count and the elapsed time
// to an io.Writer, after internal/worker/progress.go's bar formatting; it
// shows no rate or ETA.
type Terminal struct {
	out   io.Writer
	mu    sync.Mutex
	start map[string]time.Time
}

// NewTerminal creates a Terminal reporter writing to stderr by default.
func NewTerminal() *Terminal {
	return &Terminal{out: os.Stderr, start: make(map[string]time.Time)}
}

func (t *Terminal) StepBegin(stage string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start[stage] = time.Now()
	fmt.Fprintf(t.out, "[%s] starting (%s groups)\n", stage, humanize.Comma(int64(total)))
}

func (t *Terminal) StepEnd(stage string, completed, failed int) {
	t.mu.Lock()
	started, ok := t.start[stage]
	t.mu.Unlock()

	elapsed := time.Duration(0)
	if ok {
		elapsed = time.Since(started)
	}

	bar := barString(completed, completed+failed)
	line := fmt.Sprintf("[%s] %s %s groups", stage, bar, humanize.Comma(int64(completed)))
	if failed > 0 {
		line += fmt.Sprintf(" (%s soft-failed)", humanize.Comma(int64(failed)))
	}
	line += fmt.Sprintf(" in %s\n", formatDuration(elapsed))
	fmt.Fprint(t.out, line)
}

func barString(completed, total int) string {
	const width = 20
	if total <= 0 {
		return strings.Repeat("#", width)
	}
	filled := width * completed / total
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}
