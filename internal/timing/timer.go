// Package timing measures nested sections of a record's processing and
// writes the per-registration timing report.
package timing

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tjfontaine/matchbench/internal/domain"
)

// Timer records wall-clock durations of nested sections. Section keys are
// the names of all open sections joined with "_", so a "conversation"
// section opened inside "phase1" is stored as "phase1_conversation".
//
// Sections must be opened and closed in stack order from one goroutine; the
// accessors are safe to call concurrently.
type Timer struct {
	name string
	now  func() time.Time

	mu      sync.Mutex
	path    []string
	timings map[string]time.Duration
	order   []string
}

// New creates an empty timer.
func New(name string) *Timer {
	return &Timer{
		name:    name,
		now:     time.Now,
		timings: make(map[string]time.Duration),
	}
}

// Name returns the timer's label.
func (t *Timer) Name() string { return t.name }

// Start opens a section and returns the function that closes it. The
// closing function records and returns the elapsed time; calling it more
// than once has no further effect.
func (t *Timer) Start(section string) func() time.Duration {
	t.mu.Lock()
	t.path = append(t.path, section)
	key := strings.Join(t.path, "_")
	depth := len(t.path)
	t.mu.Unlock()

	start := t.now()
	var once sync.Once
	var elapsed time.Duration
	return func() time.Duration {
		once.Do(func() {
			elapsed = t.now().Sub(start)
			t.mu.Lock()
			defer t.mu.Unlock()
			if _, seen := t.timings[key]; !seen {
				t.order = append(t.order, key)
			}
			t.timings[key] = elapsed
			if len(t.path) >= depth {
				t.path = t.path[:depth-1]
			}
		})
		return elapsed
	}
}

// Time runs fn inside a section.
func (t *Timer) Time(section string, fn func() error) error {
	stop := t.Start(section)
	defer stop()
	return fn()
}

// Get returns the duration recorded under key.
func (t *Timer) Get(key string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.timings[key]
	return d, ok
}

// Summary returns a copy of all recorded sections.
func (t *Timer) Summary() map[string]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Duration, len(t.timings))
	for k, v := range t.timings {
		out[k] = v
	}
	return out
}

// Total sums every section whose key starts with prefix. Nested sections
// are counted alongside their parents, as in the recorded data.
func (t *Timer) Total(prefix string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum time.Duration
	for k, v := range t.timings {
		if strings.HasPrefix(k, prefix) {
			sum += v
		}
	}
	return sum
}

// Phase collects the section named phase and its direct children into a
// PhaseTiming. Child keys are stored relative to the phase.
func (t *Timer) Phase(phase string) domain.PhaseTiming {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt := domain.PhaseTiming{
		Phase:     phase,
		Total:     t.timings[phase],
		Intervals: make(map[string]time.Duration),
	}
	prefix := phase + "_"
	for k, v := range t.timings {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			pt.Intervals[rest] = v
		}
	}
	return pt
}

// Reset clears all recorded sections.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.path = nil
	t.order = nil
	t.timings = make(map[string]time.Duration)
}

// Format renders the sections as an indented listing for debug logs.
func (t *Timer) Format() string {
	t.mu.Lock()
	keys := append([]string(nil), t.order...)
	timings := make(map[string]time.Duration, len(t.timings))
	for k, v := range t.timings {
		timings[k] = v
	}
	t.mu.Unlock()

	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "timing summary for %q:", t.name)
	for _, k := range keys {
		level := strings.Count(k, "_")
		fmt.Fprintf(&b, "\n%s%s: %.3fs", strings.Repeat("  ", level), k, timings[k].Seconds())
	}
	return b.String()
}
