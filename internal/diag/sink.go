// Package diag provides the diagnostics sink every core component is
// constructed with (spec.md §9 "Global state" design note): no
// component owns a logger or a static/singleton diagnostics path.
//
// The RT thread (streamer.Streamer.WaitForPeriod and everything it calls)
// must never allocate or block on I/O. Sink.Warnf/Debugf/Counter are
// safe to call from that thread: they format into a pre-sized ring
// buffer under a short-held mutex and return; the actual write to the
// logger happens on a separate goroutine drained by Run.
package diag

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sink is the collaborator every isodev.Connection, am824 codec call,
// and streamer.Streamer takes at construction.
type Sink interface {
	// Warnf records a non-fatal protocol/flow condition (spec.md §7
	// kinds Protocol/Flow/Timing): logged and counted, never fatal.
	Warnf(format string, args ...any)

	// Debugf records a verbose diagnostic line (e.g. the streamer's
	// period-start predictor drift); callers do not gate it on any
	// debug flag.
	Debugf(format string, args ...any)

	// Counter increments a named counter (e.g. "isodev.timeout",
	// "am824.catchup", "am824.midi_overflow") by delta.
	Counter(name string, delta int64)
}

// entry is one buffered diagnostic line.
type entry struct {
	at   time.Time
	line string
}

// RingSink is the default Sink: a fixed-capacity ring buffer drained
// by Run at a rate capped by golang.org/x/time/rate, so a storm of
// protocol errors from a misbehaving device cannot monopolize the
// process's I/O the way an unbounded log write could.
type RingSink struct {
	mu       sync.Mutex
	buf      []entry
	head     int
	size     int
	dropped  int64
	counters map[string]int64

	limiter *rate.Limiter
	logger  *log.Logger
}

// NewRingSink creates a RingSink with room for capacity buffered lines
// and a drain rate of at most linesPerSecond (burst 2x), logging
// through logger (log.Default() if nil).
func NewRingSink(capacity int, linesPerSecond float64, logger *log.Logger) *RingSink {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RingSink{
		buf:      make([]entry, capacity),
		counters: make(map[string]int64),
		limiter:  rate.NewLimiter(rate.Limit(linesPerSecond), int(linesPerSecond*2)+1),
		logger:   logger,
	}
}

func (s *RingSink) push(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cap := len(s.buf)
	if s.size == cap {
		// Ring full: drop the oldest line and count it, rather than
		// growing (no allocation on the hot path).
		s.head = (s.head + 1) % cap
		s.dropped++
		s.size--
	}
	idx := (s.head + s.size) % cap
	s.buf[idx] = entry{at: time.Now(), line: line}
	s.size++
}

func (s *RingSink) Warnf(format string, args ...any) {
	s.push("WARN " + fmt.Sprintf(format, args...))
}

func (s *RingSink) Debugf(format string, args ...any) {
	s.push("DEBUG " + fmt.Sprintf(format, args...))
}

func (s *RingSink) Counter(name string, delta int64) {
	s.mu.Lock()
	s.counters[name] += delta
	s.mu.Unlock()
}

// Counters returns a snapshot of all named counters.
func (s *RingSink) Counters() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// Dropped returns the number of lines evicted from the ring before
// being drained (i.e. the process logged faster than Run could keep
// up, even after rate limiting).
func (s *RingSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run drains buffered lines to the logger until ctx is cancelled,
// pacing itself with the configured rate limiter. Every summaryPeriod
// it also logs a one-line counter snapshot, the same role the
// teacher's continuity-error/discontinuity counters play when drained
// into a single periodic log.Printf summary rather than one line per
// event.
func (s *RingSink) Run(ctx context.Context) {
	const summaryPeriod = 30 * time.Second
	nextSummary := time.Now().Add(summaryPeriod)
	summary := countersString{s: s}
	for {
		line, ok := s.pop()
		if !ok {
			if time.Now().After(nextSummary) {
				s.logger.Printf("diag: counters %s", summary)
				nextSummary = time.Now().Add(summaryPeriod)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		s.logger.Print(line)
	}
}

func (s *RingSink) pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 {
		return "", false
	}
	e := s.buf[s.head]
	s.head = (s.head + 1) % len(s.buf)
	s.size--
	return e.line, true
}

// Noop is a Sink that discards everything; useful in tests.
type Noop struct{}

func (Noop) Warnf(string, ...any)   {}
func (Noop) Debugf(string, ...any)  {}
func (Noop) Counter(string, int64) {}
