// Package timing measures named stages of a request or unit of work.
package timing

import (
	"sync"
	"time"
)

// Stage names shared by the router and the worker.
const (
	StageSetup     = "setup"
	StageRetrieval = "retrieval"
	StageCompose   = "compose"
	StageTotal     = "total"
)

// Stopwatch accumulates elapsed time per stage. A stage measured twice adds
// up. Stopwatch is safe for concurrent use.
type Stopwatch struct {
	mu     sync.Mutex
	now    func() time.Time
	start  time.Time
	stages map[string]time.Duration
	order  []string
}

// Start returns a running stopwatch.
func Start() *Stopwatch {
	return StartWithClock(time.Now)
}

// StartWithClock is Start with an injectable clock.
func StartWithClock(now func() time.Time) *Stopwatch {
	if now == nil {
		now = time.Now
	}
	return &Stopwatch{
		now:    now,
		start:  now(),
		stages: make(map[string]time.Duration),
	}
}

// Stage starts measuring name and returns the function that stops it.
//
//	done := sw.Stage(timing.StageRetrieval)
//	sources, err := search(ctx)
//	done()
func (s *Stopwatch) Stage(name string) func() {
	begin := s.now()
	var once sync.Once
	return func() {
		once.Do(func() { s.add(name, s.now().Sub(begin)) })
	}
}

// Measure runs fn as stage name.
func (s *Stopwatch) Measure(name string, fn func() error) error {
	done := s.Stage(name)
	defer done()
	return fn()
}

func (s *Stopwatch) add(name string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stages[name]; !ok {
		s.order = append(s.order, name)
	}
	s.stages[name] += d
}

// Elapsed is the time since the stopwatch started.
func (s *Stopwatch) Elapsed() time.Duration {
	return s.now().Sub(s.start)
}

// Get returns the accumulated time of one stage.
func (s *Stopwatch) Get(name string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stages[name]
}

// Timings is the per-stage time in milliseconds, total included.
type Timings map[string]int64

// Snapshot returns every measured stage plus StageTotal.
func (s *Stopwatch) Snapshot() Timings {
	total := s.Elapsed()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Timings, len(s.stages)+1)
	for _, name := range s.order {
		out[name] = s.stages[name].Milliseconds()
	}
	out[StageTotal] = total.Milliseconds()
	return out
}

// Stages lists measured stage names in the order they were first measured.
func (s *Stopwatch) Stages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}
