// Package schedule drives frame loops through a single tick entry point so the
// preview and export loops can run against a real refresh source or against
// synthetic time in tests and offline renders.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts wall-clock reads.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// ManualClock only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TickFunc is called once per scheduled frame with the time elapsed since Run
// started. Returning done or an error ends the run.
type TickFunc func(elapsed time.Duration) (done bool, err error)

// Scheduler invokes a TickFunc repeatedly until it reports completion.
type Scheduler interface {
	Run(ctx context.Context, tick TickFunc) error
	Clock() Clock
}

// Realtime paces ticks with a ticker at Interval. Elapsed time is measured on
// the clock, not by counting ticks, so a slow consumer skips frames instead of
// stretching time.
type Realtime struct {
	Interval time.Duration
	clock    Clock
}

// NewRealtime returns a scheduler ticking at the given rate in Hz.
func NewRealtime(hz float64, clock Clock) *Realtime {
	if hz <= 0 {
		hz = 60
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Realtime{
		Interval: time.Duration(float64(time.Second) / hz),
		clock:    clock,
	}
}

func (s *Realtime) Clock() Clock { return s.clock }

func (s *Realtime) Run(ctx context.Context, tick TickFunc) error {
	start := s.clock.Now()
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		done, err := tick(s.clock.Now().Sub(start))
		if err != nil || done {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stepped advances a ManualClock by Step after every tick and never sleeps.
type Stepped struct {
	Step  time.Duration
	clock *ManualClock
}

// NewStepped returns a scheduler that simulates a loop at hz on clock.
func NewStepped(hz float64, clock *ManualClock) *Stepped {
	if hz <= 0 {
		hz = 60
	}
	if clock == nil {
		clock = NewManualClock(time.Unix(0, 0))
	}
	return &Stepped{
		Step:  time.Duration(float64(time.Second) / hz),
		clock: clock,
	}
}

func (s *Stepped) Clock() Clock { return s.clock }

func (s *Stepped) Run(ctx context.Context, tick TickFunc) error {
	start := s.clock.Now()
	for {
		done, err := tick(s.clock.Now().Sub(start))
		if err != nil || done {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.clock.Advance(s.Step)
	}
}
