// Package clock provides the time service shared by the history and sync layers.
package clock

import (
	"sync"
	"time"

	"github.com/breathsync/breathsync/internal/model"
)

// TimeService is the application's notion of "now".
type TimeService interface {
	Now() time.Time
	Today() model.Date
	TimezoneOffsetMinutes() int
}

// System reads the wall clock in a fixed location.
type System struct {
	loc *time.Location
}

// NewSystem returns a wall clock in loc (time.Local when nil).
func NewSystem(loc *time.Location) *System {
	if loc == nil {
		loc = time.Local
	}
	return &System{loc: loc}
}

func (s *System) Now() time.Time { return time.Now().In(s.loc) }

func (s *System) Today() model.Date { return model.DateOf(s.Now()) }

func (s *System) TimezoneOffsetMinutes() int {
	_, offset := s.Now().Zone()
	return offset / 60
}

// Fixed is a settable clock for tests and replays.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixed returns a clock frozen at now.
func NewFixed(now time.Time) *Fixed {
	return &Fixed{now: now}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fixed) Today() model.Date { return model.DateOf(f.Now()) }

func (f *Fixed) TimezoneOffsetMinutes() int {
	_, offset := f.Now().Zone()
	return offset / 60
}

// Set moves the clock to now.
func (f *Fixed) Set(now time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
