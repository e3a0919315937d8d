package util

import (
	"fmt"
	"time"
)

// SessionWindow is a named daily trading window in an exchange's local
// time. End may be earlier than Start, in which case the window crosses
// midnight.
type SessionWindow struct {
	Name  string
	Start time.Duration // offset from local midnight
	End   time.Duration
}

// ParseSessionWindow builds a window from "HH:MM" bounds.
func ParseSessionWindow(name, start, end string) (SessionWindow, error) {
	s, err := parseClock(start)
	if err != nil {
		return SessionWindow{}, fmt.Errorf("session %s start: %w", name, err)
	}
	e, err := parseClock(end)
	if err != nil {
		return SessionWindow{}, fmt.Errorf("session %s end: %w", name, err)
	}
	return SessionWindow{Name: name, Start: s, End: e}, nil
}

// MustSessionWindow is ParseSessionWindow for package-level tables.
func MustSessionWindow(name, start, end string) SessionWindow {
	w, err := ParseSessionWindow(name, start, end)
	if err != nil {
		panic(err)
	}
	return w
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// contains reports whether offset (from local midnight) is inside [Start, End).
func (w SessionWindow) contains(offset time.Duration) bool {
	if w.Start <= w.End {
		return offset >= w.Start && offset < w.End
	}
	return offset >= w.Start || offset < w.End
}

// SessionSchedule resolves wall-clock instants to an exchange's published
// trading session.
type SessionSchedule struct {
	loc     *time.Location
	windows []SessionWindow
}

// NewSessionSchedule creates a schedule evaluated in loc. Windows are
// checked in order; the first match wins.
func NewSessionSchedule(loc *time.Location, windows ...SessionWindow) *SessionSchedule {
	if loc == nil {
		loc = time.UTC
	}
	return &SessionSchedule{loc: loc, windows: windows}
}

// Active returns the window covering t, if any.
func (s *SessionSchedule) Active(t time.Time) (SessionWindow, bool) {
	local := t.In(s.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	offset := local.Sub(midnight)
	for _, w := range s.windows {
		if w.contains(offset) {
			return w, true
		}
	}
	return SessionWindow{}, false
}

// In reports whether t falls inside the window called name.
func (s *SessionSchedule) In(name string, t time.Time) bool {
	w, ok := s.Active(t)
	return ok && w.Name == name
}
