package candles

import (
	"time"

	"tradegate/internal/domain"
)

// Interval is a supported candle width. Daily intervals are calendar days
// in the engine's location; sub-day intervals are fixed durations measured
// from local midnight.
type Interval struct {
	Name string
	Step time.Duration
	Days int
}

var intervals = map[string]Interval{
	"1m":  {Name: "1m", Step: time.Minute},
	"5m":  {Name: "5m", Step: 5 * time.Minute},
	"15m": {Name: "15m", Step: 15 * time.Minute},
	"30m": {Name: "30m", Step: 30 * time.Minute},
	"1h":  {Name: "1h", Step: time.Hour},
	"4h":  {Name: "4h", Step: 4 * time.Hour},
	"1d":  {Name: "1d", Days: 1},
}

// ParseInterval looks up name. Unknown names fail with
// *domain.InvalidIntervalError.
func ParseInterval(name string) (Interval, error) {
	iv, ok := intervals[name]
	if !ok {
		return Interval{}, &domain.InvalidIntervalError{Interval: name}
	}
	return iv, nil
}

// Daily reports whether the interval spans whole calendar days.
func (iv Interval) Daily() bool { return iv.Days > 0 }

// Align truncates t to the start of the interval containing it.
func (iv Interval) Align(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	if iv.Daily() {
		return midnight
	}
	return midnight.Add(lt.Sub(midnight) / iv.Step * iv.Step)
}

// Add moves t by n intervals.
func (iv Interval) Add(t time.Time, n int) time.Time {
	if iv.Daily() {
		return t.AddDate(0, 0, n*iv.Days)
	}
	return t.Add(time.Duration(n) * iv.Step)
}

// CloseTime returns the close time of the candle opening at open, one
// millisecond before the next candle opens.
func (iv Interval) CloseTime(open time.Time) time.Time {
	return iv.Add(open, 1).Add(-time.Millisecond)
}

// Steps counts aligned open times in [from, to].
func (iv Interval) Steps(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	n := 0
	for t := from; !t.After(to); t = iv.Add(t, 1) {
		n++
	}
	return n
}
