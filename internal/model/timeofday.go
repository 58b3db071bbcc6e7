package model

import (
	"fmt"
	"time"
)

// TimeOfDay is seconds since local midnight. Schedule and photoperiod
// boundaries are stored in this form so wrap-around arithmetic stays in
// one place.
type TimeOfDay int

const SecondsPerDay = 24 * 60 * 60

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return TimeOfDay(h*3600 + m*60), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/3600, int(t)%3600/60)
}

// At returns the time-of-day for a wall clock instant.
func At(now time.Time) TimeOfDay {
	return TimeOfDay(now.Hour()*3600 + now.Minute()*60 + now.Second())
}

// Add returns t shifted by d, wrapped into [0, 24h).
func (t TimeOfDay) Add(d time.Duration) TimeOfDay {
	s := (int(t) + int(d/time.Second)) % SecondsPerDay
	if s < 0 {
		s += SecondsPerDay
	}
	return TimeOfDay(s)
}

// SinceStart returns the elapsed duration from start to t on the 24-hour
// circle, always in [0, 24h).
func (t TimeOfDay) SinceStart(start TimeOfDay) time.Duration {
	s := (int(t) - int(start) + SecondsPerDay) % SecondsPerDay
	return time.Duration(s) * time.Second
}

// InWindow reports whether t falls in [start, end), treating end <= start
// as a window that wraps midnight. start == end is the empty window.
func (t TimeOfDay) InWindow(start, end TimeOfDay) bool {
	if start == end {
		return false
	}
	if start < end {
		return t >= start && t < end
	}
	return t >= start || t < end
}
