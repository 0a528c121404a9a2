package access

import (
	"slices"
	"time"
)

// Allowed sweeps a cursor from iv.Start towards iv.End. At each step the
// cursor jumps to the furthest point any restriction keeps covering without
// a gap. The interval is allowed iff the cursor reaches iv.End. Every jump
// strictly advances the cursor, and jumps are bounded by window and
// restriction boundaries, so the sweep terminates for any interval length.
// restrictions must already be filtered to those applying to the user and
// resource.
func Allowed(restrictions []Restriction, iv Interval) bool {
	if !iv.Start.Before(iv.End) {
		return false
	}
	cursor := iv.Start.UTC()
	end := iv.End.UTC()

	for cursor.Before(end) {
		next := cursor
		for _, r := range restrictions {
			if until, ok := r.coveredUntil(cursor, end); ok && until.After(next) {
				next = until
			}
		}
		if !next.After(cursor) {
			return false
		}
		cursor = next
	}
	return true
}

// coveredUntil returns how far r keeps covering from t, capped at horizon.
func (r Restriction) coveredUntil(t, horizon time.Time) (time.Time, bool) {
	if t.Before(r.StartsAt) {
		return time.Time{}, false
	}
	limit := horizon
	if r.EndsAt != nil {
		if !t.Before(*r.EndsAt) {
			return time.Time{}, false
		}
		if r.EndsAt.Before(limit) {
			limit = *r.EndsAt
		}
	}
	if len(r.Schedules) == 0 {
		return limit, true
	}

	cur := t
	for cur.Before(limit) {
		next := cur
		for _, s := range r.Schedules {
			if until, ok := s.activeUntil(cur); ok && until.After(next) {
				next = until
			}
		}
		if !next.After(cur) {
			break
		}
		cur = next
	}
	if cur.After(limit) {
		cur = limit
	}
	return cur, cur.After(t)
}

// activeUntil returns the end of the window of s containing t.
func (s Schedule) activeUntil(t time.Time) (time.Time, bool) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	minute := t.Hour()*60 + t.Minute()

	start, end := s.HourStart, s.HourEnd
	if end == lastMinute {
		end = minutesPerDay
	}
	at := func(base time.Time, m int) time.Time { return base.Add(time.Duration(m) * time.Minute) }

	switch {
	case start < end:
		if s.on(t.Weekday()) && minute >= start && minute < end {
			return at(day, end), true
		}
	case start == end:
		// Zero-length hours mean the whole day.
		if s.on(t.Weekday()) {
			return day.AddDate(0, 0, 1), true
		}
	default:
		// Overnight: starts on a listed day, ends the next morning.
		if s.on(t.Weekday()) && minute >= start {
			return at(day.AddDate(0, 0, 1), end), true
		}
		if s.on((t.Weekday()+6)%7) && minute < end {
			return at(day, end), true
		}
	}
	return time.Time{}, false
}

func (s Schedule) on(d time.Weekday) bool { return slices.Contains(s.Days, d) }
