package access

import (
	"slices"
	"time"
)

// Interval is the half-open UTC range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func (i Interval) Duration() time.Duration { return i.End.Sub(i.Start) }

// Overlaps reports whether the two half-open intervals share an instant.
// Touching intervals do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Contains reports whether t falls inside the interval.
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

type Reservation struct {
	ID         int64
	UserID     int64
	UserName   string
	ResourceID string
	Title      string
	Start      time.Time
	End        time.Time
	Cancelled  bool
}

func (r Reservation) Interval() Interval { return Interval{Start: r.Start, End: r.End} }

// Restriction grants access during [StartsAt, EndsAt), or indefinitely when
// EndsAt is nil. With schedules it only grants access inside their windows.
type Restriction struct {
	ID          int64
	Name        string
	StartsAt    time.Time
	EndsAt      *time.Time
	Global      bool
	UserIDs     []int64
	GroupIDs    []int64
	ResourceIDs []string
	Schedules   []Schedule
}

// coversResource reports whether the restriction is global or assigned to
// the resource.
func (r Restriction) coversResource(resourceID string) bool {
	return r.Global || slices.Contains(r.ResourceIDs, resourceID)
}

// Schedule is a weekly recurring window in UTC. Hours are minutes since
// midnight. HourStart > HourEnd wraps past midnight into the next day.
type Schedule struct {
	ID        int64
	Days      []time.Weekday
	HourStart int
	HourEnd   int
}

const (
	minutesPerDay = 24 * 60
	// lastMinute is the conventional "until end of day" end hour (23:59).
	lastMinute = minutesPerDay - 1
)

// ParseDays converts the 1 (Monday) .. 7 (Sunday) digit notation used in
// the restriction schema.
func ParseDays(s string) ([]time.Weekday, bool) {
	var days []time.Weekday
	for _, c := range s {
		if c < '1' || c > '7' {
			return nil, false
		}
		d := time.Weekday((c - '0') % 7)
		if slices.Contains(days, d) {
			return nil, false
		}
		days = append(days, d)
	}
	return days, len(days) > 0
}

// FormatDays is the inverse of ParseDays.
func FormatDays(days []time.Weekday) string {
	b := make([]byte, 0, len(days))
	for _, d := range days {
		n := int(d)
		if n == 0 {
			n = 7
		}
		b = append(b, byte('0'+n))
	}
	return string(b)
}
