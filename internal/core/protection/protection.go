package protection

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/gpushare/internal/core/access"
	"github.com/viperadnan-git/gpushare/internal/core/event"
	"github.com/viperadnan-git/gpushare/internal/core/monitor"
)

// Violation is one user running processes on a GPU reserved by someone
// else.
type Violation struct {
	Hostname         string
	DeviceUUID       string
	DeviceName       string
	DeviceIndex      int
	ReservationID    int64
	ReservationOwner string
	ReservationEnd   time.Time
	Intruder         string
	PIDs             []int
}

// ViolationHandler reacts to a detected violation. Handlers must tolerate
// being called again for the same violation on the next check.
type ViolationHandler interface {
	Name() string
	Handle(ctx context.Context, v Violation) error
}

type ReservationStore interface {
	ActiveReservations(ctx context.Context, now time.Time) ([]access.Reservation, error)
}

type Options struct {
	// IgnoredCommands are GPU processes that never count as a violation,
	// typically the display server.
	IgnoredCommands []string
	// Interval is the minimum time between two checks.
	Interval time.Duration
}

// Service compares the latest snapshot against the reservations in force
// and hands every violation to its handlers.
type Service struct {
	store    ReservationStore
	handlers []ViolationHandler
	ignored  map[string]struct{}
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	lastCheck time.Time
}

func NewService(store ReservationStore, handlers []ViolationHandler, opts Options) *Service {
	ignored := make(map[string]struct{}, len(opts.IgnoredCommands))
	for _, c := range opts.IgnoredCommands {
		ignored[c] = struct{}{}
	}
	return &Service{
		store:    store,
		handlers: handlers,
		ignored:  ignored,
		interval: opts.Interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Check finds the violations in snap and runs every handler on each of
// them. A failing handler does not stop the others.
func (s *Service) Check(ctx context.Context, snap monitor.Snapshot) ([]Violation, error) {
	now := s.now()
	reservations, err := s.store.ActiveReservations(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("active reservations: %w", err)
	}

	violations := Find(snap, reservations, s.ignored)
	for _, v := range violations {
		for _, h := range s.handlers {
			if err := h.Handle(ctx, v); err != nil {
				log.Error().Err(err).
					Str("handler", h.Name()).
					Str("host", v.Hostname).
					Str("intruder", v.Intruder).
					Msg("violation handler failed")
			}
		}
	}
	return violations, nil
}

// due reports whether the interval since the last check has passed, and
// starts a new one if so.
func (s *Service) due() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !s.lastCheck.IsZero() && now.Sub(s.lastCheck) < s.interval {
		return false
	}
	s.lastCheck = now
	return true
}

// Subscribe checks every collected snapshot, at most once per interval.
func (s *Service) Subscribe(bus event.Bus) (unsubscribe func()) {
	return bus.Subscribe(event.EventSnapshotCollected, func(ctx context.Context, e event.Event) error {
		payload, ok := e.Payload.(event.SnapshotEvent)
		if !ok {
			return nil
		}
		snap, ok := payload.Snapshot.(monitor.Snapshot)
		if !ok || len(snap) == 0 || !s.due() {
			return nil
		}
		_, err := s.Check(ctx, snap)
		return err
	})
}

// Find returns, per active reservation, every process owner on the reserved
// GPU other than the reservation owner. Reservations on GPUs missing from
// the snapshot, or whose owner name is unknown, are skipped.
func Find(snap monitor.Snapshot, reservations []access.Reservation, ignored map[string]struct{}) []Violation {
	var out []Violation
	for _, r := range reservations {
		if r.Cancelled {
			continue
		}
		host, dev, ok := snap.Device(r.ResourceID)
		if !ok {
			continue
		}
		if r.UserName == "" {
			log.Warn().Int64("reservation_id", r.ID).Msg("reservation owner unknown, skipping protection")
			continue
		}

		pids := make(map[string][]int)
		for _, p := range dev.Processes {
			if _, skip := ignored[p.Command]; skip || p.Owner == "" || p.Owner == r.UserName {
				continue
			}
			if !slices.Contains(pids[p.Owner], p.PID) {
				pids[p.Owner] = append(pids[p.Owner], p.PID)
			}
		}

		intruders := make([]string, 0, len(pids))
		for owner := range pids {
			intruders = append(intruders, owner)
		}
		sort.Strings(intruders)
		for _, intruder := range intruders {
			ps := pids[intruder]
			sort.Ints(ps)
			out = append(out, Violation{
				Hostname:         host,
				DeviceUUID:       r.ResourceID,
				DeviceName:       dev.Name,
				DeviceIndex:      dev.Index,
				ReservationID:    r.ID,
				ReservationOwner: r.UserName,
				ReservationEnd:   r.End,
				Intruder:         intruder,
				PIDs:             ps,
			})
		}
	}
	return out
}
