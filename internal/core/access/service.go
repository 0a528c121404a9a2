package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/gpushare/internal/core/event"
)

type ReservationStore interface {
	// UserReservations returns the user's reservations ending after the
	// given instant, cancelled ones included.
	UserReservations(ctx context.Context, userID int64, endingAfter time.Time) ([]Reservation, error)
	// ResourceReservations returns non-cancelled reservations on the
	// resource overlapping iv.
	ResourceReservations(ctx context.Context, resourceID string, iv Interval) ([]Reservation, error)
	SetReservationCancelled(ctx context.Context, id int64, cancelled bool) error
	// RestrictionUsers returns every user a restriction reaches. For a
	// global restriction that is every user.
	RestrictionUsers(ctx context.Context, restrictionID int64) ([]int64, error)
}

type Policy struct {
	MinDuration time.Duration
	MaxDuration time.Duration
}

type Reason string

const (
	ReasonInvalidInterval Reason = "invalid_interval"
	ReasonTooShort        Reason = "too_short"
	ReasonTooLong         Reason = "too_long"
	ReasonCollision       Reason = "collision"
	ReasonNotAllowed      Reason = "not_allowed"
)

// RejectedError explains why a reservation cannot be saved.
type RejectedError struct {
	Reason     Reason
	ConflictID int64
}

func (e *RejectedError) Error() string {
	if e.Reason == ReasonCollision {
		return fmt.Sprintf("reservation rejected: collides with reservation %d", e.ConflictID)
	}
	return "reservation rejected: " + string(e.Reason)
}

// Service owns reservation validity. It is the only writer of the
// reservation cancellation flag.
type Service struct {
	verifier Verifier
	store    ReservationStore
	policy   Policy
	now      func() time.Time
}

func NewService(verifier Verifier, store ReservationStore, policy Policy) *Service {
	return &Service{
		verifier: verifier,
		store:    store,
		policy:   policy,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Verifier() Verifier { return s.verifier }

func (s *Service) IsAllowed(ctx context.Context, userID int64, resourceID string, iv Interval) (bool, error) {
	return s.verifier.IsAllowed(ctx, userID, resourceID, iv)
}

// Validate checks a reservation before it is saved: bounds, collisions,
// then restrictions. Nothing is written.
func (s *Service) Validate(ctx context.Context, r Reservation) error {
	iv := r.Interval()
	switch d := iv.Duration(); {
	case d <= 0:
		return &RejectedError{Reason: ReasonInvalidInterval}
	case s.policy.MinDuration > 0 && d < s.policy.MinDuration:
		return &RejectedError{Reason: ReasonTooShort}
	case s.policy.MaxDuration > 0 && d > s.policy.MaxDuration:
		return &RejectedError{Reason: ReasonTooLong}
	}

	if id, err := s.collision(ctx, r); err != nil {
		return err
	} else if id != 0 {
		return &RejectedError{Reason: ReasonCollision, ConflictID: id}
	}

	ok, err := s.verifier.IsAllowed(ctx, r.UserID, r.ResourceID, iv)
	if err != nil {
		return err
	}
	if !ok {
		return &RejectedError{Reason: ReasonNotAllowed}
	}
	return nil
}

// collision returns the id of a live reservation overlapping r, or 0.
func (s *Service) collision(ctx context.Context, r Reservation) (int64, error) {
	others, err := s.store.ResourceReservations(ctx, r.ResourceID, r.Interval())
	if err != nil {
		return 0, fmt.Errorf("load reservations for %s: %w", r.ResourceID, err)
	}
	for _, o := range others {
		if o.ID != r.ID && !o.Cancelled && o.Interval().Overlaps(r.Interval()) {
			return o.ID, nil
		}
	}
	return 0, nil
}

// Reconcile re-evaluates the user's upcoming and ongoing reservations after
// a policy change. Widened permissions can only revive cancelled
// reservations; shrunk permissions can only cancel live ones. Running it
// twice yields the same state.
func (s *Service) Reconcile(ctx context.Context, userID int64, widened bool) (changed int, err error) {
	reservations, err := s.store.UserReservations(ctx, userID, s.now())
	if err != nil {
		return 0, fmt.Errorf("load reservations for user %d: %w", userID, err)
	}

	for _, r := range reservations {
		if widened != r.Cancelled {
			continue
		}
		ok, err := s.verifier.IsAllowed(ctx, userID, r.ResourceID, r.Interval())
		if err != nil {
			return changed, err
		}

		if widened {
			if !ok {
				continue
			}
			conflict, err := s.collision(ctx, r)
			if err != nil {
				return changed, err
			}
			if conflict != 0 {
				continue
			}
		} else if ok {
			continue
		}

		if err := s.store.SetReservationCancelled(ctx, r.ID, !widened); err != nil {
			return changed, fmt.Errorf("update reservation %d: %w", r.ID, err)
		}
		changed++
		log.Info().Int64("reservation_id", r.ID).Int64("user_id", userID).Bool("cancelled", !widened).Msg("reservation status reconciled")
	}
	return changed, nil
}

// ReconcileRestriction reconciles every user a restriction reaches.
// extraUsers covers users that lost an assignment and are no longer
// returned by the store.
func (s *Service) ReconcileRestriction(ctx context.Context, restrictionID int64, widened bool, extraUsers ...int64) error {
	users, err := s.store.RestrictionUsers(ctx, restrictionID)
	if err != nil {
		return fmt.Errorf("load users of restriction %d: %w", restrictionID, err)
	}
	seen := make(map[int64]bool, len(users)+len(extraUsers))
	var errs []error
	for _, u := range append(users, extraUsers...) {
		if seen[u] {
			continue
		}
		seen[u] = true
		if _, err := s.Reconcile(ctx, u, widened); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe reconciles on every restriction change event.
func (s *Service) Subscribe(bus event.Bus) (unsubscribe func()) {
	return bus.Subscribe(event.EventRestrictionChanged, func(ctx context.Context, e event.Event) error {
		payload, ok := e.Payload.(event.RestrictionEvent)
		if !ok {
			return nil
		}
		return s.ReconcileRestriction(ctx, payload.RestrictionID, payload.Widened, payload.UserIDs...)
	})
}
