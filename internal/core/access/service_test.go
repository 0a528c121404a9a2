package access

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viperadnan-git/gpushare/internal/core/event"
)

type memStore struct {
	restrictions []Restriction
	groups       map[int64][]int64
	reservations []Reservation
	users        []int64
	writes       int
}

func (m *memStore) UserRestrictions(_ context.Context, userID int64, endingAfter time.Time) ([]Restriction, error) {
	var out []Restriction
	for _, r := range m.restrictions {
		if r.EndsAt != nil && !r.EndsAt.After(endingAfter) {
			continue
		}
		if m.reaches(r, userID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) reaches(r Restriction, userID int64) bool {
	if r.Global || slices.Contains(r.UserIDs, userID) {
		return true
	}
	for _, g := range m.groups[userID] {
		if slices.Contains(r.GroupIDs, g) {
			return true
		}
	}
	return false
}

func (m *memStore) UserReservations(_ context.Context, userID int64, after time.Time) ([]Reservation, error) {
	var out []Reservation
	for _, r := range m.reservations {
		if r.UserID == userID && r.End.After(after) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ResourceReservations(_ context.Context, resourceID string, i Interval) ([]Reservation, error) {
	var out []Reservation
	for _, r := range m.reservations {
		if r.ResourceID == resourceID && !r.Cancelled && r.Interval().Overlaps(i) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) SetReservationCancelled(_ context.Context, id int64, cancelled bool) error {
	for i := range m.reservations {
		if m.reservations[i].ID == id {
			m.reservations[i].Cancelled = cancelled
			m.writes++
		}
	}
	return nil
}

func (m *memStore) RestrictionUsers(_ context.Context, restrictionID int64) ([]int64, error) {
	var out []int64
	for _, r := range m.restrictions {
		if r.ID != restrictionID {
			continue
		}
		for _, u := range m.users {
			if m.reaches(r, u) {
				out = append(out, u)
			}
		}
	}
	return out, nil
}

func newTestService(store *memStore, now time.Time) *Service {
	s := NewService(NewWindowVerifier(store), store, Policy{MinDuration: 30 * time.Minute, MaxDuration: 8 * 24 * time.Hour})
	s.now = func() time.Time { return now }
	return s
}

func TestValidateScenario(t *testing.T) {
	T := at(0, 8, 0)
	store := &memStore{restrictions: []Restriction{
		{ID: 1, StartsAt: T, EndsAt: ptr(T.Add(8 * time.Hour)), UserIDs: []int64{10}, ResourceIDs: []string{"GPU-R"}},
	}}
	s := newTestService(store, T)
	ctx := context.Background()

	require.NoError(t, s.Validate(ctx, Reservation{UserID: 10, ResourceID: "GPU-R", Start: T.Add(time.Hour), End: T.Add(2 * time.Hour)}))

	err := s.Validate(ctx, Reservation{UserID: 10, ResourceID: "GPU-R", Start: T.Add(7 * time.Hour), End: T.Add(9 * time.Hour)})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, ReasonNotAllowed, rejected.Reason)

	err = s.Validate(ctx, Reservation{UserID: 10, ResourceID: "GPU-OTHER", Start: T.Add(time.Hour), End: T.Add(2 * time.Hour)})
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, ReasonNotAllowed, rejected.Reason, "restriction not assigned to resource")
}

func TestValidateOrder(t *testing.T) {
	T := at(0, 8, 0)
	store := &memStore{
		restrictions: []Restriction{{ID: 1, Global: true, StartsAt: T}},
		reservations: []Reservation{{ID: 5, UserID: 11, ResourceID: "GPU-R", Start: T.Add(time.Hour), End: T.Add(2 * time.Hour)}},
	}
	s := newTestService(store, T)
	ctx := context.Background()

	tests := []struct {
		name string
		res  Reservation
		want Reason
	}{
		{"inverted", Reservation{ResourceID: "GPU-R", Start: T.Add(time.Hour), End: T}, ReasonInvalidInterval},
		{"too short", Reservation{ResourceID: "GPU-R", Start: T, End: T.Add(29 * time.Minute)}, ReasonTooShort},
		{"too long", Reservation{ResourceID: "GPU-R", Start: T, End: T.Add(8*24*time.Hour + time.Minute)}, ReasonTooLong},
		{"collision", Reservation{ResourceID: "GPU-R", Start: T.Add(90 * time.Minute), End: T.Add(3 * time.Hour)}, ReasonCollision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rejected *RejectedError
			require.ErrorAs(t, s.Validate(ctx, tt.res), &rejected)
			assert.Equal(t, tt.want, rejected.Reason)
		})
	}

	t.Run("touching is not a collision", func(t *testing.T) {
		assert.NoError(t, s.Validate(ctx, Reservation{UserID: 12, ResourceID: "GPU-R", Start: T.Add(2 * time.Hour), End: T.Add(3 * time.Hour)}))
	})

	t.Run("updating itself is not a collision", func(t *testing.T) {
		assert.NoError(t, s.Validate(ctx, Reservation{ID: 5, UserID: 11, ResourceID: "GPU-R", Start: T.Add(time.Hour), End: T.Add(3 * time.Hour)}))
	})
}

func TestReconcile(t *testing.T) {
	now := at(0, 0, 0)
	store := &memStore{
		groups: map[int64][]int64{10: {7}},
		restrictions: []Restriction{
			{ID: 1, StartsAt: now, EndsAt: ptr(now.Add(24 * time.Hour)), GroupIDs: []int64{7}, ResourceIDs: []string{"GPU-R"}},
		},
		reservations: []Reservation{
			{ID: 1, UserID: 10, ResourceID: "GPU-R", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour), Cancelled: true},
			{ID: 2, UserID: 10, ResourceID: "GPU-R", Start: now.Add(30 * time.Hour), End: now.Add(31 * time.Hour)},
			{ID: 3, UserID: 10, ResourceID: "GPU-R", Start: now.Add(-3 * time.Hour), End: now.Add(-2 * time.Hour), Cancelled: true},
			{ID: 4, UserID: 10, ResourceID: "GPU-R", Start: now.Add(3 * time.Hour), End: now.Add(4 * time.Hour), Cancelled: true},
			{ID: 5, UserID: 11, ResourceID: "GPU-R", Start: now.Add(3 * time.Hour), End: now.Add(5 * time.Hour)},
		},
	}
	s := newTestService(store, now)
	ctx := context.Background()

	changed, err := s.Reconcile(ctx, 10, true)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.False(t, store.reservations[0].Cancelled, "allowed and free: revived")
	assert.False(t, store.reservations[1].Cancelled, "widening never cancels")
	assert.True(t, store.reservations[2].Cancelled, "expired reservations are left alone")
	assert.True(t, store.reservations[3].Cancelled, "collides with reservation 5")

	snapshot := slices.Clone(store.reservations)
	changed, err = s.Reconcile(ctx, 10, true)
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Equal(t, snapshot, store.reservations, "idempotent")

	changed, err = s.Reconcile(ctx, 10, false)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.True(t, store.reservations[1].Cancelled, "outside restriction range: cancelled")
	assert.False(t, store.reservations[0].Cancelled)
}

func TestReconcileOnRestrictionEvent(t *testing.T) {
	now := at(0, 0, 0)
	store := &memStore{
		users: []int64{10, 11},
		restrictions: []Restriction{
			{ID: 1, StartsAt: now, UserIDs: []int64{10}, ResourceIDs: []string{"GPU-R"}},
		},
		reservations: []Reservation{
			{ID: 1, UserID: 10, ResourceID: "GPU-R", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour), Cancelled: true},
			{ID: 2, UserID: 11, ResourceID: "GPU-R", Start: now.Add(3 * time.Hour), End: now.Add(4 * time.Hour)},
		},
	}
	s := newTestService(store, now)
	bus := event.NewBus()
	s.Subscribe(bus)

	require.NoError(t, bus.Publish(context.Background(), event.Event{
		Type:    event.EventRestrictionChanged,
		Payload: event.RestrictionEvent{RestrictionID: 1, Widened: true},
	}))
	assert.False(t, store.reservations[0].Cancelled)

	// User 11 lost an assignment; the store no longer links them.
	require.NoError(t, bus.Publish(context.Background(), event.Event{
		Type:    event.EventRestrictionChanged,
		Payload: event.RestrictionEvent{RestrictionID: 1, UserIDs: []int64{11}},
	}))
	assert.True(t, store.reservations[1].Cancelled)
	assert.False(t, store.reservations[0].Cancelled)
}

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier("open", nil)
	require.NoError(t, err)
	ok, err := v.IsAllowed(context.Background(), 1, "GPU", Interval{})
	require.NoError(t, err)
	assert.True(t, ok)

	v, err = NewVerifier("window", &memStore{})
	require.NoError(t, err)
	assert.Equal(t, "window", v.Name())

	_, err = NewVerifier("lottery", nil)
	assert.Error(t, err)
}

func TestReconcileKeepsReservationCoveredByExpiredRestriction(t *testing.T) {
	T := at(0, 12, 0)
	store := &memStore{
		restrictions: []Restriction{
			{ID: 1, StartsAt: T.Add(-3 * time.Hour), EndsAt: ptr(T.Add(-time.Hour)), UserIDs: []int64{10}, ResourceIDs: []string{"GPU-R"}},
			{ID: 2, StartsAt: T.Add(-time.Hour), UserIDs: []int64{10}, ResourceIDs: []string{"GPU-R"}},
		},
		reservations: []Reservation{
			{ID: 7, UserID: 10, ResourceID: "GPU-R", Start: T.Add(-2 * time.Hour), End: T.Add(2 * time.Hour)},
		},
	}
	s := newTestService(store, T)

	changed, err := s.Reconcile(context.Background(), 10, false)
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.False(t, store.reservations[0].Cancelled)
}
