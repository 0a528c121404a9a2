package access

import (
	"context"
	"fmt"
	"time"
)

// Verifier decides whether a user may hold a resource for an interval.
type Verifier interface {
	Name() string
	IsAllowed(ctx context.Context, userID int64, resourceID string, iv Interval) (bool, error)
}

// RestrictionStore returns every restriction reaching the user: global
// ones, direct assignments and assignments through the user's groups.
// Restrictions that ended at or before endingAfter may be left out.
type RestrictionStore interface {
	UserRestrictions(ctx context.Context, userID int64, endingAfter time.Time) ([]Restriction, error)
}

// WindowVerifier evaluates restriction date ranges and weekly schedules.
type WindowVerifier struct {
	store RestrictionStore
}

func NewWindowVerifier(store RestrictionStore) *WindowVerifier {
	return &WindowVerifier{store: store}
}

func (v *WindowVerifier) Name() string { return "window" }

func (v *WindowVerifier) IsAllowed(ctx context.Context, userID int64, resourceID string, iv Interval) (bool, error) {
	all, err := v.store.UserRestrictions(ctx, userID, iv.Start)
	if err != nil {
		return false, fmt.Errorf("load restrictions for user %d: %w", userID, err)
	}
	applicable := all[:0:0]
	for _, r := range all {
		if r.coversResource(resourceID) {
			applicable = append(applicable, r)
		}
	}
	return Allowed(applicable, iv), nil
}

// OpenVerifier allows everything, for clusters run without policies.
type OpenVerifier struct{}

func (OpenVerifier) Name() string { return "open" }

func (OpenVerifier) IsAllowed(context.Context, int64, string, Interval) (bool, error) {
	return true, nil
}

// NewVerifier selects a verifier by its configured name.
func NewVerifier(name string, store RestrictionStore) (Verifier, error) {
	switch name {
	case "", "window":
		return NewWindowVerifier(store), nil
	case "open":
		return OpenVerifier{}, nil
	}
	return nil, fmt.Errorf("unknown verifier %q", name)
}
