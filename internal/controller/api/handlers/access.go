package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/viperadnan-git/gpushare/internal/core/access"
	"github.com/viperadnan-git/gpushare/internal/core/event"
)

// ReservationValidator checks a reservation before the collaborator saves
// it.
type ReservationValidator interface {
	Validate(ctx context.Context, r access.Reservation) error
}

type AccessHandler struct {
	validator ReservationValidator
	bus       event.Bus
}

func NewAccessHandler(validator ReservationValidator, bus event.Bus) *AccessHandler {
	return &AccessHandler{validator: validator, bus: bus}
}

type ValidateReservationInput struct {
	Body struct {
		ID         int64     `json:"id,omitempty" doc:"Existing reservation ID when editing"`
		UserID     int64     `json:"user_id" minimum:"1" doc:"Reserving user"`
		ResourceID string    `json:"resource_id" minLength:"1" doc:"GPU UUID"`
		Start      time.Time `json:"start" doc:"Start, inclusive"`
		End        time.Time `json:"end" doc:"End, exclusive"`
	}
}

func (h *AccessHandler) ValidateReservation(ctx context.Context, input *ValidateReservationInput) (*MsgOutput, error) {
	r := access.Reservation{
		ID:         input.Body.ID,
		UserID:     input.Body.UserID,
		ResourceID: input.Body.ResourceID,
		Start:      input.Body.Start.UTC(),
		End:        input.Body.End.UTC(),
	}
	if err := h.validator.Validate(ctx, r); err != nil {
		return nil, statusError(err)
	}
	return Msg("reservation is valid"), nil
}

type RestrictionChangedInput struct {
	ID   int64 `path:"id" minimum:"1" doc:"Restriction ID"`
	Body struct {
		Widened bool    `json:"widened" doc:"True when the change can only grant access"`
		UserIDs []int64 `json:"user_ids,omitempty" doc:"Users unassigned by the change"`
	}
}

// RestrictionChanged triggers reservation reconciliation for everyone the
// restriction reaches.
func (h *AccessHandler) RestrictionChanged(ctx context.Context, input *RestrictionChangedInput) (*MsgOutput, error) {
	err := h.bus.Publish(ctx, event.Event{
		Type: event.EventRestrictionChanged,
		Payload: event.RestrictionEvent{
			RestrictionID: input.ID,
			UserIDs:       input.Body.UserIDs,
			Widened:       input.Body.Widened,
		},
	})
	if err != nil {
		return nil, huma.Error500InternalServerError(err.Error())
	}
	return Msg("reservations reconciled"), nil
}
