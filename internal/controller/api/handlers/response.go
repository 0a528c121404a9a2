package handlers

import (
	"errors"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/viperadnan-git/gpushare/internal/core/access"
	"github.com/viperadnan-git/gpushare/internal/core/job"
	"github.com/viperadnan-git/gpushare/internal/core/node"
	"github.com/viperadnan-git/gpushare/internal/core/process"
	"github.com/viperadnan-git/gpushare/internal/core/service"
)

// APIError is the custom error type for all API error responses.
// Implements huma.StatusError so huma serializes it as the response body.
type APIError struct {
	status  int
	Success bool   `json:"success"`
	Err     string `json:"error"`
	// Code is a machine-readable reason, set for reservation rejections.
	Code string `json:"code,omitempty"`
}

func (e *APIError) Error() string  { return e.Err }
func (e *APIError) GetStatus() int { return e.status }

// InitErrors overrides huma's default error factory so all error responses
// use the unified {success, error} format.
func InitErrors() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		detail := msg
		if len(errs) > 0 {
			parts := make([]string, len(errs))
			for i, e := range errs {
				parts[i] = e.Error()
			}
			detail = msg + ": " + strings.Join(parts, "; ")
		}
		return &APIError{status: status, Success: false, Err: detail}
	}
}

// statusError maps a domain error onto its HTTP status.
func statusError(err error) error {
	var (
		rejected *access.RejectedError
		spawnErr *process.SpawnError
		exitErr  *process.ExitCodeError
	)
	switch {
	case errors.Is(err, service.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, service.ErrInvalidState):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, job.ErrStopBeforeStart), errors.Is(err, job.ErrInvalidSegment):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.As(err, &rejected):
		return &APIError{status: 422, Err: err.Error(), Code: string(rejected.Reason)}
	case errors.As(err, &spawnErr), errors.As(err, &exitErr), errors.Is(err, node.ErrUnreachable):
		return huma.Error502BadGateway(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}

type EmptyInput struct{}

// DataBody is the success response body containing data.
type DataBody[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

// DataOutput is the huma output wrapper for data responses.
type DataOutput[T any] struct {
	Body DataBody[T]
}

// OK creates a success response wrapping the given data.
func OK[T any](data T) *DataOutput[T] {
	return &DataOutput[T]{Body: DataBody[T]{Success: true, Data: data}}
}

// MsgBody is the success response body containing a message (no data).
type MsgBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// MsgOutput is the huma output wrapper for message-only responses.
type MsgOutput struct {
	Body MsgBody
}

// Msg creates a success response with a message string.
func Msg(message string) *MsgOutput {
	return &MsgOutput{Body: MsgBody{Success: true, Message: message}}
}
