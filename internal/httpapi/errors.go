// Package httpapi holds the JSON response conventions of the HTTP surface:
// the error envelope, the error-to-status taxonomy, and response helpers.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dvmesh/backend/internal/jobs"
	"github.com/dvmesh/backend/internal/payments"
	"github.com/dvmesh/backend/internal/store"
)

// Error is a taxonomy-classified API error.
type Error struct {
	Status int
	Msg    string
	Detail string
}

func (e *Error) Error() string { return e.Msg }

// Constructors for the error taxonomy.

func Validation(msg string) *Error { return &Error{Status: http.StatusBadRequest, Msg: msg} }

func Unauthorized(msg string) *Error { return &Error{Status: http.StatusUnauthorized, Msg: msg} }

func Forbidden(msg string) *Error { return &Error{Status: http.StatusForbidden, Msg: msg} }

func NotFound(msg string) *Error { return &Error{Status: http.StatusNotFound, Msg: msg} }

func Conflict(msg string) *Error { return &Error{Status: http.StatusBadRequest, Msg: msg} }

func Gateway(msg, detail string) *Error {
	return &Error{Status: http.StatusBadGateway, Msg: msg, Detail: detail}
}

// WriteJSON writes a success payload.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

type errorEnvelope struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// WriteError classifies err and writes the {error, detail?} envelope.
// Unclassified errors become 500 without leaking internals.
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		// Already classified.
	case errors.Is(err, jobs.ErrValidation):
		apiErr = Validation(err.Error())
	case errors.Is(err, jobs.ErrForbidden):
		apiErr = Forbidden(err.Error())
	case errors.Is(err, jobs.ErrBadState):
		apiErr = Conflict(err.Error())
	case errors.Is(err, store.ErrNotFound):
		apiErr = NotFound("not found")
	case errors.Is(err, store.ErrConflict):
		apiErr = Conflict("conflicting concurrent update")
	case errors.Is(err, payments.ErrAmbiguous):
		apiErr = Gateway("payment outcome unknown", err.Error())
	default:
		slog.Error("internal error", "error", err)
		apiErr = &Error{Status: http.StatusInternalServerError, Msg: "internal error"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: apiErr.Msg, Detail: apiErr.Detail})
}

// Decode reads a JSON body into dst, classifying malformed bodies as
// validation errors.
func Decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return Validation("malformed JSON body")
	}
	return nil
}
