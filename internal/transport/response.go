// Package transport contains the HTTP router, middleware chain and request
// handlers of the workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pitabwire/advflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:           http.StatusBadRequest,
	model.ErrUnauthorized:         http.StatusUnauthorized,
	model.ErrForbidden:            http.StatusForbidden,
	model.ErrNotFound:             http.StatusNotFound,
	model.ErrConflict:             http.StatusConflict,
	model.ErrValidationError:      http.StatusUnprocessableEntity,
	model.ErrInternalError:        http.StatusInternalServerError,
	model.ErrInvalidWorkflowState: http.StatusConflict,
	model.ErrInvalidTransition:    http.StatusUnprocessableEntity,
	model.ErrExistingWorkflow:     http.StatusConflict,
	model.ErrWorkflowNotActive:    http.StatusConflict,
	model.ErrWorkflowChainLimit:   http.StatusConflict,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as a JSON error envelope. Errors that carry no
// envelope are reported as a generic 500 so internals do not leak.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, errorStatus(err), errorResponse{Error: envelope(err)})
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

func envelope(err error) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	return model.NewInternalError()
}

func errorStatus(err error) int {
	status := statusForCode[envelope(err).Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}

// decodeJSON decodes a request body into v. An empty body leaves v
// untouched when optional is set.
func decodeJSON(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && optional:
		return nil
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewBadRequestError("request body too large")
		}
		return model.NewBadRequestError("invalid JSON body")
	}
}
