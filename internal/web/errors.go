package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cozy-insight/composer/internal/composition"
	"github.com/cozy-insight/composer/internal/layout"
	"github.com/cozy-insight/composer/internal/render"
	"github.com/cozy-insight/composer/internal/store"
	"github.com/cozy-insight/composer/internal/validation"
)

var (
	// ErrSessionNotFound is returned for unknown or closed session ids
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotConfigured is returned by endpoints whose backend is disabled
	ErrNotConfigured = errors.New("not configured")
)

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Error   string              `json:"error"`
	Message string              `json:"message"`
	Code    string              `json:"code"`
	Kind    string              `json:"kind,omitempty"`
	Fields  map[string][]string `json:"fields,omitempty"`
	Errors  []*validation.Error `json:"errors,omitempty"`
}

// forbiddenError is an operation the permission gate does not offer
type forbiddenError struct {
	op composition.Op
}

func (e *forbiddenError) Error() string {
	return fmt.Sprintf("operation %s is not permitted", e.op)
}

// badRequestError is a request the adapter could not decode
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

// upstreamError is a failed call to the BI backend
type upstreamError struct {
	err error
}

func (e *upstreamError) Error() string { return e.err.Error() }
func (e *upstreamError) Unwrap() error { return e.err }

func badRequest(format string, args ...interface{}) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

// renderError maps an error to its status and writes the JSON body
func renderError(w http.ResponseWriter, err error) {
	var (
		forbidden *forbiddenError
		bad       *badRequestError
		upstream  *upstreamError
		verr      *validation.Error
		verrs     *validation.Errors
		lerr      *layout.Error
	)

	switch {
	case errors.As(err, &upstream):
		writeJSON(w, http.StatusBadGateway, &ErrorResponse{Error: "bad_gateway", Message: err.Error(), Code: "upstream_error"})
	case errors.As(err, &verrs):
		writeValidation(w, verrs)
	case errors.As(err, &verr):
		single := validation.NewErrors()
		single.Add(verr)
		writeValidation(w, single)
	case errors.As(err, &lerr):
		status := http.StatusConflict
		if lerr.Kind == layout.BoundsViolation {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, &ErrorResponse{
			Error:   "layout_rejected",
			Message: err.Error(),
			Code:    "layout_error",
			Kind:    string(lerr.Kind),
		})
	case errors.Is(err, render.ErrInvalidStyle):
		writeJSON(w, http.StatusUnprocessableEntity, &ErrorResponse{
			Error:   "validation_failed",
			Message: err.Error(),
			Code:    "validation_error",
			Kind:    "InvalidStyle",
		})
	case errors.Is(err, composition.ErrRestoreRejected):
		writeJSON(w, http.StatusUnprocessableEntity, &ErrorResponse{
			Error:   "validation_failed",
			Message: err.Error(),
			Code:    "snapshot_rejected",
		})
	case errors.As(err, &forbidden):
		writeJSON(w, http.StatusForbidden, &ErrorResponse{
			Error:   "forbidden",
			Message: err.Error(),
			Code:    "forbidden",
			Kind:    string(forbidden.op),
		})
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, composition.ErrClosed):
		writeJSON(w, http.StatusNotFound, &ErrorResponse{Error: "not_found", Message: ErrSessionNotFound.Error(), Code: "not_found"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, &ErrorResponse{Error: "not_found", Message: err.Error(), Code: "not_found"})
	case errors.Is(err, ErrNotConfigured):
		writeJSON(w, http.StatusNotImplemented, &ErrorResponse{Error: "not_implemented", Message: err.Error(), Code: "not_configured"})
	case errors.As(err, &bad):
		writeJSON(w, http.StatusBadRequest, &ErrorResponse{Error: "bad_request", Message: err.Error(), Code: "bad_request"})
	default:
		writeJSON(w, http.StatusInternalServerError, &ErrorResponse{
			Error:   "internal_server_error",
			Message: err.Error(),
			Code:    "internal_error",
		})
	}
}

func writeValidation(w http.ResponseWriter, errs *validation.Errors) {
	kind := ""
	if first := errs.First(); first != nil {
		kind = string(first.Kind)
	}
	writeJSON(w, http.StatusUnprocessableEntity, &ErrorResponse{
		Error:   "validation_failed",
		Message: errs.Error(),
		Code:    "validation_error",
		Kind:    kind,
		Fields:  errs.Fields(),
		Errors:  errs.Items,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
