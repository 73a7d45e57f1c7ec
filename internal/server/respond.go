package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	apperrors "paper_trader/pkg/errors"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// respondError maps the error kind to an HTTP status. Unclassified errors are
// internal failures.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	switch {
	case errors.Is(err, apperrors.ErrValidation):
		status, kind = http.StatusBadRequest, "validation"
	case errors.Is(err, apperrors.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrInvalidStateTransition):
		status, kind = http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, apperrors.ErrIdempotencyConflict):
		status, kind = http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, apperrors.ErrDeterministicSafety):
		status, kind = http.StatusUnprocessableEntity, "deterministic_safety"
	case errors.Is(err, apperrors.ErrStoreUnavailable):
		status, kind = http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, apperrors.ErrVendorUnavailable):
		status, kind = http.StatusServiceUnavailable, "vendor_unavailable"
	}

	if status >= 500 {
		s.logger.Error("Request failed", "kind", kind, "error", err)
	}
	s.respondJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", apperrors.ErrValidation, err)
	}
	return nil
}
