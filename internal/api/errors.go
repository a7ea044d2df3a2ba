package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/book-expert/audiobook-service/internal/core"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	// LockedSettings is present only on settings-conflict responses so the
	// caller can retry with the settings the book is locked to.
	LockedSettings *core.GenerationSettings `json:"locked_settings,omitempty"`
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrSettingsConflict),
		errors.Is(err, core.ErrNoChapters),
		errors.Is(err, core.ErrMixedFormats),
		errors.Is(err, core.ErrPreconditionFailed):
		return http.StatusConflict
	case errors.Is(err, core.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The client went away; 499 is nginx's convention for that.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a domain error as JSON.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}

	var conflict *core.SettingsConflictError
	if errors.As(err, &conflict) {
		body.LockedSettings = &conflict.Locked
	}

	status := statusForError(err)
	if status == http.StatusInternalServerError {
		// Internal details stay in the logs.
		body.Error = "internal error"
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
