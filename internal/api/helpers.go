package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/syncengine"
)

// WriteJSONResponse encodes v into a buffer first so an encoding failure
// never leaves a partial body. Returns false when nothing usable was written.
func WriteJSONResponse(w http.ResponseWriter, v any) bool {
	return writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) bool {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err := w.Write(buf.Bytes())
	return err == nil
}

// writeError maps domain errors to status codes. Unexpected errors are logged
// and hidden behind a 500.
func writeError(w http.ResponseWriter, log zerolog.Logger, op string, err error) {
	switch {
	case errors.Is(err, syncengine.ErrUnknownAccount):
		http.Error(w, "Account not found", http.StatusNotFound)
	case errors.Is(err, store.ErrMessageNotFound):
		http.Error(w, "Message not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Error().Err(err).Str("op", op).Msg("Request failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
