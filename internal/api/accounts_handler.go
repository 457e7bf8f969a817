package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/syncengine"
)

// AccountSync is the control surface of one account's engine.
type AccountSync interface {
	Status(ctx context.Context) (syncengine.Status, error)
	Trigger(t syncengine.Trigger)
	PauseCatchUp()
	ResumeCatchUp()
}

// EngineLookup finds the running engine of an account. It returns
// syncengine.ErrUnknownAccount for accounts that are not synced.
type EngineLookup func(accountID string) (AccountSync, error)

// AccountsHandler handles per-account sync requests.
type AccountsHandler struct {
	engines EngineLookup
	log     zerolog.Logger
}

func NewAccountsHandler(engines EngineLookup, logger zerolog.Logger) *AccountsHandler {
	return &AccountsHandler{engines: engines, log: logger.With().Str("component", "api").Logger()}
}

func (h *AccountsHandler) engine(w http.ResponseWriter, r *http.Request) (AccountSync, bool) {
	e, err := h.engines(r.PathValue("id"))
	if err != nil {
		writeError(w, h.log, "lookup engine", err)
		return nil, false
	}
	return e, true
}

// GetStatus returns the account's sync state, folders and pool usage.
func (h *AccountsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	st, err := e.Status(r.Context())
	if err != nil {
		writeError(w, h.log, "status", err)
		return
	}
	WriteJSONResponse(w, st)
}

// PostSync asks for a sync cycle. The cycle runs in the background.
func (h *AccountsHandler) PostSync(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	e.Trigger(syncengine.TriggerManual)
	w.WriteHeader(http.StatusAccepted)
}

func (h *AccountsHandler) PostPauseCatchUp(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	e.PauseCatchUp()
	w.WriteHeader(http.StatusNoContent)
}

func (h *AccountsHandler) PostResumeCatchUp(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	e.ResumeCatchUp()
	w.WriteHeader(http.StatusNoContent)
}
