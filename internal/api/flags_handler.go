package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/models"
)

// FlagChanger applies flag changes locally and pushes them to the server.
type FlagChanger interface {
	SetLocal(ctx context.Context, messageID string, change models.FlagChange) (models.Flags, error)
	Push(ctx context.Context, accountID, messageID string, change models.FlagChange) error
}

// MessageLookup resolves a message to its account.
type MessageLookup interface {
	GetMessage(ctx context.Context, id string) (*models.Message, error)
}

// FlagsHandler changes read and starred state. The local change is answered
// right away; the server push runs in the background and reverts the change
// if it never lands.
type FlagsHandler struct {
	messages    MessageLookup
	flags       FlagChanger
	pushTimeout time.Duration
	log         zerolog.Logger

	// pushed is called after each background push; tests wait on it.
	pushed func(messageID string, err error)
}

func NewFlagsHandler(messages MessageLookup, flags FlagChanger, pushTimeout time.Duration, logger zerolog.Logger) *FlagsHandler {
	if pushTimeout <= 0 {
		pushTimeout = 5 * time.Minute
	}
	return &FlagsHandler{
		messages:    messages,
		flags:       flags,
		pushTimeout: pushTimeout,
		log:         logger.With().Str("component", "api").Logger(),
	}
}

type flagsResponse struct {
	MessageID string       `json:"message_id"`
	Flags     models.Flags `json:"flags"`
}

// PostFlags takes {"read": bool, "starred": bool}; either may be omitted.
func (h *FlagsHandler) PostFlags(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	messageID := r.PathValue("id")

	var change models.FlagChange
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if change.Read == nil && change.Starred == nil {
		http.Error(w, "read or starred is required", http.StatusBadRequest)
		return
	}

	msg, err := h.messages.GetMessage(ctx, messageID)
	if err != nil {
		writeError(w, h.log, "get message", err)
		return
	}
	flags, err := h.flags.SetLocal(ctx, messageID, change)
	if err != nil {
		writeError(w, h.log, "set flags", err)
		return
	}

	go h.push(msg.AccountID, messageID, change)

	writeJSON(w, http.StatusAccepted, flagsResponse{MessageID: messageID, Flags: flags})
}

func (h *FlagsHandler) push(accountID, messageID string, change models.FlagChange) {
	ctx, cancel := context.WithTimeout(context.Background(), h.pushTimeout)
	defer cancel()
	err := h.flags.Push(ctx, accountID, messageID, change)
	if err != nil {
		h.log.Warn().Err(err).Str("account", accountID).Str("message", messageID).Msg("Flag change did not reach the server")
	}
	if h.pushed != nil {
		h.pushed(messageID, err)
	}
}
