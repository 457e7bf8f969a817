package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/syncengine"
)

// Archiver moves a message of an account to the account's archive folder.
type Archiver func(ctx context.Context, accountID, messageID string) error

// MessagesHandler handles actions on single stored messages.
type MessagesHandler struct {
	messages MessageLookup
	archive  Archiver
	log      zerolog.Logger
}

func NewMessagesHandler(messages MessageLookup, archive Archiver, logger zerolog.Logger) *MessagesHandler {
	return &MessagesHandler{messages: messages, archive: archive, log: logger.With().Str("component", "api").Logger()}
}

// PostArchive moves the message to the archive folder on the server. The
// stored message is kept.
func (h *MessagesHandler) PostArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	messageID := r.PathValue("id")
	msg, err := h.messages.GetMessage(ctx, messageID)
	if err != nil {
		writeError(w, h.log, "get message", err)
		return
	}
	if err := h.archive(ctx, msg.AccountID, messageID); err != nil {
		if errors.Is(err, syncengine.ErrNoArchiveFolder) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(w, h.log, "archive", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
