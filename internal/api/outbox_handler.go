package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/models"
)

// Outbox is the send queue as the API sees it.
type Outbox interface {
	Outbox(ctx context.Context, accountID string) ([]*models.Message, error)
	Retry(ctx context.Context, messageID string) error
	Discard(ctx context.Context, messageID string) error
}

// OutboxHandler lists queued mail and acts on failed entries.
type OutboxHandler struct {
	queue Outbox
	log   zerolog.Logger
}

func NewOutboxHandler(queue Outbox, logger zerolog.Logger) *OutboxHandler {
	return &OutboxHandler{queue: queue, log: logger.With().Str("component", "api").Logger()}
}

// GetOutbox returns every unsent message of the account, failed ones included.
func (h *OutboxHandler) GetOutbox(w http.ResponseWriter, r *http.Request) {
	messages, err := h.queue.Outbox(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.log, "outbox", err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	WriteJSONResponse(w, map[string]any{"messages": messages})
}

// PostRetry puts a failed message back in the queue.
func (h *OutboxHandler) PostRetry(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Retry(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, h.log, "retry", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// DeleteMessage discards a failed message.
func (h *OutboxHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Discard(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, h.log, "discard", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
