package api

import (
	"fmt"
	"net/http"

	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/metrics"
)

type Handlers struct {
	Auth      *auth.Authenticator
	Accounts  *AccountsHandler
	Outbox    *OutboxHandler
	Flags     *FlagsHandler
	Messages  *MessagesHandler
	WebSocket *WebSocketHandler
}

// NewRouter mounts the control API under /api/v1 behind bearer auth. The
// WebSocket endpoint checks its own token; /metrics is open for scrapers.
func NewRouter(h Handlers) http.Handler {
	mux := http.NewServeMux()
	protect := func(fn http.HandlerFunc) http.Handler {
		return h.Auth.RequireAuth(fn)
	}

	mux.HandleFunc("GET /{$}", handleRoot)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.Handle("GET /api/v1/accounts/{id}/status", protect(h.Accounts.GetStatus))
	mux.Handle("POST /api/v1/accounts/{id}/sync", protect(h.Accounts.PostSync))
	mux.Handle("POST /api/v1/accounts/{id}/catchup/pause", protect(h.Accounts.PostPauseCatchUp))
	mux.Handle("POST /api/v1/accounts/{id}/catchup/resume", protect(h.Accounts.PostResumeCatchUp))
	mux.Handle("GET /api/v1/accounts/{id}/outbox", protect(h.Outbox.GetOutbox))
	mux.Handle("POST /api/v1/outbox/{id}/retry", protect(h.Outbox.PostRetry))
	mux.Handle("DELETE /api/v1/outbox/{id}", protect(h.Outbox.DeleteMessage))
	mux.Handle("POST /api/v1/messages/{id}/flags", protect(h.Flags.PostFlags))
	mux.Handle("POST /api/v1/messages/{id}/archive", protect(h.Messages.PostArchive))
	mux.HandleFunc("GET /api/v1/ws", h.WebSocket.Handle)

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "mailsync is running")
}
