package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncengine"
)

func TestAccountsHandler(t *testing.T) {
	ts := newTestServer(t)

	t.Run("status requires auth", func(t *testing.T) {
		rr := ts.do("GET", "/api/v1/accounts/acct-1/status", "", false)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("status of a synced account", func(t *testing.T) {
		rr := ts.do("GET", "/api/v1/accounts/acct-1/status", "", true)
		require.Equal(t, http.StatusOK, rr.Code)

		var st syncengine.Status
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&st))
		assert.Equal(t, "acct-1", st.AccountID)
		assert.Equal(t, syncengine.StateListening, st.State)
	})

	t.Run("unknown account is 404", func(t *testing.T) {
		rr := ts.do("GET", "/api/v1/accounts/nope/status", "", true)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("manual sync is triggered", func(t *testing.T) {
		rr := ts.do("POST", "/api/v1/accounts/acct-1/sync", "", true)
		assert.Equal(t, http.StatusAccepted, rr.Code)
		assert.Equal(t, []syncengine.Trigger{syncengine.TriggerManual}, ts.engines["acct-1"].triggers)
	})

	t.Run("pause and resume catch-up", func(t *testing.T) {
		rr := ts.do("POST", "/api/v1/accounts/acct-1/catchup/pause", "", true)
		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.True(t, ts.engines["acct-1"].paused)

		rr = ts.do("POST", "/api/v1/accounts/acct-1/catchup/resume", "", true)
		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.False(t, ts.engines["acct-1"].paused)
	})

	t.Run("wrong method", func(t *testing.T) {
		rr := ts.do("GET", "/api/v1/accounts/acct-1/sync", "", true)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestOutboxHandler(t *testing.T) {
	ts := newTestServer(t)
	ts.outbox.messages["m-failed"] = &models.Message{ID: "m-failed", AccountID: "acct-1", SendState: models.SendFailed, SendError: "550 no such user"}
	ts.outbox.messages["m-queued"] = &models.Message{ID: "m-queued", AccountID: "acct-1", SendState: models.SendQueued}

	t.Run("lists the account's outbox", func(t *testing.T) {
		rr := ts.do("GET", "/api/v1/accounts/acct-1/outbox", "", true)
		require.Equal(t, http.StatusOK, rr.Code)

		var body struct {
			Messages []*models.Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		assert.Len(t, body.Messages, 2)
	})

	t.Run("empty outbox is an empty list", func(t *testing.T) {
		rr := ts.do("GET", "/api/v1/accounts/other/outbox", "", true)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"messages":[]}`, rr.Body.String())
	})

	t.Run("retry a failed message", func(t *testing.T) {
		rr := ts.do("POST", "/api/v1/outbox/m-failed/retry", "", true)
		assert.Equal(t, http.StatusAccepted, rr.Code)
		assert.Equal(t, []string{"m-failed"}, ts.outbox.retried)
	})

	t.Run("retry of a queued message conflicts", func(t *testing.T) {
		rr := ts.do("POST", "/api/v1/outbox/m-queued/retry", "", true)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("discard", func(t *testing.T) {
		rr := ts.do("DELETE", "/api/v1/outbox/m-failed", "", true)
		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, []string{"m-failed"}, ts.outbox.discarded)
	})

	t.Run("discard of a missing message", func(t *testing.T) {
		rr := ts.do("DELETE", "/api/v1/outbox/missing", "", true)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestFlagsHandler(t *testing.T) {
	ts := newTestServer(t)
	ts.messages["m1"] = &models.Message{ID: "m1", AccountID: "acct-1"}

	t.Run("applies locally and pushes in the background", func(t *testing.T) {
		rr := ts.do("POST", "/api/v1/messages/m1/flags", `{"read": true}`, true)
		require.Equal(t, http.StatusAccepted, rr.Code)
		assert.JSONEq(t, `{"message_id":"m1","flags":{"read":true,"starred":false}}`, rr.Body.String())

		select {
		case err := <-ts.pushed:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("push never ran")
		}
		ts.flags.mu.Lock()
		defer ts.flags.mu.Unlock()
		require.Len(t, ts.flags.pushes, 1)
		assert.Equal(t, "acct-1", ts.flags.pushes[0].accountID)
		assert.True(t, *ts.flags.pushes[0].change.Read)
		assert.Nil(t, ts.flags.pushes[0].change.Starred)
	})

	t.Run("push failure still answers the request", func(t *testing.T) {
		ts.flags.mu.Lock()
		ts.flags.pushErr = errors.New("server gone")
		ts.flags.mu.Unlock()

		rr := ts.do("POST", "/api/v1/messages/m1/flags", `{"starred": true}`, true)
		require.Equal(t, http.StatusAccepted, rr.Code)
		select {
		case err := <-ts.pushed:
			assert.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("push never ran")
		}
	})

	tests := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"invalid json", "m1", `{`, http.StatusBadRequest},
		{"no flags", "m1", `{}`, http.StatusBadRequest},
		{"unknown message", "m404", `{"read": false}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do("POST", "/api/v1/messages/"+tt.id+"/flags", tt.body, true)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestMessagesHandler_Archive(t *testing.T) {
	ts := newTestServer(t)
	ts.messages["m1"] = &models.Message{ID: "m1", AccountID: "acct-1"}

	rr := ts.do("POST", "/api/v1/messages/m1/archive", "", true)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []archiveCall{{accountID: "acct-1", messageID: "m1"}}, ts.archiver.calls)

	rr = ts.do("POST", "/api/v1/messages/m404/archive", "", true)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	ts.archiver.err = fmt.Errorf("moving: %w", syncengine.ErrNoArchiveFolder)
	rr = ts.do("POST", "/api/v1/messages/m1/archive", "", true)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do("POST", "/api/v1/messages/m1/archive", "", false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestWebSocketHandler(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"

	t.Run("rejects missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("token in query subscribes to an account", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+testToken+"&account=acct-1", nil)
		require.NoError(t, err)
		defer conn.Close()

		require.Eventually(t, func() bool { return ts.hub.ActiveConnections("acct-1") == 1 }, 2*time.Second, 10*time.Millisecond)
		ts.hub.Publish("acct-1", map[string]string{"kind": "render_ready"})

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"kind":"render_ready"}`, string(msg))
	})

	t.Run("closing unregisters", func(t *testing.T) {
		header := http.Header{"Authorization": []string{"Bearer " + testToken}}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return ts.hub.ActiveConnections("*") == 1 }, 2*time.Second, 10*time.Millisecond)

		_ = conn.Close()
		require.Eventually(t, func() bool { return ts.hub.ActiveConnections("*") == 0 }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestRouter_RootAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do("GET", "/", "", false)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "mailsync is running")

	rr = ts.do("GET", "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "mailsync_")

	rr = ts.do("GET", "/nope", "", false)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWriteJSONResponse(t *testing.T) {
	t.Run("unencodable value is a 500", func(t *testing.T) {
		rr := httptest.NewRecorder()
		assert.False(t, WriteJSONResponse(rr, math.Inf(1)))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("write failure is reported", func(t *testing.T) {
		w := &FailingResponseWriter{ResponseWriter: httptest.NewRecorder(), WriteShouldFail: true}
		assert.False(t, WriteJSONResponse(w, map[string]int{"a": 1}))
	})
}
