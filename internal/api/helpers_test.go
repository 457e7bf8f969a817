package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/syncengine"
	ws "github.com/vdavid/mailsync/internal/websocket"
)

const testToken = "test-token"

type fakeEngine struct {
	mu       sync.Mutex
	status   syncengine.Status
	triggers []syncengine.Trigger
	paused   bool
}

func (f *fakeEngine) Status(context.Context) (syncengine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.status
	st.CatchUpPaused = f.paused
	return st, nil
}

func (f *fakeEngine) Trigger(t syncengine.Trigger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, t)
}

func (f *fakeEngine) PauseCatchUp() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *fakeEngine) ResumeCatchUp() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

type fakeOutbox struct {
	mu        sync.Mutex
	messages  map[string]*models.Message
	retried   []string
	discarded []string
}

func (f *fakeOutbox) Outbox(_ context.Context, accountID string) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Message
	for _, m := range f.messages {
		if m.AccountID == accountID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeOutbox) transition(id string) error {
	m, ok := f.messages[id]
	if !ok {
		return store.ErrMessageNotFound
	}
	if m.SendState != models.SendFailed {
		return fmt.Errorf("%w: message is %s", store.ErrInvalidTransition, m.SendState)
	}
	return nil
}

func (f *fakeOutbox) Retry(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transition(id); err != nil {
		return err
	}
	f.retried = append(f.retried, id)
	return nil
}

func (f *fakeOutbox) Discard(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transition(id); err != nil {
		return err
	}
	f.discarded = append(f.discarded, id)
	return nil
}

type fakeMessages map[string]*models.Message

func (f fakeMessages) GetMessage(_ context.Context, id string) (*models.Message, error) {
	m, ok := f[id]
	if !ok {
		return nil, store.ErrMessageNotFound
	}
	return m, nil
}

type flagCall struct {
	accountID string
	messageID string
	change    models.FlagChange
}

type fakeFlags struct {
	mu      sync.Mutex
	current map[string]models.Flags
	pushes  []flagCall
	pushErr error
}

func (f *fakeFlags) SetLocal(_ context.Context, messageID string, change models.FlagChange) (models.Flags, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flags := change.Apply(f.current[messageID])
	f.current[messageID] = flags
	return flags, nil
}

func (f *fakeFlags) Push(_ context.Context, accountID, messageID string, change models.FlagChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, flagCall{accountID: accountID, messageID: messageID, change: change})
	return f.pushErr
}

type archiveCall struct {
	accountID string
	messageID string
}

type fakeArchiver struct {
	mu    sync.Mutex
	calls []archiveCall
	err   error
}

func (f *fakeArchiver) archive(_ context.Context, accountID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, archiveCall{accountID: accountID, messageID: messageID})
	return f.err
}

type testServer struct {
	engines  map[string]*fakeEngine
	archiver *fakeArchiver
	outbox   *fakeOutbox
	messages fakeMessages
	flags    *fakeFlags
	hub      *ws.Hub
	pushed   chan error
	handler  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zerolog.Nop()
	ts := &testServer{
		engines: map[string]*fakeEngine{
			"acct-1": {status: syncengine.Status{AccountID: "acct-1", State: syncengine.StateListening}},
		},
		outbox:   &fakeOutbox{messages: make(map[string]*models.Message)},
		messages: fakeMessages{},
		flags:    &fakeFlags{current: make(map[string]models.Flags)},
		archiver: &fakeArchiver{},
		hub:      ws.NewHub(5, log),
		pushed:   make(chan error, 10),
	}
	lookup := func(accountID string) (AccountSync, error) {
		e, ok := ts.engines[accountID]
		if !ok {
			return nil, syncengine.ErrUnknownAccount
		}
		return e, nil
	}
	authenticator := auth.NewAuthenticator(testToken, log)
	flagsHandler := NewFlagsHandler(ts.messages, ts.flags, 0, log)
	flagsHandler.pushed = func(_ string, err error) { ts.pushed <- err }

	ts.handler = NewRouter(Handlers{
		Auth:      authenticator,
		Accounts:  NewAccountsHandler(lookup, log),
		Outbox:    NewOutboxHandler(ts.outbox, log),
		Flags:     flagsHandler,
		Messages:  NewMessagesHandler(ts.messages, ts.archiver.archive, log),
		WebSocket: NewWebSocketHandler(authenticator, ts.hub, log),
	})
	return ts
}

func (ts *testServer) do(method, url, body string, authorized bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, url, nil)
	} else {
		req = httptest.NewRequest(method, url, strings.NewReader(body))
	}
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

// FailingResponseWriter is a ResponseWriter that fails on Write to test error handling.
type FailingResponseWriter struct {
	http.ResponseWriter
	WriteShouldFail bool
}

func (f *FailingResponseWriter) Write(p []byte) (int, error) {
	if f.WriteShouldFail {
		return 0, fmt.Errorf("write failed")
	}
	return f.ResponseWriter.Write(p)
}
