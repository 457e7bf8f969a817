package main

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/flags"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/websocket"
)

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "sync", "outbox", "archive"} {
		assert.Contains(t, names, want)
	}

	t.Run("version", func(t *testing.T) {
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs([]string{"--version"})
		require.NoError(t, root.Execute())
		assert.Contains(t, out.String(), "mailsync version dev")
	})

	tests := []struct {
		name string
		args []string
	}{
		{"sync needs an account", []string{"sync"}},
		{"outbox needs an account", []string{"outbox"}},
		{"archive needs a message", []string{"archive"}},
		{"serve takes no arguments", []string{"serve", "extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCmd()
			root.SetOut(&bytes.Buffer{})
			root.SetErr(&bytes.Buffer{})
			root.SetArgs(tt.args)
			if err := root.Execute(); err == nil {
				t.Errorf("expected an argument error for %v", tt.args)
			}
		})
	}
}

func TestLoadDraft(t *testing.T) {
	dir := t.TempDir()

	t.Run("account from the command line wins", func(t *testing.T) {
		path := filepath.Join(dir, "draft.json")
		body := `{"account_id":"other","from":"me@example.com","to":["you@example.com"],"subject":"Hi","text":"Hello"}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

		d, err := loadDraft(path, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, "acct-1", d.AccountID)
		assert.Equal(t, []string{"you@example.com"}, d.To)
		assert.Equal(t, "Hi", d.Subject)
	})

	t.Run("invalid json", func(t *testing.T) {
		path := filepath.Join(dir, "broken.json")
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
		_, err := loadDraft(path, "acct-1")
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadDraft(filepath.Join(dir, "nope.json"), "acct-1")
		assert.Error(t, err)
	})
}

func TestPrintFolders(t *testing.T) {
	var out bytes.Buffer
	printFolders(&out, []*models.Folder{{
		IMAPPath:          "INBOX",
		FolderType:        models.FolderInbox,
		UIDValidity:       7,
		ForwardCursorUID:  120,
		BackfillCursorUID: 1,
		CatchUpStatus:     models.CatchUpCompleted,
	}})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"FOLDER", "TYPE", "UIDVALIDITY", "FORWARD", "BACKFILL", "CATCH-UP"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"INBOX", "inbox", "7", "120", "1", "completed"}, strings.Fields(lines[1]))
}

func TestPrintOutbox(t *testing.T) {
	var out bytes.Buffer
	printOutbox(&out, nil)
	assert.Equal(t, "outbox is empty\n", out.String())

	out.Reset()
	printOutbox(&out, []*models.Message{
		{ID: "m1", SendState: models.SendFailed, SendRetryCount: 3, Subject: "Report", SendError: "550"},
	})
	assert.Contains(t, out.String(), "m1")
	assert.Contains(t, out.String(), "failed")
	assert.Contains(t, out.String(), "550")
}

func TestEventForwarder(t *testing.T) {
	t.Run("delivers in order", func(t *testing.T) {
		var mu sync.Mutex
		var got []int
		f := newEventForwarder(func(_ string, v any) {
			mu.Lock()
			got = append(got, v.(int))
			mu.Unlock()
		}, 16, zerolog.Nop())

		for i := 0; i < 10; i++ {
			f.Forward("a", i)
		}
		f.Close()

		assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
		assert.Zero(t, f.Dropped())
	})

	t.Run("drops when the buffer is full", func(t *testing.T) {
		release := make(chan struct{})
		f := newEventForwarder(func(string, any) { <-release }, 1, zerolog.Nop())

		done := make(chan struct{})
		go func() {
			for i := 0; i < 10; i++ {
				f.Forward("a", i)
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Forward blocked")
		}
		assert.Positive(t, f.Dropped())

		close(release)
		f.Close()
	})

	t.Run("forward after close is dropped", func(t *testing.T) {
		f := newEventForwarder(func(string, any) {}, 1, zerolog.Nop())
		f.Close()
		f.Forward("a", 1)
		assert.Equal(t, int64(1), f.Dropped())
	})
}

func TestNewRevertEvent(t *testing.T) {
	ev := newRevertEvent(flags.RevertEvent{
		AccountID: "acct-1",
		MessageID: "m1",
		ThreadID:  "t1",
		Flags:     models.Flags{Read: true},
		Err:       errors.New("server gone"),
	})
	assert.Equal(t, "flags_reverted", ev.Kind)
	assert.Equal(t, "m1", ev.MessageID)
	assert.True(t, ev.Flags.Read)
	assert.Equal(t, "server gone", ev.Error)
}

func TestNewHandler(t *testing.T) {
	a := &app{cfg: &config.Config{APIToken: "secret"}}
	handler := newHandler(a, websocket.NewHub(1, zerolog.Nop()), zerolog.Nop())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/a/status", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rr.Code)
	}
}
