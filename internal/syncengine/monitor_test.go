package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/pool"
	"github.com/vdavid/mailsync/internal/wire"
)

// idleMailbox implements only what the push monitor touches. The first IDLE
// delivers one new-mail push and then drops; later ones block until cancelled.
type idleMailbox struct {
	Mailbox

	mu       *sync.Mutex
	idles    *int
	selected *[]string
}

func (m *idleMailbox) State() wire.State                                     { return wire.StateReady }
func (m *idleMailbox) Noop(context.Context) error                            { return nil }
func (m *idleMailbox) Close() error                                          { return nil }
func (m *idleMailbox) Authenticated() bool                                   { return false }
func (m *idleMailbox) Authenticate(context.Context, models.Credential) error { return nil }

func (m *idleMailbox) Select(_ context.Context, path string) (models.FolderStatus, error) {
	m.mu.Lock()
	*m.selected = append(*m.selected, path)
	m.mu.Unlock()
	return models.FolderStatus{}, nil
}

func (m *idleMailbox) Idle(ctx context.Context, onEvent func(wire.MailboxEvent)) error {
	m.mu.Lock()
	*m.idles++
	n := *m.idles
	m.mu.Unlock()

	if n == 1 {
		onEvent(wire.MailboxEvent{Kind: wire.EventFlags})
		onEvent(wire.MailboxEvent{Kind: wire.EventExists, Messages: 3})
		return mailerr.ConnectionFailed("idle", mailerr.ErrSessionClosed)
	}
	<-ctx.Done()
	return mailerr.Cancelled("idle", ctx.Err())
}

func TestEngine_MonitorTurnsPushIntoTriggerAndRestarts(t *testing.T) {
	var (
		mu       sync.Mutex
		idles    int
		selected []string
		delays   []time.Duration
	)
	sessions := pool.New[Mailbox](func(context.Context, pool.Key) (Mailbox, error) {
		return &idleMailbox{mu: &mu, idles: &idles, selected: &selected}, nil
	}, pool.Config{Limit: func(pool.Key) int { return 1 }, Logger: zerolog.Nop()})
	t.Cleanup(sessions.Close)

	limits := config.DefaultLimits()
	limits.MonitorRestartDelay = 7 * time.Second
	e := New(Config{
		AccountID:   testAccount,
		Limits:      limits,
		Sessions:    sessions,
		Credentials: &fakeCredentials{password: "secret"},
		Logger:      zerolog.Nop(),
		Sleep: func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return ctx.Err()
		},
	})
	e.setPrimary(&models.Folder{ID: "f1", IMAPPath: "INBOX", FolderType: models.FolderInbox})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.monitor(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return idles == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return e.State() == StateListening }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, TriggerPush, e.takeTrigger())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop on cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{7 * time.Second}, delays)
	assert.Equal(t, []string{"INBOX", "INBOX"}, selected)
	assert.Equal(t, StateIdle, e.State())
}
