package sendqueue

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/testutil"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sent struct {
	from       string
	recipients []string
	body       []byte
}

// fakeTransport fails with errs in order, then succeeds.
type fakeTransport struct {
	mu    sync.Mutex
	errs  []error
	calls []sent
}

func (f *fakeTransport) SendMail(_ context.Context, from string, recipients []string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sent{from: from, recipients: recipients, body: body})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) Calls() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.calls...)
}

type appended struct {
	folder string
	flags  []string
}

type fakeAppender struct {
	mu    sync.Mutex
	calls []appended
}

func (f *fakeAppender) Append(_ context.Context, folder string, flags []string, _ time.Time, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, appended{folder: folder, flags: flags})
	return nil
}

type harness struct {
	store *store.SQLiteStore
	// queueStore replaces store as the queue's store when set.
	queueStore Store
	logger     zerolog.Logger
	clock      *clock
	transport  *fakeTransport
	appender   *fakeAppender
	queue      *Queue

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, autoCopies bool, errs ...error) *harness {
	t.Helper()
	h := &harness{
		store:     testutil.NewTestStore(t),
		clock:     &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		transport: &fakeTransport{errs: errs},
		appender:  &fakeAppender{},
		logger:    zerolog.Nop(),
	}
	h.queue = h.newQueue(autoCopies)
	return h
}

func (h *harness) newQueue(autoCopies bool) *Queue {
	var s Store = h.store
	if h.queueStore != nil {
		s = h.queueStore
	}
	return New(s, Config{
		RetryDelays: mailerr.Schedule{30 * time.Second, 2 * time.Minute, 8 * time.Minute},
		MaxAge:      72 * time.Hour,
		SMTP: func(_ context.Context, _ string, fn func(Transport) error) error {
			return fn(h.transport)
		},
		IMAP: func(_ context.Context, _ string, fn func(Appender) error) error {
			return fn(h.appender)
		},
		SentFolder: func(context.Context, string) (string, bool, error) {
			return "Sent", autoCopies, nil
		},
		OnEvent: func(e Event) {
			h.mu.Lock()
			h.events = append(h.events, e)
			h.mu.Unlock()
		},
		Logger: h.logger,
		Now:    h.clock.Now,
	})
}

func (h *harness) enqueue(t *testing.T, to string) *models.Message {
	t.Helper()
	m, err := h.queue.Enqueue(context.Background(), Draft{
		AccountID: "acc-1",
		From:      "Ann <ann@example.com>",
		To:        []string{to},
		Subject:   "Hello",
		Text:      "Hi there",
	})
	require.NoError(t, err)
	return m
}

func (h *harness) state(t *testing.T, id string) *models.Message {
	t.Helper()
	m, err := h.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return m
}

func TestQueue_SendsAndFilesSentCopy(t *testing.T) {
	h := newHarness(t, false)
	m := h.enqueue(t, "bob@example.com")

	assert.Equal(t, 1, h.queue.Drain(context.Background()))

	calls := h.transport.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ann@example.com", calls[0].from)
	assert.Equal(t, []string{"bob@example.com"}, calls[0].recipients)
	assert.NotEmpty(t, calls[0].body)

	assert.Equal(t, models.SendSent, h.state(t, m.ID).SendState)
	require.Len(t, h.appender.calls, 1)
	assert.Equal(t, "Sent", h.appender.calls[0].folder)
	assert.Equal(t, []string{`\Seen`}, h.appender.calls[0].flags)

	var states []models.SendState
	for _, e := range h.events {
		states = append(states, e.State)
	}
	assert.Equal(t, []models.SendState{models.SendQueued, models.SendSending, models.SendSent}, states)
}

func TestQueue_ProviderCopiesSentMail(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue(t, "bob@example.com")

	h.queue.Drain(context.Background())

	assert.Len(t, h.transport.Calls(), 1)
	assert.Empty(t, h.appender.calls)
}

func TestQueue_TransientFailuresBackOffThenFail(t *testing.T) {
	transient := mailerr.ConnectionFailed("connect", errors.New("connection refused"))
	h := newHarness(t, false, transient, transient, transient, transient)
	m := h.enqueue(t, "bob@example.com")
	ctx := context.Background()

	delays := []time.Duration{30 * time.Second, 2 * time.Minute, 8 * time.Minute}
	for i, delay := range delays {
		require.Equal(t, 1, h.queue.Drain(ctx), "attempt %d", i+1)

		got := h.state(t, m.ID)
		assert.Equal(t, models.SendQueued, got.SendState)
		assert.Equal(t, i+1, got.SendRetryCount)
		require.NotNil(t, got.SendDueAt)
		assert.True(t, h.clock.Now().Add(delay).Equal(*got.SendDueAt), "retry %d due at %v", i+1, got.SendDueAt)

		// Not due yet.
		h.clock.Advance(delay - time.Second)
		assert.Equal(t, 0, h.queue.Drain(ctx))
		h.clock.Advance(time.Second)
	}

	require.Equal(t, 1, h.queue.Drain(ctx))
	got := h.state(t, m.ID)
	assert.Equal(t, models.SendFailed, got.SendState)
	assert.Equal(t, 3, got.SendRetryCount)
	assert.Contains(t, got.SendError, "connection refused")
	assert.Len(t, h.transport.Calls(), 4)
	assert.Equal(t, 0, h.queue.Pending())
}

func TestQueue_RejectionFailsImmediately(t *testing.T) {
	h := newHarness(t, false, mailerr.CommandRejected("RCPT TO", 550, "no such user"))
	m := h.enqueue(t, "nobody@example.com")

	h.queue.Drain(context.Background())

	got := h.state(t, m.ID)
	assert.Equal(t, models.SendFailed, got.SendState)
	assert.Equal(t, 0, got.SendRetryCount)
	assert.Contains(t, got.SendError, "no such user")
	assert.Empty(t, h.appender.calls)
}

func TestQueue_GreylistingIsRetried(t *testing.T) {
	h := newHarness(t, false, mailerr.CommandRejected("RCPT TO", 451, "try again later"))
	m := h.enqueue(t, "bob@example.com")

	h.queue.Drain(context.Background())

	got := h.state(t, m.ID)
	assert.Equal(t, models.SendQueued, got.SendState)
	assert.Equal(t, 1, got.SendRetryCount)
}

func TestQueue_RetryingEntryDoesNotBlockYoungerOnes(t *testing.T) {
	h := newHarness(t, false, mailerr.Timeout("DATA", errors.New("i/o timeout")))
	first := h.enqueue(t, "first@example.com")
	h.clock.Advance(time.Second)
	second := h.enqueue(t, "second@example.com")
	ctx := context.Background()

	assert.Equal(t, 2, h.queue.Drain(ctx))
	assert.Equal(t, models.SendQueued, h.state(t, first.ID).SendState)
	assert.Equal(t, models.SendSent, h.state(t, second.ID).SendState)

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, 1, h.queue.Drain(ctx))
	assert.Equal(t, models.SendSent, h.state(t, first.ID).SendState)

	var order []string
	for _, c := range h.transport.Calls() {
		order = append(order, c.recipients[0])
	}
	assert.Equal(t, []string{"first@example.com", "second@example.com", "first@example.com"}, order)
}

func TestQueue_ExpiresOldEntries(t *testing.T) {
	h := newHarness(t, false)
	m := h.enqueue(t, "bob@example.com")

	h.clock.Advance(72*time.Hour + time.Minute)
	h.queue.Drain(context.Background())

	got := h.state(t, m.ID)
	assert.Equal(t, models.SendFailed, got.SendState)
	assert.Contains(t, got.SendError, "maximum queue age")
	assert.Empty(t, h.transport.Calls())
}

func TestQueue_RecoverRequeuesInterruptedSends(t *testing.T) {
	h := newHarness(t, false)
	m := h.enqueue(t, "bob@example.com")
	ctx := context.Background()
	require.NoError(t, h.store.TransitionSend(ctx, m.ID, models.SendSending, store.SendUpdate{}))

	restarted := h.newQueue(false)
	require.NoError(t, restarted.Recover(ctx))
	assert.Equal(t, 1, restarted.Pending())

	restarted.Drain(ctx)
	assert.Equal(t, models.SendSent, h.state(t, m.ID).SendState)
}

// lossyStore fails every move to sent.
type lossyStore struct {
	*store.SQLiteStore
}

func (s lossyStore) TransitionSend(ctx context.Context, id string, next models.SendState, u store.SendUpdate) error {
	if next == models.SendSent {
		return errors.New("database is locked")
	}
	return s.SQLiteStore.TransitionSend(ctx, id, next, u)
}

func TestQueue_AcceptedSendIsNotResentAfterRestart(t *testing.T) {
	h := newHarness(t, false)
	var logs bytes.Buffer
	h.logger = zerolog.New(&logs)
	h.queueStore = lossyStore{h.store}
	h.queue = h.newQueue(false)
	m := h.enqueue(t, "bob@example.com")
	ctx := context.Background()

	assert.Equal(t, 1, h.queue.Drain(ctx))
	require.Len(t, h.transport.Calls(), 1)
	assert.Equal(t, models.SendSending, h.state(t, m.ID).SendState)
	assert.Contains(t, logs.String(), `"level":"error"`)
	assert.Contains(t, logs.String(), "database is locked")
	require.Len(t, h.appender.calls, 1, "the sent copy is still filed")

	// Nothing more to do in this process.
	assert.Equal(t, 0, h.queue.Drain(ctx))

	h.queueStore = nil
	restarted := h.newQueue(false)
	require.NoError(t, restarted.Recover(ctx))
	assert.Equal(t, 0, restarted.Pending())
	restarted.Drain(ctx)

	assert.Equal(t, models.SendSent, h.state(t, m.ID).SendState)
	assert.Len(t, h.transport.Calls(), 1, "delivered exactly once")
}

func TestQueue_RetryAndDiscard(t *testing.T) {
	ctx := context.Background()

	t.Run("retry resets the budget", func(t *testing.T) {
		h := newHarness(t, false, mailerr.CommandRejected("DATA", 554, "rejected"))
		m := h.enqueue(t, "bob@example.com")
		h.queue.Drain(ctx)
		require.Equal(t, models.SendFailed, h.state(t, m.ID).SendState)

		require.NoError(t, h.queue.Retry(ctx, m.ID))
		got := h.state(t, m.ID)
		assert.Equal(t, models.SendQueued, got.SendState)
		assert.Equal(t, 0, got.SendRetryCount)
		assert.Empty(t, got.SendError)

		h.queue.Drain(ctx)
		assert.Equal(t, models.SendSent, h.state(t, m.ID).SendState)
	})

	t.Run("retry of a queued entry is rejected", func(t *testing.T) {
		h := newHarness(t, false)
		m := h.enqueue(t, "bob@example.com")
		assert.ErrorIs(t, h.queue.Retry(ctx, m.ID), store.ErrInvalidTransition)
	})

	t.Run("discard removes failed entries only", func(t *testing.T) {
		h := newHarness(t, false, mailerr.CommandRejected("DATA", 554, "rejected"))
		failed := h.enqueue(t, "bob@example.com")
		h.queue.Drain(ctx)
		queued := h.enqueue(t, "carol@example.com")

		assert.ErrorIs(t, h.queue.Discard(ctx, queued.ID), store.ErrInvalidTransition)
		require.NoError(t, h.queue.Discard(ctx, failed.ID))

		outbox, err := h.queue.Outbox(ctx, "acc-1")
		require.NoError(t, err)
		require.Len(t, outbox, 1)
		assert.Equal(t, queued.ID, outbox[0].ID)
	})
}

func TestQueue_Run(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.queue.Run(ctx) }()

	require.Eventually(t, func() bool { return h.queue.running.Load() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.queue.Run(ctx), ErrAlreadyRunning)

	h.enqueue(t, "bob@example.com")
	require.Eventually(t, func() bool { return len(h.transport.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
