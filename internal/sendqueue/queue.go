// Package sendqueue delivers outgoing mail from a durable outbox. Entries are
// sent in queue order, retried with a fixed backoff on transient failures and
// failed for good on rejections or when they grow too old.
package sendqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// ErrAlreadyRunning is returned by Run when a drain loop is already active.
var ErrAlreadyRunning = errors.New("send queue is already running")

// Store is the outbox side of the mailbox mirror.
type Store interface {
	QueueMessage(ctx context.Context, m *models.Message) error
	QueuedMessages(ctx context.Context) ([]*models.Message, error)
	Outbox(ctx context.Context, accountID string) ([]*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	TransitionSend(ctx context.Context, id string, next models.SendState, u store.SendUpdate) error
	MarkSendAccepted(ctx context.Context, id string) error
	RecoverSending(ctx context.Context) (store.SendRecovery, error)
	DeleteFailed(ctx context.Context, id string) error
}

// Transport delivers one message over SMTP.
type Transport interface {
	SendMail(ctx context.Context, from string, recipients []string, body []byte) error
}

// Appender stores a copy of a message in an IMAP folder.
type Appender interface {
	Append(ctx context.Context, folder string, flags []string, date time.Time, raw []byte) error
}

// SentFolder tells where an account's sent copies go. An empty path or
// autoCopies means the append is skipped.
type SentFolder func(ctx context.Context, accountID string) (path string, autoCopies bool, err error)

// Event reports an outbox entry changing state.
type Event struct {
	AccountID string           `json:"account_id"`
	MessageID string           `json:"message_id"`
	State     models.SendState `json:"state"`
	Retry     int              `json:"retry_count"`
	DueAt     *time.Time       `json:"due_at,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type Config struct {
	// RetryDelays is the wait before each retry; its length is the retry budget.
	RetryDelays mailerr.Schedule
	MaxAge      time.Duration
	SMTP        func(ctx context.Context, accountID string, fn func(Transport) error) error
	IMAP        func(ctx context.Context, accountID string, fn func(Appender) error) error
	SentFolder  SentFolder
	OnEvent     func(Event)
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Queue is the outbox drain. One Run loop per process; Enqueue, Retry and
// Discard are safe from any goroutine.
type Queue struct {
	store Store
	cfg   Config
	log   zerolog.Logger

	mu      sync.Mutex
	pending *schedule

	running *atomic.Bool
	wake    chan struct{}
}

func New(s Store, cfg Config) *Queue {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		store:   s,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "sendqueue").Logger(),
		pending: newSchedule(),
		running: atomic.NewBool(false),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue composes d and stores it as queued.
func (q *Queue) Enqueue(ctx context.Context, d Draft) (*models.Message, error) {
	m, err := Compose(d, q.cfg.Now())
	if err != nil {
		return nil, err
	}
	if err := q.store.QueueMessage(ctx, m); err != nil {
		return nil, err
	}
	q.schedule(m)
	q.emit(Event{AccountID: m.AccountID, MessageID: m.ID, State: models.SendQueued})
	q.trigger()
	return m, nil
}

// Retry puts a failed entry back in the queue with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	m, err := q.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if m.SendState != models.SendFailed {
		return fmt.Errorf("%w: only failed messages can be retried, this one is %s", store.ErrInvalidTransition, m.SendState)
	}
	if err := q.store.TransitionSend(ctx, id, models.SendQueued, store.SendUpdate{}); err != nil {
		return err
	}
	m.SendDueAt = nil
	q.schedule(m)
	q.emit(Event{AccountID: m.AccountID, MessageID: id, State: models.SendQueued})
	q.trigger()
	return nil
}

// Discard removes a failed entry from the outbox.
func (q *Queue) Discard(ctx context.Context, id string) error {
	return q.store.DeleteFailed(ctx, id)
}

func (q *Queue) Outbox(ctx context.Context, accountID string) ([]*models.Message, error) {
	return q.store.Outbox(ctx, accountID)
}

// Recover returns entries a crash left in sending to the queue and loads
// every queued entry into the schedule.
func (q *Queue) Recover(ctx context.Context) error {
	r, err := q.store.RecoverSending(ctx)
	if err != nil {
		return err
	}
	if r.Sent > 0 {
		q.log.Info().Int64("count", r.Sent).Msg("Marked messages the server accepted before the restart as sent")
	}
	if r.Requeued > 0 {
		q.log.Info().Int64("count", r.Requeued).Msg("Requeued messages interrupted while sending")
	}
	queued, err := q.store.QueuedMessages(ctx)
	if err != nil {
		return err
	}
	for _, m := range queued {
		q.schedule(m)
	}
	return nil
}

// Run recovers the outbox and drains it until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer q.running.Store(false)

	if err := q.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover outbox: %w", err)
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		q.Drain(ctx)

		wait := time.Hour
		if due, ok := q.nextDue(); ok {
			wait = due.Sub(q.cfg.Now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// Drain sends every entry that is due now, oldest queue time first, and
// returns how many were processed.
func (q *Queue) Drain(ctx context.Context) int {
	processed := 0
	for ctx.Err() == nil {
		q.mu.Lock()
		e, ok := q.pending.next(q.cfg.Now())
		q.mu.Unlock()
		if !ok {
			return processed
		}
		processed++
		if err := q.process(ctx, e); err != nil {
			q.log.Error().Err(err).Str("message", e.id).Msg("Failed to process outbox entry")
		}
	}
	return processed
}

func (q *Queue) process(ctx context.Context, e *entry) error {
	m, err := q.store.GetMessage(ctx, e.id)
	if errors.Is(err, store.ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.SendState != models.SendQueued {
		return nil
	}
	log := q.log.With().Str("account", m.AccountID).Str("message", m.ID).Logger()

	now := q.cfg.Now()
	if q.cfg.MaxAge > 0 && m.SendQueuedAt != nil && now.Sub(*m.SendQueuedAt) > q.cfg.MaxAge {
		log.Warn().Time("queued_at", *m.SendQueuedAt).Msg("Outbox entry expired")
		metrics.SendResults.WithLabelValues("expired").Inc()
		return q.fail(ctx, m, mailerr.ErrSendExpired)
	}

	if err := q.store.TransitionSend(ctx, m.ID, models.SendSending, store.SendUpdate{RetryCount: m.SendRetryCount}); err != nil {
		return err
	}
	q.emit(Event{AccountID: m.AccountID, MessageID: m.ID, State: models.SendSending, Retry: m.SendRetryCount})

	sendErr := q.send(ctx, m)
	switch {
	case sendErr == nil:
		// The server has the message now, so this write must not be lost to
		// a shutdown.
		if err := q.store.TransitionSend(context.WithoutCancel(ctx), m.ID, models.SendSent, store.SendUpdate{RetryCount: m.SendRetryCount}); err != nil {
			q.acceptedUnsaved(ctx, log, m, err)
			return nil
		}
		metrics.SendResults.WithLabelValues("sent").Inc()
		log.Info().Msg("Message sent")
		q.emit(Event{AccountID: m.AccountID, MessageID: m.ID, State: models.SendSent, Retry: m.SendRetryCount})
		q.appendSent(ctx, m)
		return nil

	case errors.Is(sendErr, mailerr.ErrOperationCancelled) || ctx.Err() != nil:
		// Shutting down mid-send: leave it for crash recovery on the next start.
		return q.store.TransitionSend(context.WithoutCancel(ctx), m.ID, models.SendQueued,
			store.SendUpdate{RetryCount: m.SendRetryCount})

	case mailerr.IsPermanent(sendErr):
		log.Warn().Err(sendErr).Msg("Message rejected")
		metrics.SendResults.WithLabelValues("failed").Inc()
		return q.fail(ctx, m, sendErr)
	}

	delay, ok := q.cfg.RetryDelays.Delay(m.SendRetryCount)
	if !ok {
		log.Warn().Err(sendErr).Int("retries", m.SendRetryCount).Msg("Retries exhausted")
		metrics.SendResults.WithLabelValues("failed").Inc()
		return q.fail(ctx, m, sendErr)
	}
	due := now.Add(delay)
	m.SendRetryCount++
	m.SendDueAt = &due
	if err := q.store.TransitionSend(ctx, m.ID, models.SendQueued, store.SendUpdate{
		RetryCount: m.SendRetryCount,
		DueAt:      &due,
		Error:      sendErr.Error(),
	}); err != nil {
		return err
	}
	metrics.SendResults.WithLabelValues("retry").Inc()
	log.Info().Err(sendErr).Dur("delay", delay).Int("retry", m.SendRetryCount).Msg("Send failed, retrying later")
	q.schedule(m)
	q.emit(Event{AccountID: m.AccountID, MessageID: m.ID, State: models.SendQueued, Retry: m.SendRetryCount, DueAt: &due, Error: sendErr.Error()})
	return nil
}

// acceptedUnsaved handles a message the server accepted whose sent state
// could not be stored. It stays in sending with an accepted marker, which
// recovery turns into sent rather than a second delivery.
func (q *Queue) acceptedUnsaved(ctx context.Context, log zerolog.Logger, m *models.Message, cause error) {
	metrics.SendResults.WithLabelValues("sent").Inc()
	if err := q.store.MarkSendAccepted(context.WithoutCancel(ctx), m.ID); err != nil {
		log.Error().Err(cause).AnErr("mark_error", err).
			Msg("Message sent but its state could not be saved, it may be sent again after a restart")
		return
	}
	log.Error().Err(cause).Msg("Message sent but its state could not be saved, recovery will mark it sent")
	q.emit(Event{AccountID: m.AccountID, MessageID: m.ID, State: models.SendSent, Retry: m.SendRetryCount})
	q.appendSent(ctx, m)
}

func (q *Queue) send(ctx context.Context, m *models.Message) error {
	from, recipients, err := envelope(m)
	if err != nil {
		return mailerr.CommandRejected("envelope", 0, err.Error())
	}
	if len(m.RawMIME) == 0 {
		return mailerr.CommandRejected("envelope", 0, "message has no content")
	}
	return q.cfg.SMTP(ctx, m.AccountID, func(t Transport) error {
		return t.SendMail(ctx, from, recipients, m.RawMIME)
	})
}

// appendSent files the sent copy. A failed append does not undo the send;
// the copy appears once the Sent folder is synced from the server anyway.
func (q *Queue) appendSent(ctx context.Context, m *models.Message) {
	if q.cfg.SentFolder == nil || q.cfg.IMAP == nil {
		return
	}
	path, autoCopies, err := q.cfg.SentFolder(ctx, m.AccountID)
	if err != nil {
		q.log.Warn().Err(err).Str("account", m.AccountID).Msg("Failed to resolve Sent folder")
		return
	}
	if autoCopies || path == "" {
		return
	}
	date := q.cfg.Now()
	if m.DateSent != nil {
		date = *m.DateSent
	}
	err = q.cfg.IMAP(ctx, m.AccountID, func(a Appender) error {
		return a.Append(ctx, path, []string{`\Seen`}, date, m.RawMIME)
	})
	if err != nil {
		q.log.Warn().Err(err).Str("account", m.AccountID).Str("folder", path).Msg("Failed to append sent copy")
	}
}

func (q *Queue) fail(ctx context.Context, m *models.Message, cause error) error {
	if err := q.store.TransitionSend(ctx, m.ID, models.SendFailed, store.SendUpdate{
		RetryCount: m.SendRetryCount,
		Error:      cause.Error(),
	}); err != nil {
		return err
	}
	q.emit(Event{AccountID: m.AccountID, MessageID: m.ID, State: models.SendFailed, Retry: m.SendRetryCount, Error: cause.Error()})
	return nil
}

func (q *Queue) schedule(m *models.Message) {
	e := &entry{id: m.ID, accountID: m.AccountID}
	if m.SendQueuedAt != nil {
		e.queuedAt = *m.SendQueuedAt
	}
	if m.SendDueAt != nil {
		e.dueAt = *m.SendDueAt
	}
	q.mu.Lock()
	q.pending.add(e, q.cfg.Now())
	q.mu.Unlock()
}

func (q *Queue) nextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.nextDue()
}

// Pending is the number of entries the drain loop is tracking.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.len()
}

func (q *Queue) trigger() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) emit(e Event) {
	if q.cfg.OnEvent != nil {
		q.cfg.OnEvent(e)
	}
}
