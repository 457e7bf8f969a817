package main

import (
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/vdavid/mailsync/internal/flags"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/sendqueue"
)

type outboxEvent struct {
	Kind string `json:"kind"`
	sendqueue.Event
}

type revertEvent struct {
	Kind      string       `json:"kind"`
	MessageID string       `json:"message_id"`
	ThreadID  string       `json:"thread_id,omitempty"`
	Flags     models.Flags `json:"flags"`
	Error     string       `json:"error,omitempty"`
}

func newRevertEvent(e flags.RevertEvent) revertEvent {
	ev := revertEvent{Kind: "flags_reverted", MessageID: e.MessageID, ThreadID: e.ThreadID, Flags: e.Flags}
	if e.Err != nil {
		ev.Error = e.Err.Error()
	}
	return ev
}

type forwarded struct {
	accountID string
	v         any
}

// eventForwarder hands events to publish on its own goroutine, in order.
// Sync observers run on engine goroutines and must not wait on slow
// WebSocket clients, so a full buffer drops the event.
type eventForwarder struct {
	publish func(accountID string, v any)
	log     zerolog.Logger
	queue   chan forwarded
	dropped *atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func newEventForwarder(publish func(string, any), size int, logger zerolog.Logger) *eventForwarder {
	f := &eventForwarder{
		publish: publish,
		log:     logger.With().Str("component", "events").Logger(),
		queue:   make(chan forwarded, size),
		dropped: atomic.NewInt64(0),
		done:    make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *eventForwarder) run() {
	defer close(f.done)
	for ev := range f.queue {
		f.publish(ev.accountID, ev.v)
	}
}

// Forward queues v for the account's subscribers without blocking.
func (f *eventForwarder) Forward(accountID string, v any) {
	defer func() {
		// Forward after Close is a dropped event, not a crash.
		if recover() != nil {
			f.dropped.Inc()
		}
	}()
	select {
	case f.queue <- forwarded{accountID: accountID, v: v}:
	default:
		if n := f.dropped.Inc(); n == 1 || n%100 == 0 {
			f.log.Warn().Int64("dropped", n).Msg("Event queue full, dropping events")
		}
	}
}

func (f *eventForwarder) Dropped() int64 {
	return f.dropped.Load()
}

// Close delivers what is queued and stops the forwarder.
func (f *eventForwarder) Close() {
	f.closeOnce.Do(func() {
		close(f.queue)
	})
	<-f.done
}
