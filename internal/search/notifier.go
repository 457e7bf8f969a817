// Package search is the boundary to the local search index. The index itself
// lives outside this module; sync hands it changed message IDs through a
// Notifier that never blocks the caller.
package search

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Indexer refreshes its entries for the given messages. Deleted messages are
// included; the indexer drops IDs it can no longer load.
type Indexer interface {
	Index(ctx context.Context, accountID string, messageIDs []string) error
}

type change struct {
	accountID string
	ids       []string
}

// Notifier queues change notifications for an Indexer. OnMessagesChanged
// returns at once; when the queue is full the notification is dropped and
// counted, and the next full reindex picks the messages up.
type Notifier struct {
	indexer Indexer
	timeout time.Duration
	log     zerolog.Logger
	queue   chan change

	mu      sync.Mutex
	dropped int
	closed  bool
	done    chan struct{}
}

func NewNotifier(indexer Indexer, queueSize int, timeout time.Duration, logger zerolog.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	n := &Notifier{
		indexer: indexer,
		timeout: timeout,
		log:     logger.With().Str("component", "search").Logger(),
		queue:   make(chan change, queueSize),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *Notifier) OnMessagesChanged(accountID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- change{accountID: accountID, ids: append([]string(nil), ids...)}:
	default:
		n.dropped++
		n.log.Warn().Str("account", accountID).Int("messages", len(ids)).Msg("Index queue full, dropping notification")
	}
}

// Dropped is how many notifications were lost to a full queue.
func (n *Notifier) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

func (n *Notifier) run() {
	defer close(n.done)
	for c := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		if err := n.indexer.Index(ctx, c.accountID, c.ids); err != nil {
			n.log.Error().Err(err).Str("account", c.accountID).Int("messages", len(c.ids)).Msg("Indexing failed")
		}
		cancel()
	}
}

// Close stops accepting notifications and waits for queued ones to finish.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	<-n.done
}

// LogIndexer stands in for a real index: it only records what would be indexed.
type LogIndexer struct {
	Logger zerolog.Logger
}

func (l LogIndexer) Index(_ context.Context, accountID string, messageIDs []string) error {
	l.Logger.Debug().Str("account", accountID).Int("messages", len(messageIDs)).Msg("Index update")
	return nil
}
