package syncengine

import (
	"context"
	"fmt"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/threading"
)

func (e *Engine) threadingOptions() threading.Options {
	opts := threading.DefaultOptions()
	if e.cfg.Limits.ThreadWindow > 0 {
		opts.Window = e.cfg.Limits.ThreadWindow
	}
	if e.cfg.Limits.SnippetLength > 0 {
		opts.SnippetLength = e.cfg.Limits.SnippetLength
	}
	return opts
}

// thread groups newly stored messages with the stored messages they could
// join and writes the resulting threads. Returns the affected thread IDs, merged-away
// ones included.
func (e *Engine) thread(ctx context.Context, msgs []*models.Message) ([]string, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	opts := e.threadingOptions()
	neighbors, err := e.cfg.Store.ThreadingNeighborhood(ctx, e.accountID, msgs, opts.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to load threading neighborhood: %w", err)
	}

	// Stored copies carry the current thread IDs, so they take precedence.
	seen := make(map[string]bool, len(neighbors)+len(msgs))
	set := make([]*models.Message, 0, len(neighbors)+len(msgs))
	for _, m := range neighbors {
		seen[m.ID] = true
		set = append(set, m)
	}
	for _, m := range msgs {
		if !seen[m.ID] {
			seen[m.ID] = true
			set = append(set, m)
		}
	}

	assignments := threading.Assign(threading.Group(set, opts), e.accountID, opts, nil)
	if err := e.cfg.Store.ApplyThreads(ctx, assignments); err != nil {
		return nil, fmt.Errorf("failed to save threads: %w", err)
	}
	ids := make([]string, 0, len(assignments))
	for _, a := range assignments {
		ids = append(ids, a.Thread.ID)
		ids = append(ids, a.Merged...)
	}
	return ids, nil
}

// rethreadPending threads stored messages a previous cycle committed but
// failed to thread. Failures are logged and left for the next cycle.
func (e *Engine) rethreadPending(ctx context.Context) {
	limit := e.cfg.Limits.BatchSize
	if limit <= 0 {
		limit = 50
	}
	tried := make(map[string]bool)
	for ctx.Err() == nil {
		msgs, err := e.cfg.Store.UnthreadedMessages(ctx, e.accountID, limit)
		if err != nil {
			e.log.Warn().Err(err).Msg("Failed to list unthreaded messages")
			return
		}
		fresh := msgs[:0:0]
		for _, m := range msgs {
			if !tried[m.ID] {
				tried[m.ID] = true
				fresh = append(fresh, m)
			}
		}
		if len(fresh) == 0 {
			return
		}
		threads, err := e.thread(ctx, fresh)
		if err != nil {
			e.log.Warn().Err(err).Int("messages", len(fresh)).Msg("Failed to thread leftover messages")
			return
		}
		ids := make([]string, len(fresh))
		for i, m := range fresh {
			ids[i] = m.ID
		}
		e.log.Info().Int("messages", len(ids)).Msg("Threaded messages left over from an earlier cycle")
		e.emit(Event{Kind: EventMessagesChanged, MessageIDs: ids, ThreadIDs: threads})
		e.recordChanged(ids)
		if len(msgs) < limit {
			return
		}
	}
}
