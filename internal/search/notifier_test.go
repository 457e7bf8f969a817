package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingIndexer struct {
	mu    sync.Mutex
	calls [][]string
	block chan struct{}
	err   error
}

func (r *recordingIndexer) Index(ctx context.Context, _ string, ids []string) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ids)
	return r.err
}

func (r *recordingIndexer) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func TestNotifier_DeliversInOrder(t *testing.T) {
	idx := &recordingIndexer{}
	n := NewNotifier(idx, 8, time.Second, zerolog.Nop())

	n.OnMessagesChanged("a", []string{"m1", "m2"})
	n.OnMessagesChanged("a", nil)
	n.OnMessagesChanged("a", []string{"m3"})
	n.Close()

	assert.Equal(t, [][]string{{"m1", "m2"}, {"m3"}}, idx.Calls())
}

func TestNotifier_NeverBlocksCaller(t *testing.T) {
	idx := &recordingIndexer{block: make(chan struct{})}
	n := NewNotifier(idx, 1, time.Second, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			n.OnMessagesChanged("a", []string{"m"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnMessagesChanged blocked on a stuck indexer")
	}
	assert.GreaterOrEqual(t, n.Dropped(), 8)

	close(idx.block)
	n.Close()
}

func TestNotifier_IndexerErrorsAreSwallowed(t *testing.T) {
	idx := &recordingIndexer{err: errors.New("index offline")}
	n := NewNotifier(idx, 4, time.Second, zerolog.Nop())
	n.OnMessagesChanged("a", []string{"m1"})
	n.Close()

	require.Len(t, idx.Calls(), 1)
	n.OnMessagesChanged("a", []string{"m2"})
	assert.Len(t, idx.Calls(), 1, "closed notifier ignores new changes")
}

func TestNotifier_CopiesIDs(t *testing.T) {
	idx := &recordingIndexer{}
	n := NewNotifier(idx, 4, time.Second, zerolog.Nop())
	ids := []string{"m1"}
	n.OnMessagesChanged("a", ids)
	ids[0] = "changed"
	n.Close()

	assert.Equal(t, [][]string{{"m1"}}, idx.Calls())
}
