package syncengine

import (
	"context"
	"sync"

	"github.com/vdavid/mailsync/internal/mailerr"
)

// FolderLocks gives each folder a single writer. Push-driven sync, catch-up
// batches and flag pushes all take the folder's lock before touching its
// cursors or rows.
//
// It also tracks messages with a local flag change still on its way to the
// server. Sync leaves their flags alone until the push settles.
type FolderLocks struct {
	mu      sync.Mutex
	locks   map[string]chan struct{}
	pending map[string]int
}

func NewFolderLocks() *FolderLocks {
	return &FolderLocks{locks: make(map[string]chan struct{}), pending: make(map[string]int)}
}

func (l *FolderLocks) slot(folderID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[folderID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[folderID] = ch
	}
	return ch
}

// Lock blocks until the folder is free or ctx is done. The returned func
// releases the lock and must be called exactly once.
func (l *FolderLocks) Lock(ctx context.Context, folderID string) (func(), error) {
	ch := l.slot(folderID)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, mailerr.Cancelled("lock folder", ctx.Err())
	}
}

// MarkPending records one unpushed flag change for messageID.
func (l *FolderLocks) MarkPending(messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[messageID]++
}

// ClearPending undoes one MarkPending. Extra calls are ignored.
func (l *FolderLocks) ClearPending(messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch n := l.pending[messageID]; {
	case n > 1:
		l.pending[messageID] = n - 1
	case n == 1:
		delete(l.pending, messageID)
	}
}

// Pending reports whether messageID has a flag change not yet settled.
func (l *FolderLocks) Pending(messageID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending[messageID] > 0
}
