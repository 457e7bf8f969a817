package wire

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/mailerr"
)

func TestGuard_FirstResolverWins(t *testing.T) {
	var g Guard
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Resolve() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.True(t, g.Resolved())
}

func TestRace(t *testing.T) {
	t.Run("result before timeout", func(t *testing.T) {
		aborted := false
		err := Race(context.Background(), "op", time.Second, func() { aborted = true }, func() error {
			return errors.New("boom")
		})
		require.EqualError(t, err, "boom")
		assert.False(t, aborted)
	})

	t.Run("timeout aborts and wins", func(t *testing.T) {
		unblock := make(chan struct{})
		var aborts int
		err := Race(context.Background(), "read", 20*time.Millisecond, func() {
			aborts++
			close(unblock)
		}, func() error {
			<-unblock
			return errors.New("late result is dropped")
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, mailerr.ErrTimeout))
		assert.Equal(t, 1, aborts)
	})

	t.Run("cancellation aborts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		unblock := make(chan struct{})
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		err := Race(ctx, "read", time.Minute, func() { close(unblock) }, func() error {
			<-unblock
			return nil
		})
		assert.True(t, errors.Is(err, mailerr.ErrOperationCancelled))
	})

	t.Run("zero timeout waits for the result", func(t *testing.T) {
		err := Race(context.Background(), "op", 0, nil, func() error {
			time.Sleep(5 * time.Millisecond)
			return nil
		})
		assert.NoError(t, err)
	})
}
