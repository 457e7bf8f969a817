package pool

import (
	"context"
	"time"
)

// StartCleanup closes sessions idle longer than IdleTimeout until ctx is done.
func (p *Pool[S]) StartCleanup(ctx context.Context) {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.cleanupIdle()
			}
		}
	}()
}

func (p *Pool[S]) cleanupIdle() {
	now := p.cfg.Now()
	var toClose []S

	p.mu.Lock()
	for _, b := range p.buckets {
		kept := b.idle[:0]
		for _, e := range b.idle {
			if now.Sub(e.lastUsed) > p.cfg.IdleTimeout {
				toClose = append(toClose, e.session)
				p.freeSlotLocked(b)
				continue
			}
			kept = append(kept, e)
		}
		b.idle = kept
	}
	p.mu.Unlock()

	if len(toClose) > 0 {
		p.log.Debug().Int("count", len(toClose)).Msg("Pool: closing idle sessions")
	}
	for _, s := range toClose {
		_ = s.Close()
	}
}
