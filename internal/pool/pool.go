package pool

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/wire"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// Session is what the pool manages: wire.IMAPSession and wire.SMTPSession.
type Session interface {
	State() wire.State
	Noop(ctx context.Context) error
	Close() error
}

// Key identifies one bounded set of sessions.
type Key struct {
	AccountID string
	Protocol  models.Protocol
}

// Dialer opens a new session for key. It runs outside the pool's lock.
type Dialer[S Session] func(ctx context.Context, key Key) (S, error)

type Config struct {
	// Limit is the maximum number of sessions open at once for a key.
	Limit func(Key) int
	// HealthCheckAfter is how long a session may sit idle before it is
	// NOOP-checked on reuse.
	HealthCheckAfter time.Duration
	// IdleTimeout is how long a session may sit idle before cleanup closes it.
	IdleTimeout time.Duration
	// CleanupInterval is how often cleanup runs. Defaults to one minute.
	CleanupInterval time.Duration
	// OnAcquire, if set, is told how long each successful Acquire waited.
	OnAcquire func(key Key, waited time.Duration)
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Pool bounds concurrent sessions per key. Callers over the limit queue in
// strict FIFO order. A session handed out by Acquire must come back through
// Release or Discard.
//
// Thread safety: all bookkeeping is under one mutex; dialing, health checks
// and closing happen outside it.
type Pool[S Session] struct {
	dial Dialer[S]
	cfg  Config
	log  zerolog.Logger

	mu          sync.Mutex
	buckets     map[Key]*bucket[S]
	outstanding map[Session]Key
	closed      bool
}

type bucket[S Session] struct {
	idle    []idleSession[S]
	open    int
	waiters *list.List
}

type idleSession[S Session] struct {
	session  S
	lastUsed time.Time
}

// grant is what a waiter receives: a session, a free slot to dial into, or an error.
type grant[S Session] struct {
	session    S
	hasSession bool
	err        error
}

type waiter[S Session] struct {
	ch chan grant[S]
}

type Stats struct {
	Open    int `json:"open"`
	Idle    int `json:"idle"`
	InUse   int `json:"in_use"`
	Waiting int `json:"waiting"`
}

func New[S Session](dial Dialer[S], cfg Config) *Pool[S] {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &Pool[S]{
		dial:        dial,
		cfg:         cfg,
		log:         cfg.Logger.With().Str("component", "pool").Logger(),
		buckets:     make(map[Key]*bucket[S]),
		outstanding: make(map[Session]Key),
	}
}

func (p *Pool[S]) limit(key Key) int {
	if p.cfg.Limit == nil {
		return 1
	}
	if n := p.cfg.Limit(key); n > 0 {
		return n
	}
	return 1
}

func (p *Pool[S]) bucketLocked(key Key) *bucket[S] {
	b, ok := p.buckets[key]
	if !ok {
		b = &bucket[S]{waiters: list.New()}
		p.buckets[key] = b
	}
	return b
}

// Acquire returns an idle session for key, dials a new one if under the
// limit, or waits in line. Cancelling ctx while waiting leaves the line.
func (p *Pool[S]) Acquire(ctx context.Context, key Key) (S, error) {
	var zero S
	started := p.cfg.Now()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrPoolClosed
		}
		b := p.bucketLocked(key)

		if n := len(b.idle); n > 0 {
			entry := b.idle[n-1]
			b.idle = b.idle[:n-1]
			p.outstanding[entry.session] = key
			p.mu.Unlock()

			if p.healthy(ctx, entry) {
				p.acquired(key, started)
				return entry.session, nil
			}
			p.log.Debug().Str("account", key.AccountID).Str("protocol", string(key.Protocol)).Msg("Pool: discarding dead idle session")
			p.Discard(entry.session)
			continue
		}

		if b.open < p.limit(key) {
			b.open++
			p.mu.Unlock()
			s, err := p.dialSlot(ctx, key)
			if err == nil {
				p.acquired(key, started)
			}
			return s, err
		}

		w := &waiter[S]{ch: make(chan grant[S], 1)}
		elem := b.waiters.PushBack(w)
		p.mu.Unlock()

		select {
		case g := <-w.ch:
			return p.accept(ctx, key, g, started)
		case <-ctx.Done():
			p.mu.Lock()
			select {
			case g := <-w.ch:
				// Granted while we were giving up; pass it on.
				p.mu.Unlock()
				if g.hasSession {
					p.Release(g.session)
				} else if g.err == nil {
					p.freeSlot(key)
				}
			default:
				b.waiters.Remove(elem)
				p.mu.Unlock()
			}
			return zero, mailerr.Cancelled("pool acquire", ctx.Err())
		}
	}
}

func (p *Pool[S]) accept(ctx context.Context, key Key, g grant[S], started time.Time) (S, error) {
	var zero S
	if g.err != nil {
		return zero, g.err
	}
	if g.hasSession {
		p.acquired(key, started)
		return g.session, nil
	}
	s, err := p.dialSlot(ctx, key)
	if err == nil {
		p.acquired(key, started)
	}
	return s, err
}

func (p *Pool[S]) acquired(key Key, started time.Time) {
	if p.cfg.OnAcquire != nil {
		p.cfg.OnAcquire(key, p.cfg.Now().Sub(started))
	}
}

// dialSlot dials into a slot already counted in open.
func (p *Pool[S]) dialSlot(ctx context.Context, key Key) (S, error) {
	var zero S
	s, err := p.dial(ctx, key)
	if err != nil {
		p.freeSlot(key)
		return zero, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = s.Close()
		p.freeSlot(key)
		return zero, ErrPoolClosed
	}
	p.outstanding[s] = key
	p.mu.Unlock()
	return s, nil
}

// freeSlot gives up one slot of key, passing it to the next waiter if any.
func (p *Pool[S]) freeSlot(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeSlotLocked(p.bucketLocked(key))
}

func (p *Pool[S]) freeSlotLocked(b *bucket[S]) {
	b.open--
	if front := b.waiters.Front(); front != nil && !p.closed {
		b.waiters.Remove(front)
		b.open++
		front.Value.(*waiter[S]).ch <- grant[S]{}
	}
}

func (p *Pool[S]) healthy(ctx context.Context, entry idleSession[S]) bool {
	if entry.session.State() != wire.StateReady {
		return false
	}
	if p.cfg.HealthCheckAfter <= 0 || p.cfg.Now().Sub(entry.lastUsed) <= p.cfg.HealthCheckAfter {
		return true
	}
	return entry.session.Noop(ctx) == nil
}

// Release returns s to the pool. Ready sessions go to the oldest waiter or
// the idle set; anything else is closed and its slot freed.
func (p *Pool[S]) Release(s S) {
	p.mu.Lock()
	key, ok := p.outstanding[s]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.outstanding, s)
	b := p.bucketLocked(key)

	if p.closed || s.State() != wire.StateReady {
		p.freeSlotLocked(b)
		p.mu.Unlock()
		_ = s.Close()
		return
	}

	if front := b.waiters.Front(); front != nil {
		b.waiters.Remove(front)
		p.outstanding[s] = key
		front.Value.(*waiter[S]).ch <- grant[S]{session: s, hasSession: true}
		p.mu.Unlock()
		return
	}

	b.idle = append(b.idle, idleSession[S]{session: s, lastUsed: p.cfg.Now()})
	p.mu.Unlock()
}

// Discard closes s and frees its slot.
func (p *Pool[S]) Discard(s S) {
	p.mu.Lock()
	if key, ok := p.outstanding[s]; ok {
		delete(p.outstanding, s)
		p.freeSlotLocked(p.bucketLocked(key))
	}
	p.mu.Unlock()
	_ = s.Close()
}

// With acquires a session for key, runs fn on it and hands it back. A
// session whose operation failed at the transport level is discarded.
func (p *Pool[S]) With(ctx context.Context, key Key, fn func(S) error) error {
	s, err := p.Acquire(ctx, key)
	if err != nil {
		return err
	}
	err = fn(s)
	switch mailerr.KindOf(err) {
	case mailerr.KindConnectionFailed, mailerr.KindTimeout, mailerr.KindProtocolViolation:
		p.Discard(s)
	default:
		p.Release(s)
	}
	return err
}

func (p *Pool[S]) Stats(key Key) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[key]
	if !ok {
		return Stats{}
	}
	return Stats{
		Open:    b.open,
		Idle:    len(b.idle),
		InUse:   b.open - len(b.idle),
		Waiting: b.waiters.Len(),
	}
}

// CloseAccount closes the idle sessions of every key for accountID.
// Outstanding sessions are closed when released.
func (p *Pool[S]) CloseAccount(accountID string) {
	var toClose []S
	p.mu.Lock()
	for key, b := range p.buckets {
		if key.AccountID != accountID {
			continue
		}
		for _, e := range b.idle {
			toClose = append(toClose, e.session)
		}
		b.open -= len(b.idle)
		b.idle = nil
	}
	p.mu.Unlock()

	for _, s := range toClose {
		_ = s.Close()
	}
}

// Close closes idle sessions and fails all waiters. Outstanding sessions are
// closed as they are released.
func (p *Pool[S]) Close() {
	var toClose []S
	p.mu.Lock()
	p.closed = true
	for _, b := range p.buckets {
		for _, e := range b.idle {
			toClose = append(toClose, e.session)
		}
		b.open -= len(b.idle)
		b.idle = nil
		for e := b.waiters.Front(); e != nil; e = e.Next() {
			e.Value.(*waiter[S]).ch <- grant[S]{err: ErrPoolClosed}
		}
		b.waiters.Init()
	}
	p.mu.Unlock()

	for _, s := range toClose {
		_ = s.Close()
	}
}
