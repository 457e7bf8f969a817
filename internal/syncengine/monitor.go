package syncengine

import (
	"context"
	"errors"
	"time"

	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/wire"
)

// monitor keeps one IDLE session on the inbox and turns new-mail pushes into
// push triggers. A lost session takes the engine out of Listening and is
// restarted after MonitorRestartDelay.
func (e *Engine) monitor(ctx context.Context) {
	select {
	case <-e.primaryKnown:
	case <-ctx.Done():
		return
	}

	delay := e.cfg.Limits.MonitorRestartDelay
	if delay <= 0 {
		delay = 30 * time.Second
	}
	for {
		err := e.watch(ctx)
		e.listening.Store(false)
		e.transitionFrom(StateListening, StateIdle)
		if ctx.Err() != nil {
			return
		}
		e.log.Warn().Err(err).Dur("restart_in", delay).Msg("Push monitor lost")
		if err := e.cfg.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

// watch holds one pool slot for as long as IDLE runs. The session is always
// discarded afterwards so its transport is closed before watch returns.
func (e *Engine) watch(ctx context.Context) error {
	e.mu.Lock()
	primary := e.primary
	e.mu.Unlock()

	s, err := e.cfg.Sessions.Acquire(ctx, e.key)
	if err != nil {
		return err
	}
	defer e.cfg.Sessions.Discard(s)

	if !s.Authenticated() {
		if err := Login(ctx, s, e.cfg.Credentials, e.accountID); err != nil {
			return err
		}
	}
	if _, err := s.Select(ctx, primary.IMAPPath); err != nil {
		return err
	}

	e.listening.Store(true)
	e.enterListening()
	e.log.Info().Str("folder", primary.IMAPPath).Msg("Push monitor started")

	err = s.Idle(ctx, func(ev wire.MailboxEvent) {
		if ev.Kind == wire.EventExists {
			e.Trigger(TriggerPush)
		}
	})
	if errors.Is(err, mailerr.ErrOperationCancelled) && ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = mailerr.ConnectionFailed("idle", mailerr.ErrSessionClosed)
	}
	return err
}
