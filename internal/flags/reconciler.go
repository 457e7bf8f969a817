// Package flags reconciles read and starred state between the local mirror
// and the server. Local changes are applied optimistically and pushed with
// bounded retries; anything observed on the server overwrites local state.
package flags

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// Store is the part of the mailbox mirror the reconciler touches.
type Store interface {
	GetFlagState(ctx context.Context, messageID string) (store.FlagState, error)
	SetLocalFlags(ctx context.Context, messageID string, f models.Flags) error
	ConfirmServerFlags(ctx context.Context, messageID string, f models.Flags) error
	RevertFlags(ctx context.Context, messageID string) (models.Flags, error)
	Memberships(ctx context.Context, messageID string) ([]store.Membership, error)
	RecountThreads(ctx context.Context, threadIDs []string) error
}

// Mailbox is an IMAP session able to change flags.
type Mailbox interface {
	Select(ctx context.Context, path string) (models.FolderStatus, error)
	StoreFlags(ctx context.Context, uids []uint32, change models.FlagChange) error
}

// Sessions runs fn on a pooled IMAP session of the account.
type Sessions func(ctx context.Context, accountID string, fn func(Mailbox) error) error

// Locker serialises writers of one folder and tracks messages whose flag
// change has not reached the server yet.
type Locker interface {
	Lock(ctx context.Context, folderID string) (unlock func(), err error)
	MarkPending(messageID string)
	ClearPending(messageID string)
}

// RevertEvent reports a local change that never reached the server and was
// rolled back.
type RevertEvent struct {
	AccountID string
	MessageID string
	ThreadID  string
	Flags     models.Flags
	Err       error
}

type Options struct {
	Delays   mailerr.Schedule
	Sleep    mailerr.SleepFunc
	OnRevert func(RevertEvent)
}

type Reconciler struct {
	store    Store
	sessions Sessions
	locks    Locker
	opts     Options
	logger   zerolog.Logger
}

func NewReconciler(s Store, sessions Sessions, locks Locker, logger zerolog.Logger, opts Options) *Reconciler {
	if opts.Sleep == nil {
		opts.Sleep = mailerr.Sleep
	}
	return &Reconciler{
		store:    s,
		sessions: sessions,
		locks:    locks,
		opts:     opts,
		logger:   logger.With().Str("component", "flags").Logger(),
	}
}

// Apply changes a message's flags locally and pushes the change to every
// folder holding the message. If the push still fails after the retry
// schedule, local state is reverted to the last-known server state and the
// push error is returned.
func (r *Reconciler) Apply(ctx context.Context, accountID, messageID string, change models.FlagChange) (models.Flags, error) {
	flags, err := r.SetLocal(ctx, messageID, change)
	if err != nil {
		return models.Flags{}, err
	}
	if err := r.Push(ctx, accountID, messageID, change); err != nil {
		return models.Flags{}, err
	}
	return flags, nil
}

// SetLocal applies change to local state only and returns the new flags.
// The message stays pending, so sync does not overwrite the change, until
// the matching Push returns.
func (r *Reconciler) SetLocal(ctx context.Context, messageID string, change models.FlagChange) (models.Flags, error) {
	state, err := r.store.GetFlagState(ctx, messageID)
	if err != nil {
		return models.Flags{}, err
	}
	desired := change.Apply(state.Local)
	r.locks.MarkPending(messageID)
	if err := r.store.SetLocalFlags(ctx, messageID, desired); err != nil {
		r.locks.ClearPending(messageID)
		return models.Flags{}, err
	}
	r.recount(ctx, state.ThreadID)
	return desired, nil
}

// Push sends change to the server, retrying per the schedule, and reverts
// local state when every attempt failed. It settles the pending mark left by
// SetLocal.
func (r *Reconciler) Push(ctx context.Context, accountID, messageID string, change models.FlagChange) error {
	defer r.locks.ClearPending(messageID)
	memberships, err := r.store.Memberships(ctx, messageID)
	if err != nil {
		return err
	}
	if len(memberships) == 0 {
		return nil
	}

	log := r.logger.With().Str("account", accountID).Str("message", messageID).Logger()
	pushErr := mailerr.Retry(ctx, r.opts.Delays, r.opts.Sleep, retryable, func(attempt int) error {
		if attempt > 0 {
			log.Debug().Int("attempt", attempt).Msg("Retrying flag push")
		}
		return r.pushOnce(ctx, accountID, memberships, change)
	})
	if pushErr == nil {
		state, err := r.store.GetFlagState(ctx, messageID)
		if err != nil {
			return err
		}
		return r.store.ConfirmServerFlags(ctx, messageID, change.Apply(state.Server))
	}
	if errors.Is(pushErr, mailerr.ErrOperationCancelled) {
		return pushErr
	}

	log.Warn().Err(pushErr).Msg("Flag push failed, reverting to server state")
	// The caller's context may be what failed; the revert must still land.
	revertCtx := context.WithoutCancel(ctx)
	reverted, err := r.store.RevertFlags(revertCtx, messageID)
	if err != nil {
		return fmt.Errorf("failed to revert flags after push failure (%v): %w", pushErr, err)
	}
	state, err := r.store.GetFlagState(revertCtx, messageID)
	if err == nil {
		r.recount(revertCtx, state.ThreadID)
	}
	if r.opts.OnRevert != nil {
		r.opts.OnRevert(RevertEvent{
			AccountID: accountID,
			MessageID: messageID,
			ThreadID:  state.ThreadID,
			Flags:     reverted,
			Err:       pushErr,
		})
	}
	return fmt.Errorf("failed to push flags: %w", pushErr)
}

func (r *Reconciler) pushOnce(ctx context.Context, accountID string, memberships []store.Membership, change models.FlagChange) error {
	for _, m := range memberships {
		unlock, err := r.locks.Lock(ctx, m.FolderID)
		if err != nil {
			return err
		}
		err = r.sessions(ctx, accountID, func(mb Mailbox) error {
			if _, err := mb.Select(ctx, m.FolderPath); err != nil {
				return err
			}
			return mb.StoreFlags(ctx, []uint32{m.UID}, change)
		})
		unlock()
		if err != nil {
			return fmt.Errorf("storing flags in %s: %w", m.FolderPath, err)
		}
	}
	return nil
}

func (r *Reconciler) recount(ctx context.Context, threadID string) {
	if threadID == "" {
		return
	}
	if err := r.store.RecountThreads(ctx, []string{threadID}); err != nil {
		r.logger.Warn().Err(err).Str("thread", threadID).Msg("Failed to recount thread")
	}
}

func retryable(err error) bool {
	return !errors.Is(err, mailerr.ErrOperationCancelled)
}

// Reconcile compares stored flag state with flags just fetched from the server
// and returns the overwrites needed. The server always wins, except over a
// change still being pushed: messages for which pending reports true are
// skipped. UIDs the store does not know are ignored. pending may be nil.
func Reconcile(local map[uint32]store.FlagState, server map[uint32]models.Flags, pending func(messageID string) bool) []store.FlagUpdate {
	uids := make([]uint32, 0, len(server))
	for uid := range server {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	var updates []store.FlagUpdate
	for _, uid := range uids {
		state, ok := local[uid]
		if !ok || (pending != nil && pending(state.MessageID)) {
			continue
		}
		remote := server[uid]
		if state.Local != remote || state.Server != remote {
			updates = append(updates, store.FlagUpdate{MessageID: state.MessageID, Flags: remote})
		}
	}
	return updates
}

// DetectDeletions returns the local UIDs missing from a full server listing,
// ascending.
func DetectDeletions(localUIDs, serverUIDs []uint32) []uint32 {
	onServer := make(map[uint32]struct{}, len(serverUIDs))
	for _, uid := range serverUIDs {
		onServer[uid] = struct{}{}
	}
	var gone []uint32
	for _, uid := range localUIDs {
		if _, ok := onServer[uid]; !ok {
			gone = append(gone, uid)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	return gone
}
