package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/flags"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/threading"
)

type passMode int

const (
	// passInitial persists one bounded page of headers: the bootstrap page of
	// a new folder, or the first forward batch of a known one.
	passInitial passMode = iota
	// passFull runs every phase: forward, flags and deletions, retries, backfill.
	passFull
)

func folderRetryable(err error) bool {
	switch mailerr.KindOf(err) {
	case mailerr.KindConnectionFailed, mailerr.KindTimeout, mailerr.KindProtocolViolation:
		return true
	}
	return false
}

// syncFolder runs one pass over f under its folder lock, retrying transient
// failures on the folder schedule. A pause parks the engine between batches
// and the pass picks up where it stopped once resumed.
func (e *Engine) syncFolder(ctx context.Context, f *models.Folder, mode passMode) error {
	log := e.log.With().Str("folder", f.IMAPPath).Logger()
	for {
		err := mailerr.Retry(ctx, e.cfg.Limits.FolderRetryDelays, e.cfg.Sleep, folderRetryable, func(attempt int) error {
			if attempt > 0 {
				log.Info().Int("attempt", attempt+1).Msg("Retrying folder")
			}
			return e.lockedPass(ctx, f.ID, mode)
		})
		if errors.Is(err, errPaused) {
			if err := e.waitResume(ctx); err != nil {
				return err
			}
			continue
		}
		if err == nil && mode == passFull {
			e.emit(Event{Kind: EventFolderSynced, Folder: f.IMAPPath})
		}
		return err
	}
}

func (e *Engine) lockedPass(ctx context.Context, folderID string, mode passMode) error {
	unlock, err := e.cfg.Locks.Lock(ctx, folderID)
	if err != nil {
		return err
	}
	defer unlock()
	return e.withMailbox(ctx, func(m Mailbox) error {
		f, err := e.cfg.Store.GetFolder(ctx, folderID)
		if err != nil {
			return err
		}
		p := &pass{engine: e, m: m, f: f, log: e.log.With().Str("folder", f.IMAPPath).Logger()}
		return p.run(ctx, mode)
	})
}

// pass is one locked walk over a folder on one session.
type pass struct {
	engine *Engine
	m      Mailbox
	f      *models.Folder
	log    zerolog.Logger
}

func (p *pass) run(ctx context.Context, mode passMode) error {
	if err := p.selectFolder(ctx); err != nil {
		return err
	}
	if !p.f.BootstrapComplete {
		if err := p.bootstrap(ctx); err != nil {
			return err
		}
		if mode == passInitial {
			return nil
		}
	} else if mode == passInitial {
		return p.forward(ctx, p.engine.cfg.Limits.InitialPageSize, 1)
	}

	if err := p.forward(ctx, p.engine.cfg.Limits.BatchSize, 0); err != nil {
		return err
	}
	if err := p.reconcile(ctx); err != nil {
		return err
	}
	if err := p.retryFailed(ctx); err != nil {
		return err
	}
	if err := p.backfill(ctx); err != nil {
		return err
	}
	return p.engine.cfg.Store.MarkFolderSynced(ctx, p.f.ID)
}

// selectFolder opens the folder and handles a UIDVALIDITY change by dropping
// everything cached for it.
func (p *pass) selectFolder(ctx context.Context) error {
	st := p.engine.cfg.Store
	status, err := p.m.Select(ctx, p.f.IMAPPath)
	if err != nil {
		return err
	}
	switch {
	case p.f.UIDValidity == 0:
		if err := st.SetUIDValidity(ctx, p.f.ID, status.UIDValidity); err != nil {
			return err
		}
		p.f.UIDValidity = status.UIDValidity
	case p.f.UIDValidity != status.UIDValidity:
		p.log.Warn().Uint32("old", p.f.UIDValidity).Uint32("new", status.UIDValidity).Msg("UIDVALIDITY changed, re-bootstrapping folder")
		threads, err := st.ResetFolder(ctx, p.f.ID, status.UIDValidity)
		if err != nil {
			return err
		}
		metrics.FolderResets.Inc()
		if err := st.RecountThreads(ctx, threads); err != nil {
			return err
		}
		if p.f, err = st.GetFolder(ctx, p.f.ID); err != nil {
			return err
		}
	}
	return nil
}

// bootstrap persists the newest page of a folder's headers and marks both
// cursor ends. An empty folder completes bootstrap with nothing to backfill.
func (p *pass) bootstrap(ctx context.Context) error {
	uids, err := p.m.SearchUIDs(ctx, 1, 0)
	if err != nil {
		return err
	}
	size := p.engine.cfg.Limits.InitialPageSize
	if size <= 0 {
		size = 50
	}
	if len(uids) > size {
		uids = uids[len(uids)-size:]
	}

	batch := store.Batch{FolderID: p.f.ID, BootstrapComplete: true}
	if len(uids) > 0 {
		batch.ForwardCursor = uids[len(uids)-1]
		batch.BackfillCursor = uids[0]
	}
	if err := p.commit(ctx, batch, uids, "bootstrap"); err != nil {
		return err
	}
	p.log.Info().Int("messages", len(uids)).Msg("Folder bootstrapped")
	p.f.BootstrapComplete = true
	p.f.ForwardCursorUID = batch.ForwardCursor
	p.f.BackfillCursorUID = batch.BackfillCursor
	if len(uids) == 0 {
		return p.engine.cfg.Store.SetCatchUpStatus(ctx, p.f.ID, models.CatchUpCompleted)
	}
	return nil
}

// forward fetches mail above the forward cursor in ascending batches. A
// maxBatches of 0 means until caught up.
func (p *pass) forward(ctx context.Context, size, maxBatches int) error {
	if size <= 0 {
		size = 100
	}
	for n := 0; maxBatches == 0 || n < maxBatches; n++ {
		uids, err := p.m.SearchUIDs(ctx, p.f.ForwardCursorUID+1, 0)
		if err != nil {
			return err
		}
		if len(uids) == 0 {
			return nil
		}
		if len(uids) > size {
			uids = uids[:size]
		}
		top := uids[len(uids)-1]
		if err := p.commit(ctx, store.Batch{FolderID: p.f.ID, ForwardCursor: top}, uids, "forward"); err != nil {
			return err
		}
		p.f.ForwardCursorUID = top
	}
	return nil
}

// reconcile applies server flags to known messages (server wins) and drops
// memberships whose UIDs the server no longer lists.
func (p *pass) reconcile(ctx context.Context) error {
	st := p.engine.cfg.Store
	serverUIDs, err := p.m.SearchUIDs(ctx, 1, 0)
	if err != nil {
		return err
	}
	localUIDs, err := st.FolderUIDs(ctx, p.f.ID)
	if err != nil {
		return err
	}

	if gone := flags.DetectDeletions(localUIDs, serverUIDs); len(gone) > 0 {
		deleted, threads, err := st.RemoveMemberships(ctx, p.f.ID, gone)
		if err != nil {
			return err
		}
		if err := st.RecountThreads(ctx, threads); err != nil {
			return err
		}
		p.log.Info().Int("expunged", len(gone)).Int("deleted", len(deleted)).Msg("Removed messages gone from server")
		p.engine.emit(Event{Kind: EventMessagesChanged, Folder: p.f.IMAPPath, MessageIDs: deleted, ThreadIDs: threads})
		p.engine.recordChanged(deleted)
	}

	known := intersect(localUIDs, serverUIDs)
	if len(known) == 0 {
		return nil
	}
	server := make(map[uint32]models.Flags, len(known))
	for _, chunk := range chunks(known, p.engine.cfg.Limits.BatchSize) {
		got, err := p.m.FetchFlags(ctx, chunk)
		if err != nil {
			return err
		}
		for uid, f := range got {
			server[uid] = f
		}
	}
	local, err := st.FolderFlagState(ctx, p.f.ID)
	if err != nil {
		return err
	}
	updates := flags.Reconcile(local, server, p.engine.cfg.Locks.Pending)
	if len(updates) == 0 {
		return nil
	}
	if err := st.ApplyServerFlags(ctx, updates); err != nil {
		return err
	}

	threadOf := make(map[string]string, len(local))
	for _, state := range local {
		threadOf[state.MessageID] = state.ThreadID
	}
	threadSet := make(map[string]bool)
	ids := make([]string, 0, len(updates))
	for _, u := range updates {
		threadSet[threadOf[u.MessageID]] = true
		ids = append(ids, u.MessageID)
	}
	threads := keys(threadSet)
	if err := st.RecountThreads(ctx, threads); err != nil {
		return err
	}
	p.log.Debug().Int("updated", len(updates)).Msg("Applied server flags")
	p.engine.emit(Event{Kind: EventMessagesChanged, Folder: p.f.IMAPPath, MessageIDs: ids, ThreadIDs: threads})
	return nil
}

// retryFailed refetches messages that failed in earlier batches.
func (p *pass) retryFailed(ctx context.Context) error {
	uids, err := p.engine.cfg.Store.PendingRetries(ctx, p.f.ID, p.engine.cfg.Limits.MaxFetchRetries)
	if err != nil || len(uids) == 0 {
		return err
	}
	p.log.Info().Int("messages", len(uids)).Msg("Retrying failed fetches")
	for _, chunk := range chunks(uids, p.engine.cfg.Limits.BatchSize) {
		if err := p.commit(ctx, store.Batch{FolderID: p.f.ID}, chunk, "retry"); err != nil {
			return err
		}
	}
	return nil
}

// backfill walks history below the backfill cursor, newest first, checking
// for a pause before every batch.
func (p *pass) backfill(ctx context.Context) error {
	st := p.engine.cfg.Store
	if p.f.CatchUpStatus == models.CatchUpCompleted {
		return nil
	}
	if p.f.BackfillCursorUID <= 1 {
		return st.SetCatchUpStatus(ctx, p.f.ID, models.CatchUpCompleted)
	}
	if err := st.SetCatchUpStatus(ctx, p.f.ID, models.CatchUpRunning); err != nil {
		return err
	}
	size := p.engine.cfg.Limits.BatchSize
	if size <= 0 {
		size = 100
	}
	for {
		if p.engine.pauseRequested() {
			if err := st.SetCatchUpStatus(ctx, p.f.ID, models.CatchUpPaused); err != nil {
				return err
			}
			return errPaused
		}
		if p.f.BackfillCursorUID <= 1 {
			break
		}
		uids, err := p.m.SearchUIDs(ctx, 1, p.f.BackfillCursorUID-1)
		if err != nil {
			return err
		}
		if len(uids) == 0 {
			break
		}
		if len(uids) > size {
			uids = uids[len(uids)-size:]
		}
		bottom := uids[0]
		if err := p.commit(ctx, store.Batch{FolderID: p.f.ID, BackfillCursor: bottom}, uids, "backfill"); err != nil {
			return err
		}
		p.f.BackfillCursorUID = bottom
	}
	p.log.Info().Msg("Catch-up complete")
	return st.SetCatchUpStatus(ctx, p.f.ID, models.CatchUpCompleted)
}

// commit fetches uids, persists them with the batch's cursor movement in one
// transaction and threads the new messages.
func (p *pass) commit(ctx context.Context, batch store.Batch, uids []uint32, direction string) error {
	e := p.engine
	fetched, failures, err := p.fetch(ctx, uids)
	if err != nil {
		return err
	}
	// Keys claimed earlier in this batch are not in the store yet.
	claimed := make(map[string]string, len(fetched))
	lookup := func(key string) (string, bool) {
		if fallback, ok := claimed[key]; ok {
			return fallback, true
		}
		fallback, found, err := e.cfg.Store.FallbackKeyFor(ctx, e.accountID, key)
		if err != nil {
			p.log.Warn().Err(err).Msg("Failed to look up identity key")
			return "", false
		}
		return fallback, found
	}
	for _, fm := range fetched {
		msg := fm.Message
		msg.AccountID = e.accountID
		threading.ResolveKey(&msg, lookup)
		if _, ok := claimed[msg.IdentityKey]; !ok {
			claimed[msg.IdentityKey] = msg.FallbackKey
		}
		batch.Items = append(batch.Items, store.BatchItem{UID: fm.UID, Message: &msg})
	}
	batch.Failures = failures

	result, err := e.cfg.Store.CommitBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("failed to commit %s batch: %w", direction, err)
	}
	metrics.MessagesSynced.WithLabelValues(direction).Add(float64(len(batch.Items)))
	if len(failures) > 0 {
		metrics.FetchFailures.Add(float64(len(failures)))
		p.log.Warn().Int("failed", len(failures)).Msg("Some messages could not be fetched, retrying next cycle")
	}

	var inserted []*models.Message
	insertedIDs := make(map[string]bool, len(result.Inserted))
	for _, id := range result.Inserted {
		insertedIDs[id] = true
	}
	for _, item := range batch.Items {
		if insertedIDs[item.Message.ID] {
			inserted = append(inserted, item.Message)
		}
	}
	threads, err := e.thread(ctx, inserted)
	if err != nil {
		return err
	}

	changed := result.Changed()
	if len(changed) > 0 {
		e.emit(Event{Kind: EventMessagesChanged, Folder: p.f.IMAPPath, MessageIDs: changed, ThreadIDs: threads})
		e.recordChanged(changed)
	}
	return nil
}

// fetch gets headers for uids. When the batch fetch is rejected, each UID is
// fetched alone so one bad message only costs itself; transport failures
// abort the whole batch.
func (p *pass) fetch(ctx context.Context, uids []uint32) ([]models.FetchedMessage, []store.FetchFailure, error) {
	if len(uids) == 0 {
		return nil, nil, nil
	}
	fetched, err := p.m.FetchHeaders(ctx, uids)
	if err == nil {
		return fetched, nil, nil
	}
	if folderRetryable(err) || mailerr.KindOf(err) == mailerr.KindOperationCancelled {
		return nil, nil, err
	}

	p.log.Warn().Err(err).Int("messages", len(uids)).Msg("Batch fetch failed, fetching one by one")
	fetched = fetched[:0]
	var failures []store.FetchFailure
	for _, uid := range uids {
		one, err := p.m.FetchHeaders(ctx, []uint32{uid})
		if err != nil {
			if folderRetryable(err) || mailerr.KindOf(err) == mailerr.KindOperationCancelled {
				return nil, nil, err
			}
			failures = append(failures, store.FetchFailure{UID: uid, Err: err.Error()})
			continue
		}
		fetched = append(fetched, one...)
	}
	return fetched, failures, nil
}

func intersect(a, b []uint32) []uint32 {
	set := make(map[uint32]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var out []uint32
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func chunks(uids []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = 100
	}
	var out [][]uint32
	for len(uids) > size {
		out = append(out, uids[:size])
		uids = uids[size:]
	}
	if len(uids) > 0 {
		out = append(out, uids)
	}
	return out
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
