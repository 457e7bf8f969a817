package syncengine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emersion/go-imap"

	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/testutil"
	"github.com/vdavid/mailsync/internal/threading"
)

// serverScript changes what wrapped sessions report to the engine.
type serverScript struct {
	mu sync.Mutex
	// uidValidity, when set, replaces the UIDVALIDITY every SELECT returns.
	uidValidity uint32
	// fetchFailures fails that many header fetches as dropped connections;
	// -1 fails all of them.
	fetchFailures int
	// rejectUID makes any header fetch that includes it fail as rejected.
	rejectUID uint32
	fetched   []uint32
}

type scriptedMailbox struct {
	Mailbox
	script *serverScript
}

func (m *scriptedMailbox) Select(ctx context.Context, path string) (models.FolderStatus, error) {
	status, err := m.Mailbox.Select(ctx, path)
	m.script.mu.Lock()
	defer m.script.mu.Unlock()
	if err == nil && m.script.uidValidity != 0 {
		status.UIDValidity = m.script.uidValidity
	}
	return status, err
}

func (m *scriptedMailbox) FetchHeaders(ctx context.Context, uids []uint32) ([]models.FetchedMessage, error) {
	s := m.script
	s.mu.Lock()
	if s.fetchFailures != 0 {
		if s.fetchFailures > 0 {
			s.fetchFailures--
		}
		s.mu.Unlock()
		return nil, mailerr.ConnectionFailed("uid fetch", errors.New("connection reset by peer"))
	}
	if s.rejectUID != 0 && slices.Contains(uids, s.rejectUID) {
		s.mu.Unlock()
		return nil, mailerr.CommandRejected("uid fetch", 0, "message unavailable")
	}
	s.fetched = append(s.fetched, uids...)
	s.mu.Unlock()
	return m.Mailbox.FetchHeaders(ctx, uids)
}

func (s *serverScript) set(fn func(s *serverScript)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *serverScript) takeFetched() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.fetched
	s.fetched = nil
	return out
}

func (h *engineHarness) scripted() *serverScript {
	script := &serverScript{}
	h.wrap = func(m Mailbox) Mailbox { return &scriptedMailbox{Mailbox: m, script: script} }
	return script
}

// flakyThreadStore fails ApplyThreads a set number of times.
type flakyThreadStore struct {
	*store.SQLiteStore
	mu       sync.Mutex
	failures int
}

func (s *flakyThreadStore) ApplyThreads(ctx context.Context, assignments []threading.Assignment) error {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("disk busy")
	}
	return s.SQLiteStore.ApplyThreads(ctx, assignments)
}

func (h *engineHarness) flagState(t *testing.T, path string) map[uint32]store.FlagState {
	t.Helper()
	state, err := h.store.FolderFlagState(context.Background(), h.folder(t, path).ID)
	require.NoError(t, err)
	return state
}

// setServerFlags changes flags of uid in folder from a second client.
func (h *engineHarness) setServerFlags(t *testing.T, folder string, uid uint32, op imap.FlagsOp, flags ...string) {
	t.Helper()
	c, cleanup := h.srv.Connect(t)
	defer cleanup()
	_, err := c.Select(folder, false)
	require.NoError(t, err)
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	require.NoError(t, c.UidStore(seqSet, imap.FormatFlagsOp(op, true), values, nil))
}

func TestEngine_ThreadsMessagesLeftUnthreadedByFailedCycle(t *testing.T) {
	h := newEngineHarness(t)
	h.addMessages(t, "INBOX", "lost", 5, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	h.engineStore = &flakyThreadStore{SQLiteStore: h.store, failures: 1}
	ctx := context.Background()

	e := h.newEngine(nil)
	require.Error(t, e.SyncOnce(ctx), "the first cycle fails while saving threads")
	assert.Equal(t, 6, h.uidCount(t, "INBOX"), "the batch itself was committed")
	unthreaded, err := h.store.UnthreadedMessages(ctx, testAccount, 100)
	require.NoError(t, err)
	assert.Len(t, unthreaded, 6)

	require.NoError(t, e.SyncOnce(ctx))

	unthreaded, err = h.store.UnthreadedMessages(ctx, testAccount, 100)
	require.NoError(t, err)
	assert.Empty(t, unthreaded)
	for uid, state := range h.flagState(t, "INBOX") {
		assert.NotEmpty(t, state.ThreadID, "uid %d has no thread", uid)
	}
	threads, err := h.store.ListThreads(ctx, testAccount, 100, 0)
	require.NoError(t, err)
	total := 0
	for _, th := range threads {
		total += th.MessageCount
	}
	assert.Equal(t, 6, total)
}

func TestEngine_DuplicateMessageIDWithinOneBatch(t *testing.T) {
	h := newEngineHarness(t)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	h.srv.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID: "<dup@example.com>",
		Subject:   "Quarterly report",
		From:      "Alice <alice@example.com>",
		To:        "bob@example.com",
		SentAt:    base,
	})
	h.srv.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID: "<dup@example.com>",
		Subject:   "Lunch on Friday",
		From:      "Carol <carol@example.com>",
		To:        "bob@example.com",
		SentAt:    base.Add(5 * 24 * time.Hour),
	})

	e := h.newEngine(nil)
	require.NoError(t, e.SyncOnce(context.Background()))

	state := h.flagState(t, "INBOX")
	require.Len(t, state, 3)
	ids := make(map[string]bool)
	for _, s := range state {
		ids[s.MessageID] = true
	}
	assert.Len(t, ids, 3, "different messages sharing a Message-ID stay distinct")
}

func TestEngine_UIDValidityChangeRebootstrapsFolder(t *testing.T) {
	h := newEngineHarness(t)
	h.addMessages(t, "INBOX", "inbox", 3, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	script := h.scripted()
	ctx := context.Background()

	e := h.newEngine(nil)
	require.NoError(t, e.SyncOnce(ctx))
	before := h.folder(t, "INBOX")
	assert.Equal(t, uint32(1), before.UIDValidity)
	assert.Len(t, script.takeFetched(), 4)

	require.NoError(t, e.SyncOnce(ctx))
	assert.Empty(t, script.takeFetched(), "nothing new, nothing fetched")

	script.set(func(s *serverScript) { s.uidValidity = 7 })
	require.NoError(t, e.SyncOnce(ctx))

	after := h.folder(t, "INBOX")
	assert.Equal(t, uint32(7), after.UIDValidity)
	assert.True(t, after.BootstrapComplete)
	assert.Equal(t, before.ForwardCursorUID, after.ForwardCursorUID)
	assert.Equal(t, before.BackfillCursorUID, after.BackfillCursorUID)
	assert.Equal(t, models.CatchUpCompleted, after.CatchUpStatus)
	assert.Len(t, script.takeFetched(), 4, "every message is fetched again under the new validity")

	state := h.flagState(t, "INBOX")
	ids := make(map[string]bool)
	for _, s := range state {
		ids[s.MessageID] = true
	}
	assert.Len(t, ids, 4, "no duplicates after the re-bootstrap")
}

func TestEngine_ExpungedMessagesAreRemoved(t *testing.T) {
	h := newEngineHarness(t)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	h.addMessages(t, "INBOX", "inbox", 2, base)
	doomed := h.srv.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID: "<doomed@example.com>",
		Subject:   "Delete me",
		From:      "Alice <alice@example.com>",
		To:        "bob@example.com",
		SentAt:    base.Add(24 * time.Hour),
	})
	ctx := context.Background()

	e := h.newEngine(nil)
	require.NoError(t, e.SyncOnce(ctx))
	require.Equal(t, 4, h.uidCount(t, "INBOX"))
	doomedID := h.flagState(t, "INBOX")[doomed].MessageID
	require.NotEmpty(t, doomedID)

	h.setServerFlags(t, "INBOX", doomed, imap.AddFlags, imap.DeletedFlag)
	c, cleanup := h.srv.Connect(t)
	_, err := c.Select("INBOX", false)
	require.NoError(t, err)
	require.NoError(t, c.Expunge(nil))
	cleanup()

	require.NoError(t, e.SyncOnce(ctx))
	assert.Equal(t, 3, h.uidCount(t, "INBOX"))
	_, ok := h.flagState(t, "INBOX")[doomed]
	assert.False(t, ok)
	_, err = h.store.GetMessage(ctx, doomedID)
	assert.ErrorIs(t, err, store.ErrMessageNotFound, "a message in no folder is deleted")
}

func TestEngine_ServerFlagsWinUnlessChangePending(t *testing.T) {
	h := newEngineHarness(t)
	uid := h.srv.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID: "<flags@example.com>",
		Subject:   "Flags",
		From:      "Alice <alice@example.com>",
		To:        "bob@example.com",
	})
	ctx := context.Background()

	e := h.newEngine(nil)
	require.NoError(t, e.SyncOnce(ctx))
	state := h.flagState(t, "INBOX")[uid]
	require.Equal(t, models.Flags{}, state.Local)

	// Another client reads and stars the message.
	h.setServerFlags(t, "INBOX", uid, imap.AddFlags, imap.SeenFlag, imap.FlaggedFlag)
	require.NoError(t, e.SyncOnce(ctx))
	state = h.flagState(t, "INBOX")[uid]
	assert.Equal(t, models.Flags{Read: true, Starred: true}, state.Local)
	assert.Equal(t, models.Flags{Read: true, Starred: true}, state.Server)

	// A local unstar is still being pushed while the server says starred.
	require.NoError(t, h.store.SetLocalFlags(ctx, state.MessageID, models.Flags{Read: true}))
	e.cfg.Locks.MarkPending(state.MessageID)
	require.NoError(t, e.SyncOnce(ctx))
	assert.Equal(t, models.Flags{Read: true}, h.flagState(t, "INBOX")[uid].Local, "sync leaves a pending change alone")

	e.cfg.Locks.ClearPending(state.MessageID)
	require.NoError(t, e.SyncOnce(ctx))
	assert.Equal(t, models.Flags{Read: true, Starred: true}, h.flagState(t, "INBOX")[uid].Local, "server wins once settled")
}

func TestEngine_RejectedFetchSkipsOnlyThatMessage(t *testing.T) {
	h := newEngineHarness(t)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	h.addMessages(t, "INBOX", "before", 2, base)
	bad := h.srv.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID: "<broken@example.com>",
		Subject:   "Broken",
		From:      "Alice <alice@example.com>",
		To:        "bob@example.com",
		SentAt:    base.Add(12 * time.Hour),
	})
	h.addMessages(t, "INBOX", "after", 2, base.Add(24*time.Hour))
	script := h.scripted()
	script.set(func(s *serverScript) { s.rejectUID = bad })
	ctx := context.Background()

	e := h.newEngine(nil)
	require.NoError(t, e.SyncOnce(ctx))

	assert.Equal(t, 5, h.uidCount(t, "INBOX"), "the rest of the batch is stored")
	_, ok := h.flagState(t, "INBOX")[bad]
	assert.False(t, ok)
	inbox := h.folder(t, "INBOX")
	pending, err := h.store.PendingRetries(ctx, inbox.ID, h.limits.MaxFetchRetries)
	require.NoError(t, err)
	assert.Equal(t, []uint32{bad}, pending)
	assert.True(t, inbox.BootstrapComplete)

	script.set(func(s *serverScript) { s.rejectUID = 0 })
	require.NoError(t, e.SyncOnce(ctx))
	assert.Equal(t, 6, h.uidCount(t, "INBOX"), "the skipped message is retried next cycle")
	pending, err = h.store.PendingRetries(ctx, inbox.ID, h.limits.MaxFetchRetries)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEngine_FolderRetrySchedule(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantDelay []time.Duration
		wantErr   bool
	}{
		{name: "recovers on the third attempt", failures: 2, wantDelay: []time.Duration{time.Second, 2 * time.Second}},
		{name: "gives up after the schedule", failures: -1, wantDelay: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newEngineHarness(t)
			h.limits.FolderRetryDelays = mailerr.Schedule{time.Second, 2 * time.Second, 4 * time.Second}
			var sleeps []time.Duration
			h.sleeps = &sleeps
			script := h.scripted()
			script.set(func(s *serverScript) { s.fetchFailures = tt.failures })

			e := h.newEngine(nil)
			err := e.SyncOnce(context.Background())

			h.mu.Lock()
			assert.Equal(t, tt.wantDelay, sleeps)
			h.mu.Unlock()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, mailerr.ErrConnectionFailed), "got %v", err)
				assert.Contains(t, h.states(), StateError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, h.uidCount(t, "INBOX"))
		})
	}
}

func TestEngine_ArchiveKeepsMessage(t *testing.T) {
	h := newEngineHarness(t)
	h.srv.CreateMailbox(t, "Archive")
	uid := h.srv.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID: "<archive-me@example.com>",
		Subject:   "Done with this",
		From:      "Alice <alice@example.com>",
		To:        "bob@example.com",
	})
	ctx := context.Background()

	e := h.newEngine(nil)
	require.NoError(t, e.SyncOnce(ctx))
	messageID := h.flagState(t, "INBOX")[uid].MessageID
	require.NotEmpty(t, messageID)

	require.NoError(t, e.Archive(ctx, messageID))

	assert.Equal(t, uint32(1), h.srv.MessageCount(t, "INBOX"))
	assert.Equal(t, uint32(1), h.srv.MessageCount(t, "Archive"))
	assert.Equal(t, 1, h.uidCount(t, "INBOX"))
	memberships, err := h.store.Memberships(ctx, messageID)
	require.NoError(t, err)
	assert.Empty(t, memberships)
	_, err = h.store.GetMessage(ctx, messageID)
	require.NoError(t, err, "archived message is retained with no memberships")
	archived, err := h.store.IsArchived(ctx, messageID)
	require.NoError(t, err)
	assert.True(t, archived)

	// Syncing the archive links the moved copy to the same stored message.
	require.NoError(t, e.SyncOnce(ctx))
	memberships, err = h.store.Memberships(ctx, messageID)
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	assert.Equal(t, "Archive", memberships[0].FolderPath)
	assert.Equal(t, 1, h.uidCount(t, "INBOX"))

	// Already archived: nothing left to move.
	require.NoError(t, e.Archive(ctx, messageID))
	assert.Equal(t, uint32(1), h.srv.MessageCount(t, "Archive"))
}

func TestEngine_ArchiveNeedsArchiveFolder(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	e := h.newEngine(nil)
	require.NoError(t, e.SyncOnce(ctx))

	var messageID string
	for _, s := range h.flagState(t, "INBOX") {
		messageID = s.MessageID
	}
	require.NotEmpty(t, messageID)
	assert.ErrorIs(t, e.Archive(ctx, messageID), ErrNoArchiveFolder)
	assert.Equal(t, uint32(1), h.srv.MessageCount(t, "INBOX"))
}
