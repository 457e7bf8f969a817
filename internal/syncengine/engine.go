// Package syncengine keeps the local mirror of each account in step with its
// IMAP server. One Engine per account runs a state machine over connect,
// authenticate, folder discovery, a bounded first page of the inbox and then
// catch-up of every folder, with an IDLE monitor triggering incremental runs.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/credential"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/pool"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/threading"
	"github.com/vdavid/mailsync/internal/wire"
)

// Mailbox is the IMAP session surface the engine and its helpers use.
// *wire.IMAPSession implements it.
type Mailbox interface {
	State() wire.State
	Noop(ctx context.Context) error
	Close() error
	Authenticated() bool
	Authenticate(ctx context.Context, cred models.Credential) error
	ListFolders(ctx context.Context) ([]models.RemoteFolder, error)
	Select(ctx context.Context, path string) (models.FolderStatus, error)
	SearchUIDs(ctx context.Context, lo, hi uint32) ([]uint32, error)
	FetchHeaders(ctx context.Context, uids []uint32) ([]models.FetchedMessage, error)
	FetchFlags(ctx context.Context, uids []uint32) (map[uint32]models.Flags, error)
	StoreFlags(ctx context.Context, uids []uint32, change models.FlagChange) error
	Move(ctx context.Context, uids []uint32, dest string) error
	Append(ctx context.Context, folder string, flags []string, date time.Time, raw []byte) error
	Idle(ctx context.Context, onEvent func(wire.MailboxEvent)) error
}

// Store is the mailbox mirror as the engine sees it.
type Store interface {
	UpsertFolder(ctx context.Context, accountID, path string, folderType models.FolderType) (*models.Folder, error)
	GetFolder(ctx context.Context, id string) (*models.Folder, error)
	ListFolders(ctx context.Context, accountID string) ([]*models.Folder, error)
	SetCatchUpStatus(ctx context.Context, folderID string, status models.CatchUpStatus) error
	MarkFolderSynced(ctx context.Context, folderID string) error
	ResetFolder(ctx context.Context, folderID string, uidValidity uint32) ([]string, error)
	SetUIDValidity(ctx context.Context, folderID string, uidValidity uint32) error
	CommitBatch(ctx context.Context, b store.Batch) (store.CommitResult, error)
	FallbackKeyFor(ctx context.Context, accountID, key string) (string, bool, error)
	FolderUIDs(ctx context.Context, folderID string) ([]uint32, error)
	RemoveMemberships(ctx context.Context, folderID string, uids []uint32) (deleted, threads []string, err error)
	Memberships(ctx context.Context, messageID string) ([]store.Membership, error)
	ArchiveMembership(ctx context.Context, folderID string, uid uint32) (string, error)
	PendingRetries(ctx context.Context, folderID string, maxAttempts int) ([]uint32, error)
	FolderFlagState(ctx context.Context, folderID string) (map[uint32]store.FlagState, error)
	ApplyServerFlags(ctx context.Context, updates []store.FlagUpdate) error
	ThreadingNeighborhood(ctx context.Context, accountID string, msgs []*models.Message, window time.Duration) ([]*models.Message, error)
	ApplyThreads(ctx context.Context, assignments []threading.Assignment) error
	UnthreadedMessages(ctx context.Context, accountID string, limit int) ([]*models.Message, error)
	RecountThreads(ctx context.Context, threadIDs []string) error
}

// Credentials supplies and refreshes auth material (credential.Provider).
type Credentials interface {
	Credential(ctx context.Context, accountID string) (models.Credential, error)
	Refresh(ctx context.Context, accountID string) (models.Credential, error)
	Succeeded(accountID string)
}

// Registry deactivates accounts that can no longer authenticate.
type Registry interface {
	Deactivate(ctx context.Context, accountID, reason string) error
}

// ChangeNotifier is told which messages a cycle changed. It must not block.
type ChangeNotifier interface {
	OnMessagesChanged(accountID string, ids []string)
}

// Trigger says why a cycle starts. Higher values win when triggers coalesce.
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerPush
	TriggerSchedule
	TriggerRetry
	TriggerManual
)

func (t Trigger) String() string {
	switch t {
	case TriggerPush:
		return "push"
	case TriggerSchedule:
		return "schedule"
	case TriggerRetry:
		return "retry"
	case TriggerManual:
		return "manual"
	}
	return "none"
}

type Config struct {
	AccountID   string
	Provider    config.Provider
	Limits      config.Limits
	Store       Store
	Sessions    *pool.Pool[Mailbox]
	Credentials Credentials
	Registry    Registry
	Locks       *FolderLocks
	Notifier    ChangeNotifier
	Observer    Observer
	// DisablePush turns off the IDLE monitor; cycles then run on schedule and
	// manual triggers only.
	DisablePush bool
	Logger      zerolog.Logger
	Sleep       mailerr.SleepFunc
	Now         func() time.Time
}

// Status is a point-in-time view of an account's sync.
type Status struct {
	AccountID     string           `json:"account_id"`
	State         State            `json:"state"`
	CatchUpPaused bool             `json:"catch_up_paused"`
	Listening     bool             `json:"listening"`
	LastSync      *time.Time       `json:"last_sync,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	Failures      int              `json:"consecutive_failures"`
	NextRetry     *time.Time       `json:"next_retry,omitempty"`
	Folders       []*models.Folder `json:"folders"`
	Pool          pool.Stats       `json:"pool"`
}

var (
	errPaused = errors.New("catch-up paused")
	// ErrAccountDeactivated ends a cycle whose account ran out of credential refreshes.
	ErrAccountDeactivated = errors.New("account deactivated")
)

// Engine syncs one account. Run drives it; the other methods are safe to
// call from any goroutine.
type Engine struct {
	cfg       Config
	accountID string
	key       pool.Key
	log       zerolog.Logger

	mu        sync.Mutex
	state     State
	pending   Trigger
	paused    bool
	resume    chan struct{}
	primary   *models.Folder
	lastSync  *time.Time
	lastErr   string
	failures  int
	nextRetry *time.Time
	changed   []string

	wake         chan struct{}
	primaryKnown chan struct{}
	primaryOnce  sync.Once
	listening    *atomic.Bool
	cycleMu      sync.Mutex
}

func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = mailerr.Sleep
	}
	if cfg.Locks == nil {
		cfg.Locks = NewFolderLocks()
	}
	return &Engine{
		cfg:          cfg,
		accountID:    cfg.AccountID,
		key:          pool.Key{AccountID: cfg.AccountID, Protocol: models.ProtocolIMAP},
		log:          cfg.Logger.With().Str("component", "syncengine").Str("account", cfg.AccountID).Logger(),
		state:        StateIdle,
		wake:         make(chan struct{}, 1),
		primaryKnown: make(chan struct{}),
		listening:    atomic.NewBool(false),
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// transition moves the state machine, rejecting moves the table forbids.
func (e *Engine) transition(next State) error {
	e.mu.Lock()
	from := e.state
	if err := checkTransition(from, next); err != nil {
		e.mu.Unlock()
		e.log.Error().Err(err).Msg("Rejected state change")
		return err
	}
	e.state = next
	e.mu.Unlock()

	e.log.Debug().Str("from", string(from)).Str("to", string(next)).Msg("State changed")
	e.emit(Event{Kind: EventStateChanged, State: next})
	return nil
}

// transitionFrom moves to next only when the engine is currently in from.
func (e *Engine) transitionFrom(from, next State) bool {
	e.mu.Lock()
	if e.state != from {
		e.mu.Unlock()
		return false
	}
	e.state = next
	e.mu.Unlock()
	e.emit(Event{Kind: EventStateChanged, State: next})
	return true
}

func (e *Engine) emit(ev Event) {
	if e.cfg.Observer == nil {
		return
	}
	ev.AccountID = e.accountID
	ev.At = e.cfg.Now()
	e.cfg.Observer(ev)
}

// Trigger asks for a cycle. Triggers that arrive while one is pending merge
// into it; a manual or scheduled trigger outranks a push.
func (e *Engine) Trigger(t Trigger) {
	e.mu.Lock()
	if t > e.pending {
		e.pending = t
	}
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) takeTrigger() Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.pending
	e.pending = TriggerNone
	return t
}

// PauseCatchUp stops backfill at the next batch boundary. Committed batches stay.
func (e *Engine) PauseCatchUp() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		e.paused = true
		e.resume = make(chan struct{})
	}
}

func (e *Engine) ResumeCatchUp() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		e.paused = false
		close(e.resume)
	}
}

func (e *Engine) pauseRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// waitResume parks the engine in Paused until ResumeCatchUp or ctx is done.
func (e *Engine) waitResume(ctx context.Context) error {
	e.mu.Lock()
	resume := e.resume
	paused := e.paused
	e.mu.Unlock()
	if !paused {
		return nil
	}
	if err := e.transition(StatePaused); err != nil {
		return err
	}
	e.log.Info().Msg("Catch-up paused")
	select {
	case <-resume:
	case <-ctx.Done():
		return mailerr.Cancelled("catch-up paused", ctx.Err())
	}
	e.log.Info().Msg("Catch-up resumed")
	return e.transition(StateCatchingUp)
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	folders, err := e.cfg.Store.ListFolders(ctx, e.accountID)
	if err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		AccountID:     e.accountID,
		State:         e.state,
		CatchUpPaused: e.paused,
		Listening:     e.listening.Load(),
		LastSync:      e.lastSync,
		LastError:     e.lastErr,
		Failures:      e.failures,
		NextRetry:     e.nextRetry,
		Folders:       folders,
	}
	if e.cfg.Sessions != nil {
		st.Pool = e.cfg.Sessions.Stats(e.key)
	}
	return st, nil
}

// Run syncs on triggers, on the schedule and after failures until ctx is
// done. The first cycle starts immediately.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if !e.cfg.DisablePush {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.monitor(ctx)
		}()
	}
	defer wg.Wait()

	interval := e.cfg.Limits.SyncInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var retry <-chan time.Time
	var retryTimer *time.Timer
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	e.Trigger(TriggerManual)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		case <-ticker.C:
			e.Trigger(TriggerSchedule)
			continue
		case <-retry:
			retry = nil
			e.Trigger(TriggerRetry)
			continue
		}

		t := e.takeTrigger()
		if t == TriggerNone {
			continue
		}
		err := e.cycle(ctx, t)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAccountDeactivated) {
			e.log.Warn().Msg("Account deactivated, engine stopping")
			return err
		}
		if err != nil {
			delay := e.scheduleRetry()
			if retryTimer != nil {
				retryTimer.Stop()
			}
			retryTimer = time.NewTimer(delay)
			retry = retryTimer.C
		}
	}
}

// SyncOnce runs one full cycle and returns its error. It does not start the
// push monitor.
func (e *Engine) SyncOnce(ctx context.Context) error {
	err := e.cycle(ctx, TriggerManual)
	e.transitionFrom(StateError, StateIdle)
	return err
}

// scheduleRetry moves Error → Idle and returns the account-level backoff.
func (e *Engine) scheduleRetry() time.Duration {
	e.mu.Lock()
	delays := e.cfg.Limits.AccountRetryDelays
	delay, ok := delays.Delay(e.failures - 1)
	if !ok && len(delays) > 0 {
		delay = delays[len(delays)-1]
	}
	if delay <= 0 {
		delay = 30 * time.Second
	}
	next := e.cfg.Now().Add(delay)
	e.nextRetry = &next
	e.mu.Unlock()

	e.log.Info().Dur("delay", delay).Msg("Sync retry scheduled")
	_ = e.transition(StateIdle)
	e.enterListening()
	return delay
}

func (e *Engine) cycle(ctx context.Context, t Trigger) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	started := e.cfg.Now()
	e.log.Debug().Stringer("trigger", t).Msg("Sync cycle starting")

	var err error
	e.mu.Lock()
	primary := e.primary
	e.mu.Unlock()
	if t == TriggerPush && primary != nil && e.State() == StateListening {
		err = e.pushCycle(ctx, primary)
	} else {
		err = e.fullCycle(ctx)
	}

	metrics.SyncCycleDuration.Observe(e.cfg.Now().Sub(started).Seconds())
	switch {
	case err == nil:
		metrics.SyncCycles.WithLabelValues("ok").Inc()
		now := e.cfg.Now()
		e.mu.Lock()
		e.lastSync = &now
		e.lastErr = ""
		e.failures = 0
		e.nextRetry = nil
		e.mu.Unlock()
	case ctx.Err() != nil:
		metrics.SyncCycles.WithLabelValues("cancelled").Inc()
	default:
		metrics.SyncCycles.WithLabelValues("error").Inc()
	}
	return err
}

func (e *Engine) fullCycle(ctx context.Context) error {
	if err := e.transition(StateConnecting); err != nil {
		return err
	}
	if err := e.connect(ctx); err != nil {
		return e.fail(ctx, err)
	}

	var folders []*models.Folder
	err := e.withMailbox(ctx, func(m Mailbox) error {
		var err error
		folders, err = e.discoverFolders(ctx, m)
		return err
	})
	if err != nil {
		return e.fail(ctx, fmt.Errorf("failed to discover folders: %w", err))
	}
	primary := primaryFolder(folders)
	if primary != nil {
		e.setPrimary(primary)
	}

	e.rethreadPending(ctx)

	if err := e.transition(StateInitialFast); err != nil {
		return err
	}
	if primary != nil {
		if err := e.syncFolder(ctx, primary, passInitial); err != nil {
			return e.fail(ctx, fmt.Errorf("failed to sync first page of %s: %w", primary.IMAPPath, err))
		}
	}
	if err := e.transition(StateCatchingUp); err != nil {
		return err
	}
	e.emit(Event{Kind: EventRenderReady, Folder: folderPath(primary)})

	for _, f := range folders {
		if err := e.syncFolder(ctx, f, passFull); err != nil {
			if ctx.Err() != nil {
				return e.fail(ctx, err)
			}
			e.log.Warn().Err(err).Str("folder", f.IMAPPath).Msg("Skipping folder for this cycle")
			_ = e.cfg.Store.SetCatchUpStatus(context.WithoutCancel(ctx), f.ID, models.CatchUpError)
			e.emit(Event{Kind: EventFolderFailed, Folder: f.IMAPPath, Error: err.Error()})
		}
	}
	return e.finish(ctx)
}

// pushCycle handles new mail announced by the monitor: the inbox alone is
// synced, without reconnecting or rediscovering folders.
func (e *Engine) pushCycle(ctx context.Context, primary *models.Folder) error {
	if !e.transitionFrom(StateListening, StateInitialFast) {
		return e.fullCycle(ctx)
	}
	e.rethreadPending(ctx)
	if err := e.syncFolder(ctx, primary, passInitial); err != nil {
		return e.fail(ctx, err)
	}
	if err := e.transition(StateCatchingUp); err != nil {
		return err
	}
	e.emit(Event{Kind: EventRenderReady, Folder: primary.IMAPPath})
	if err := e.syncFolder(ctx, primary, passFull); err != nil {
		return e.fail(ctx, err)
	}
	return e.finish(ctx)
}

// finish hands the cycle's changes to the indexer and settles in Idle, or
// Listening when the monitor is up.
func (e *Engine) finish(ctx context.Context) error {
	if err := e.transition(StateIndexing); err != nil {
		return err
	}
	e.mu.Lock()
	changed := e.changed
	e.changed = nil
	e.mu.Unlock()
	if len(changed) > 0 && e.cfg.Notifier != nil {
		e.cfg.Notifier.OnMessagesChanged(e.accountID, changed)
	}
	if err := e.transition(StateIdle); err != nil {
		return err
	}
	e.enterListening()
	return nil
}

// fail ends a cycle. A cancelled cycle returns to Idle; anything else goes
// through Error, and Run schedules the retry.
func (e *Engine) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		_ = e.transition(StateIdle)
		return err
	}
	e.mu.Lock()
	e.failures++
	e.lastErr = err.Error()
	e.mu.Unlock()

	e.log.Error().Err(err).Msg("Sync cycle failed")
	_ = e.transition(StateError)
	e.emit(Event{Kind: EventSyncFailed, State: StateError, Error: err.Error()})
	return err
}

// connect gets an authenticated session, walking Connecting → Authenticating
// and through TokenRefresh while the credential provider has refreshes left.
func (e *Engine) connect(ctx context.Context) error {
	s, err := e.cfg.Sessions.Acquire(ctx, e.key)
	if err != nil {
		return err
	}
	if err := e.transition(StateAuthenticating); err != nil {
		e.cfg.Sessions.Release(s)
		return err
	}
	if s.Authenticated() {
		e.cfg.Sessions.Release(s)
		return e.transition(StateSyncingFolders)
	}

	cred, err := e.cfg.Credentials.Credential(ctx, e.accountID)
	if err != nil {
		e.cfg.Sessions.Release(s)
		return fmt.Errorf("failed to get credential: %w", err)
	}
	for {
		err := s.Authenticate(ctx, cred)
		if err == nil {
			e.cfg.Credentials.Succeeded(e.accountID)
			e.cfg.Sessions.Release(s)
			return e.transition(StateSyncingFolders)
		}
		e.cfg.Sessions.Discard(s)
		if !mailerr.IsAuth(err) {
			return err
		}

		e.log.Warn().Err(err).Msg("Authentication failed, refreshing credential")
		if err := e.transition(StateTokenRefresh); err != nil {
			return err
		}
		cred, err = e.cfg.Credentials.Refresh(ctx, e.accountID)
		if errors.Is(err, credential.ErrRefreshExhausted) {
			return e.deactivate(ctx, err)
		}
		if err != nil {
			return fmt.Errorf("failed to refresh credential: %w", err)
		}
		if err := e.transition(StateAuthenticating); err != nil {
			return err
		}
		s, err = e.cfg.Sessions.Acquire(ctx, e.key)
		if err != nil {
			return err
		}
	}
}

func (e *Engine) deactivate(ctx context.Context, cause error) error {
	reason := "authentication failed: " + cause.Error()
	if e.cfg.Registry != nil {
		if err := e.cfg.Registry.Deactivate(context.WithoutCancel(ctx), e.accountID, reason); err != nil {
			e.log.Error().Err(err).Msg("Failed to deactivate account")
		}
	}
	e.emit(Event{Kind: EventAccountDeactivated, Error: reason})
	return fmt.Errorf("%w: %w", ErrAccountDeactivated, cause)
}

// withMailbox runs fn on a pooled, authenticated session. Sessions dialed
// mid-cycle log in quietly; an auth failure there spends one refresh so the
// next attempt uses a new credential.
func (e *Engine) withMailbox(ctx context.Context, fn func(Mailbox) error) error {
	return e.cfg.Sessions.With(ctx, e.key, func(m Mailbox) error {
		if !m.Authenticated() {
			if err := Login(ctx, m, e.cfg.Credentials, e.accountID); err != nil {
				return err
			}
		}
		return fn(m)
	})
}

// Authenticator is a session that can log in: IMAP or SMTP.
type Authenticator interface {
	Authenticate(ctx context.Context, cred models.Credential) error
}

// Login authenticates a fresh pooled session. On an auth failure the
// credential is refreshed for the next attempt and the failure returned.
func Login(ctx context.Context, s Authenticator, creds Credentials, accountID string) error {
	cred, err := creds.Credential(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to get credential: %w", err)
	}
	err = s.Authenticate(ctx, cred)
	if err == nil {
		creds.Succeeded(accountID)
		return nil
	}
	if mailerr.IsAuth(err) {
		if _, refreshErr := creds.Refresh(ctx, accountID); refreshErr != nil {
			return fmt.Errorf("%w (refresh failed: %v)", err, refreshErr)
		}
	}
	return err
}

func (e *Engine) setPrimary(f *models.Folder) {
	e.mu.Lock()
	e.primary = f
	e.mu.Unlock()
	e.primaryOnce.Do(func() { close(e.primaryKnown) })
}

func (e *Engine) enterListening() {
	if e.listening.Load() {
		e.transitionFrom(StateIdle, StateListening)
	}
}

func (e *Engine) recordChanged(ids []string) {
	if len(ids) == 0 {
		return
	}
	e.mu.Lock()
	e.changed = append(e.changed, ids...)
	e.mu.Unlock()
}

func folderPath(f *models.Folder) string {
	if f == nil {
		return ""
	}
	return f.IMAPPath
}
