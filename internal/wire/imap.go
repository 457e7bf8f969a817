package wire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
)

// IMAPSession is one IMAP connection. Commands are serialized; the pool hands
// a session to one user at a time, the mutex only guards against misuse.
type IMAPSession struct {
	endpoint Endpoint
	opts     Options
	log      zerolog.Logger

	mu       sync.Mutex
	conn     net.Conn
	client   *client.Client
	state    stateCell
	authed   atomic.Bool
	selected string
}

// DialIMAP connects and reads the greeting, upgrading with STARTTLS when the
// endpoint asks for it. The session comes back Ready but not authenticated.
func DialIMAP(ctx context.Context, ep Endpoint, opts Options) (*IMAPSession, error) {
	s := &IMAPSession{
		endpoint: ep,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "imap").Str("host", ep.Host).Logger(),
	}
	s.state.Store(StateConnecting)

	raw, err := dialTCP(ctx, ep, opts)
	if err != nil {
		s.state.Store(StateClosed)
		return nil, err
	}

	conn := raw
	if ep.Security == ImplicitTLS {
		tlsConn, err := handshake(ctx, raw, ep.Host, opts)
		if err != nil {
			s.state.Store(StateClosed)
			return nil, err
		}
		conn = tlsConn
	}
	s.conn = conn

	var c *client.Client
	err = Race(ctx, "greeting", opts.ConnectTimeout, func() { _ = conn.Close() }, func() error {
		var newErr error
		c, newErr = client.New(conn)
		return newErr
	})
	if err != nil {
		s.closeTransport()
		return nil, mailerr.Classify("greeting", err)
	}
	c.ErrorLog = imapLogger{s.log}
	s.client = c

	if ep.Security == StartTLS {
		err = Race(ctx, "starttls", opts.ConnectTimeout, s.closeTransport, func() error {
			return c.StartTLS(opts.tlsConfig(ep.Host))
		})
		if err != nil {
			s.closeTransport()
			return nil, s.classify("starttls", err)
		}
	}

	s.state.Store(StateReady)
	return s, nil
}

func (s *IMAPSession) State() State {
	return s.state.Load()
}

func (s *IMAPSession) Authenticated() bool {
	return s.authed.Load()
}

// Authenticate uses AUTHENTICATE XOAUTH2 for OAuth credentials and LOGIN for passwords.
func (s *IMAPSession) Authenticate(ctx context.Context, cred models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Load() != StateReady {
		return mailerr.ConnectionFailed("auth", mailerr.ErrSessionClosed)
	}
	s.state.Store(StateAuthenticating)

	op := "auth"
	switch cred.Kind {
	case models.AuthXOAuth2:
		op = "authenticate xoauth2"
	case models.AuthPlain:
		op = "login"
	}
	xoauth2 := newXOAuth2Client(cred.Email, cred.AccessToken)
	err := Race(ctx, op, s.opts.ReadTimeout, s.closeTransport, func() error {
		switch cred.Kind {
		case models.AuthXOAuth2:
			return s.client.Authenticate(xoauth2)
		case models.AuthPlain:
			return s.client.Login(cred.Username, cred.Password)
		default:
			return mailerr.AuthenticationFailed(op, "unsupported credential kind "+string(cred.Kind), nil)
		}
	})
	if err != nil {
		classified := mailerr.Classify(op, err)
		if mailerr.KindOf(classified) == mailerr.KindUnknown && !s.loggedOut() {
			classified = mailerr.AuthenticationFailed(op, err.Error(), xoauth2.failure())
		}
		s.state.Store(StateFailed)
		return classified
	}
	s.authed.Store(true)
	s.state.Store(StateReady)
	return nil
}

// run executes fn against the client under the read timeout. Losing the race
// closes the transport.
func (s *IMAPSession) run(ctx context.Context, op string, fn func(c *client.Client) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Load() != StateReady {
		return mailerr.ConnectionFailed(op, mailerr.ErrSessionClosed)
	}
	err := Race(ctx, op, s.opts.ReadTimeout, s.closeTransport, func() error {
		return fn(s.client)
	})
	if err != nil {
		return s.classify(op, err)
	}
	return nil
}

// classify maps go-imap errors. Tagged NO/BAD replies arrive as plain errors
// and become CommandRejected; anything that killed the connection becomes
// ConnectionFailed and closes the session.
func (s *IMAPSession) classify(op string, err error) error {
	classified := mailerr.Classify(op, err)
	switch mailerr.KindOf(classified) {
	case mailerr.KindConnectionFailed, mailerr.KindTimeout, mailerr.KindProtocolViolation:
		s.closeTransport()
		return classified
	case mailerr.KindUnknown:
	default:
		return classified
	}
	if s.loggedOut() || strings.HasPrefix(err.Error(), "imap: connection closed") {
		s.closeTransport()
		return mailerr.ConnectionFailed(op, err)
	}
	return mailerr.CommandRejected(op, 0, err.Error())
}

func (s *IMAPSession) loggedOut() bool {
	if s.client == nil {
		return true
	}
	select {
	case <-s.client.LoggedOut():
		return true
	default:
		return false
	}
}

func (s *IMAPSession) Noop(ctx context.Context) error {
	return s.run(ctx, "noop", func(c *client.Client) error {
		return c.Noop()
	})
}

// ListFolders runs LIST "" "*".
func (s *IMAPSession) ListFolders(ctx context.Context) ([]models.RemoteFolder, error) {
	var folders []models.RemoteFolder
	err := s.run(ctx, "list", func(c *client.Client) error {
		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)
		go func() {
			done <- c.List("", "*", mailboxes)
		}()
		for m := range mailboxes {
			folders = append(folders, models.RemoteFolder{
				Path:       m.Name,
				Delimiter:  m.Delimiter,
				Attributes: m.Attributes,
			})
		}
		return <-done
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// Select opens path read-write and reports its UIDVALIDITY and UIDNEXT.
func (s *IMAPSession) Select(ctx context.Context, path string) (models.FolderStatus, error) {
	var status models.FolderStatus
	err := s.run(ctx, "select", func(c *client.Client) error {
		mbox, err := c.Select(path, false)
		if err != nil {
			return err
		}
		status = models.FolderStatus{
			Path:        mbox.Name,
			UIDValidity: mbox.UidValidity,
			UIDNext:     mbox.UidNext,
			Messages:    mbox.Messages,
		}
		s.selected = path
		return nil
	})
	if err != nil {
		return models.FolderStatus{}, err
	}
	return status, nil
}

// Selected is the folder of the last successful Select.
func (s *IMAPSession) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// SearchUIDs returns the UIDs in [lo, hi] in the selected folder, ascending.
// hi == 0 means no upper bound.
func (s *IMAPSession) SearchUIDs(ctx context.Context, lo, hi uint32) ([]uint32, error) {
	if lo == 0 {
		lo = 1
	}
	var uids []uint32
	err := s.run(ctx, "uid search", func(c *client.Client) error {
		criteria := imap.NewSearchCriteria()
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddRange(lo, hi)
		found, err := c.UidSearch(criteria)
		if err != nil {
			return err
		}
		// "lo:*" always matches the highest UID, even below lo.
		for _, uid := range found {
			if uid >= lo && (hi == 0 || uid <= hi) {
				uids = append(uids, uid)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// FetchHeaders fetches envelope, flags, structure and threading headers for
// uids in the selected folder, ordered by UID.
func (s *IMAPSession) FetchHeaders(ctx context.Context, uids []uint32) ([]models.FetchedMessage, error) {
	if len(uids) == 0 {
		return []models.FetchedMessage{}, nil
	}
	section := threadingHeaderSection()
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchBodyStructure,
		imap.FetchRFC822Size,
		imap.FetchInternalDate,
		section.FetchItem(),
	}

	var result []models.FetchedMessage
	err := s.fetch(ctx, "uid fetch headers", uids, items, func(msg *imap.Message) {
		result = append(result, headerMessage(msg, section))
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UID < result[j].UID })
	return result, nil
}

// FetchFlags returns the read/starred state of uids in the selected folder.
func (s *IMAPSession) FetchFlags(ctx context.Context, uids []uint32) (map[uint32]models.Flags, error) {
	flags := make(map[uint32]models.Flags, len(uids))
	if len(uids) == 0 {
		return flags, nil
	}
	err := s.fetch(ctx, "uid fetch flags", uids, []imap.FetchItem{imap.FetchUid, imap.FetchFlags}, func(msg *imap.Message) {
		flags[msg.Uid] = flagsOf(msg.Flags)
	})
	if err != nil {
		return nil, err
	}
	return flags, nil
}

// FetchBody fetches and parses the full message for uid without setting \Seen.
func (s *IMAPSession) FetchBody(ctx context.Context, uid uint32) (*Body, error) {
	section := &imap.BodySectionName{Peek: true}
	var raw []byte
	err := s.fetch(ctx, "uid fetch body", []uint32{uid}, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, func(msg *imap.Message) {
		if lit := msg.GetBody(section); lit != nil {
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(lit); err == nil {
				raw = buf.Bytes()
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, mailerr.CommandRejected("uid fetch body", 0, "server did not return message")
	}
	return ParseBody(raw)
}

func (s *IMAPSession) fetch(ctx context.Context, op string, uids []uint32, items []imap.FetchItem, each func(*imap.Message)) error {
	return s.run(ctx, op, func(c *client.Client) error {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uids...)
		messages := make(chan *imap.Message, len(uids))
		done := make(chan error, 1)
		go func() {
			done <- c.UidFetch(seqSet, items, messages)
		}()
		for msg := range messages {
			each(msg)
		}
		return <-done
	})
}

// StoreFlags applies change to uids in the selected folder.
func (s *IMAPSession) StoreFlags(ctx context.Context, uids []uint32, change models.FlagChange) error {
	var add, remove []interface{}
	if change.Read != nil {
		if *change.Read {
			add = append(add, imap.SeenFlag)
		} else {
			remove = append(remove, imap.SeenFlag)
		}
	}
	if change.Starred != nil {
		if *change.Starred {
			add = append(add, imap.FlaggedFlag)
		} else {
			remove = append(remove, imap.FlaggedFlag)
		}
	}
	return s.run(ctx, "uid store", func(c *client.Client) error {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uids...)
		if len(add) > 0 {
			if err := c.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, true), add, nil); err != nil {
				return err
			}
		}
		if len(remove) > 0 {
			if err := c.UidStore(seqSet, imap.FormatFlagsOp(imap.RemoveFlags, true), remove, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// Move uses UID MOVE. go-imap already falls back to COPY, STORE \Deleted and
// EXPUNGE when the server lacks the extension; the same fallback runs when a
// server advertises MOVE but rejects it.
func (s *IMAPSession) Move(ctx context.Context, uids []uint32, dest string) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	err := s.run(ctx, "uid move", func(c *client.Client) error {
		return c.UidMove(seqSet, dest)
	})
	if !errors.Is(err, mailerr.ErrCommandRejected) {
		return err
	}
	s.log.Debug().Err(err).Str("dest", dest).Msg("UID MOVE rejected, copying instead")
	return s.run(ctx, "uid copy", func(c *client.Client) error {
		if err := c.UidCopy(seqSet, dest); err != nil {
			return err
		}
		deleted := []interface{}{imap.DeletedFlag}
		if err := c.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, true), deleted, nil); err != nil {
			return err
		}
		return c.Expunge(nil)
	})
}

// Append stores raw in folder.
func (s *IMAPSession) Append(ctx context.Context, folder string, flags []string, date time.Time, raw []byte) error {
	return s.run(ctx, "append", func(c *client.Client) error {
		return c.Append(folder, flags, date, bytes.NewBuffer(raw))
	})
}

// MailboxEventKind is what an unsolicited server update during IDLE means.
type MailboxEventKind int

const (
	EventExists MailboxEventKind = iota
	EventExpunge
	EventFlags
)

type MailboxEvent struct {
	Kind     MailboxEventKind
	Messages uint32
	SeqNum   uint32
}

// Idle waits for server pushes on the selected folder and calls onEvent for
// each. IDLE is re-issued every IdleRefresh so the server never times it out.
// It returns when ctx is done or the connection fails.
func (s *IMAPSession) Idle(ctx context.Context, onEvent func(MailboxEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Load() != StateReady {
		return mailerr.ConnectionFailed("idle", mailerr.ErrSessionClosed)
	}

	updates := make(chan client.Update, 16)
	s.client.Updates = updates
	defer func() { s.client.Updates = nil }()

	idleClient := idle.NewClient(s.client)
	refresh := s.opts.IdleRefresh
	if refresh <= 0 {
		refresh = 20 * time.Minute
	}

	for {
		stop := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- idleClient.IdleWithFallback(stop, s.opts.PollInterval)
		}()

		timer := time.NewTimer(refresh)
		finished, err := s.idleOnce(ctx, stop, done, updates, timer.C, onEvent)
		timer.Stop()
		if finished {
			return err
		}
	}
}

// idleOnce runs one IDLE command until refresh, ctx or failure. finished is
// false only when the command ended for a refresh.
func (s *IMAPSession) idleOnce(ctx context.Context, stop chan struct{}, done chan error, updates chan client.Update, refresh <-chan time.Time, onEvent func(MailboxEvent)) (bool, error) {
	for {
		select {
		case update := <-updates:
			dispatchUpdate(update, onEvent)
		case err := <-done:
			if err != nil {
				return true, s.classify("idle", err)
			}
			return true, mailerr.ConnectionFailed("idle", mailerr.ErrSessionClosed)
		case <-refresh:
			if err := s.stopIdle(stop, done, updates, onEvent); err != nil {
				return true, err
			}
			s.log.Debug().Msg("IMAP: re-issuing IDLE")
			return false, nil
		case <-ctx.Done():
			if err := s.stopIdle(stop, done, updates, onEvent); err != nil {
				return true, err
			}
			return true, mailerr.Cancelled("idle", ctx.Err())
		}
	}
}

// stopIdle sends DONE and waits for the command to end, draining updates so
// the client's reader never blocks. A server that does not answer in time
// loses the connection.
func (s *IMAPSession) stopIdle(stop chan struct{}, done chan error, updates chan client.Update, onEvent func(MailboxEvent)) error {
	close(stop)
	timeout := s.opts.ReadTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case update := <-updates:
			dispatchUpdate(update, onEvent)
		case err := <-done:
			if err != nil {
				return s.classify("idle", err)
			}
			return nil
		case <-timer.C:
			s.closeTransport()
			return mailerr.Timeout("idle done", nil)
		}
	}
}

func dispatchUpdate(update client.Update, onEvent func(MailboxEvent)) {
	switch u := update.(type) {
	case *client.MailboxUpdate:
		if u.Mailbox != nil {
			onEvent(MailboxEvent{Kind: EventExists, Messages: u.Mailbox.Messages})
		}
	case *client.ExpungeUpdate:
		onEvent(MailboxEvent{Kind: EventExpunge, SeqNum: u.SeqNum})
	case *client.MessageUpdate:
		if u.Message != nil {
			onEvent(MailboxEvent{Kind: EventFlags, SeqNum: u.Message.SeqNum})
		}
	}
}

// Close logs out when the session is usable, then drops the transport.
func (s *IMAPSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Load() == StateReady && s.client != nil {
		_ = Race(context.Background(), "logout", 5*time.Second, s.closeTransport, func() error {
			return s.client.Logout()
		})
	}
	s.closeTransport()
	return nil
}

func (s *IMAPSession) closeTransport() {
	s.state.Store(StateClosed)
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// imapLogger routes go-imap's internal error log into zerolog.
type imapLogger struct {
	log zerolog.Logger
}

func (l imapLogger) Printf(format string, v ...interface{}) {
	l.log.Warn().Msgf(format, v...)
}

func (l imapLogger) Println(v ...interface{}) {
	l.log.Warn().Msg(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}
