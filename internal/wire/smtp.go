package wire

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
)

// Response is one complete SMTP reply.
type Response struct {
	Code  int
	Lines []string
}

func (r Response) Text() string {
	return strings.Join(r.Lines, "\n")
}

// SMTPSession is a single SMTP submission connection. It is not safe for
// concurrent commands; the pool hands it to one user at a time.
type SMTPSession struct {
	endpoint Endpoint
	opts     Options
	log      zerolog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *lineReader
	state  stateCell
	authed atomic.Bool
	caps   map[string]string
}

// DialSMTP connects, reads the greeting, says EHLO and, for STARTTLS
// endpoints, upgrades and says EHLO again. The session comes back Ready but
// not authenticated.
func DialSMTP(ctx context.Context, ep Endpoint, opts Options) (*SMTPSession, error) {
	s := &SMTPSession{
		endpoint: ep,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "smtp").Str("host", ep.Host).Logger(),
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
	s.reader = newLineReader(conn, opts.ReadTimeout)

	if err := s.greet(ctx); err != nil {
		s.abort()
		return nil, err
	}

	if ep.Security == StartTLS {
		if _, ok := s.caps["STARTTLS"]; !ok {
			s.abort()
			return nil, mailerr.ProtocolViolation("starttls", "server does not offer STARTTLS")
		}
		if _, err := s.expect(ctx, "STARTTLS", "STARTTLS", 220); err != nil {
			s.abort()
			return nil, err
		}
		tlsConn, err := handshake(ctx, s.conn, ep.Host, opts)
		if err != nil {
			s.state.Store(StateClosed)
			return nil, err
		}
		s.conn = tlsConn
		s.reader.reset(tlsConn)
		if err := s.ehlo(ctx); err != nil {
			s.abort()
			return nil, err
		}
	}

	s.state.Store(StateReady)
	return s, nil
}

func (s *SMTPSession) greet(ctx context.Context) error {
	resp, err := s.readResponse(ctx)
	if err != nil {
		return err
	}
	if resp.Code != 220 {
		return mailerr.CommandRejected("greeting", resp.Code, resp.Text())
	}
	return s.ehlo(ctx)
}

func (s *SMTPSession) ehlo(ctx context.Context) error {
	resp, err := s.expect(ctx, "EHLO", "EHLO "+s.opts.clientName(), 250)
	if err != nil {
		return err
	}
	s.caps = parseCapabilities(resp.Lines)
	return nil
}

// parseCapabilities reads EHLO lines after the first (the domain line).
func parseCapabilities(lines []string) map[string]string {
	caps := make(map[string]string)
	for i, line := range lines {
		if i == 0 {
			continue
		}
		name, args, _ := strings.Cut(line, " ")
		caps[strings.ToUpper(name)] = args
	}
	return caps
}

func (s *SMTPSession) State() State {
	return s.state.Load()
}

// Extension reports whether the server advertised name in EHLO, and its parameters.
func (s *SMTPSession) Extension(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.caps[strings.ToUpper(name)]
	return v, ok
}

// SendCommand writes text followed by CRLF and reads the full reply.
func (s *SMTPSession) SendCommand(ctx context.Context, text string) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable("command"); err != nil {
		return Response{}, err
	}
	return s.roundTrip(ctx, text)
}

func (s *SMTPSession) usable(op string) error {
	switch s.state.Load() {
	case StateReady, StateAuthenticating:
		return nil
	default:
		return mailerr.ConnectionFailed(op, mailerr.ErrSessionClosed)
	}
}

func (s *SMTPSession) roundTrip(ctx context.Context, text string) (Response, error) {
	s.traceCommand(text)
	if err := writeAll(ctx, s.conn, s.opts.ReadTimeout, []byte(text+"\r\n")); err != nil {
		s.abort()
		return Response{}, err
	}
	return s.readResponse(ctx)
}

func (s *SMTPSession) traceCommand(text string) {
	if !s.log.Trace().Enabled() {
		return
	}
	if strings.HasPrefix(strings.ToUpper(text), "AUTH ") {
		verb, _, _ := strings.Cut(text[5:], " ")
		text = "AUTH " + verb + " [redacted]"
	}
	s.log.Trace().Str("command", text).Msg("SMTP: >")
}

// expect sends text and requires one of the accepted codes. op names the
// command in errors without exposing its arguments.
func (s *SMTPSession) expect(ctx context.Context, op, text string, accepted ...int) (Response, error) {
	resp, err := s.roundTrip(ctx, text)
	if err != nil {
		return resp, err
	}
	for _, code := range accepted {
		if resp.Code == code {
			return resp, nil
		}
	}
	return resp, mailerr.CommandRejected(op, resp.Code, resp.Text())
}

// readResponse reads one possibly multi-line reply. Every line must start with
// three digits; anything else closes the session.
func (s *SMTPSession) readResponse(ctx context.Context) (Response, error) {
	var resp Response
	for {
		line, err := s.reader.ReadLine(ctx)
		if err != nil {
			s.abort()
			return Response{}, err
		}
		code, more, text, err := parseReplyLine(line)
		if err != nil {
			s.abort()
			return Response{}, err
		}
		if resp.Code != 0 && code != resp.Code {
			s.abort()
			return Response{}, mailerr.ProtocolViolation("read", fmt.Sprintf("reply code changed from %d to %d mid-reply", resp.Code, code))
		}
		resp.Code = code
		resp.Lines = append(resp.Lines, text)
		s.log.Trace().Str("reply", line).Msg("SMTP: <")
		if !more {
			return resp, nil
		}
	}
}

func parseReplyLine(line string) (code int, more bool, text string, err error) {
	if len(line) < 3 {
		return 0, false, "", mailerr.ProtocolViolation("read", fmt.Sprintf("short reply line %q", line))
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return 0, false, "", mailerr.ProtocolViolation("read", fmt.Sprintf("reply line without a 3-digit code: %q", line))
		}
	}
	code, _ = strconv.Atoi(line[:3])
	if code < 200 || code > 599 {
		return 0, false, "", mailerr.ProtocolViolation("read", fmt.Sprintf("reply code %d out of range", code))
	}
	if len(line) == 3 {
		return code, false, "", nil
	}
	switch line[3] {
	case ' ':
		return code, false, line[4:], nil
	case '-':
		return code, true, line[4:], nil
	default:
		return 0, false, "", mailerr.ProtocolViolation("read", fmt.Sprintf("bad separator after reply code: %q", line))
	}
}

// Authenticate runs AUTH XOAUTH2 or AUTH PLAIN depending on the credential.
// A failed attempt leaves the session Failed; the pool discards it.
func (s *SMTPSession) Authenticate(ctx context.Context, cred models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Load() != StateReady {
		return mailerr.ConnectionFailed("auth", mailerr.ErrSessionClosed)
	}
	s.state.Store(StateAuthenticating)

	var err error
	switch cred.Kind {
	case models.AuthXOAuth2:
		err = s.authXOAuth2(ctx, cred)
	case models.AuthPlain:
		err = s.authPlain(ctx, cred)
	default:
		err = mailerr.AuthenticationFailed("auth", fmt.Sprintf("unsupported credential kind %q", cred.Kind), nil)
	}
	if err != nil {
		s.state.Store(StateFailed)
		return err
	}
	s.authed.Store(true)
	s.state.Store(StateReady)
	return nil
}

// Authenticated reports whether AUTH has succeeded on this session.
func (s *SMTPSession) Authenticated() bool {
	return s.authed.Load()
}

func (s *SMTPSession) authXOAuth2(ctx context.Context, cred models.Credential) error {
	resp, err := s.roundTrip(ctx, "AUTH XOAUTH2 "+EncodeXOAuth2(cred.Email, cred.AccessToken))
	if err != nil {
		return err
	}
	switch {
	case resp.Code == 235:
		return nil
	case resp.Code == 334:
		// The challenge carries the error details; an empty line asks for the final reply.
		final, err := s.roundTrip(ctx, "")
		if err != nil {
			return err
		}
		return mailerr.AuthenticationFailed("auth xoauth2", fmt.Sprintf("%d %s", final.Code, final.Text()), decodeChallenge(resp.Text()))
	default:
		return mailerr.AuthenticationFailed("auth xoauth2", fmt.Sprintf("%d %s", resp.Code, resp.Text()), nil)
	}
}

func (s *SMTPSession) authPlain(ctx context.Context, cred models.Credential) error {
	ir := base64.StdEncoding.EncodeToString([]byte("\x00" + cred.Username + "\x00" + cred.Password))
	resp, err := s.roundTrip(ctx, "AUTH PLAIN "+ir)
	if err != nil {
		return err
	}
	if resp.Code != 235 {
		return mailerr.AuthenticationFailed("auth plain", fmt.Sprintf("%d %s", resp.Code, resp.Text()), nil)
	}
	return nil
}

func decodeChallenge(b64 string) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil || len(raw) == 0 {
		return nil
	}
	return fmt.Errorf("server challenge: %s", raw)
}

// SendMail runs one MAIL/RCPT/DATA transaction. A rejection resets the
// transaction so the session stays usable.
func (s *SMTPSession) SendMail(ctx context.Context, from string, recipients []string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable("send"); err != nil {
		return err
	}
	if len(recipients) == 0 {
		return mailerr.CommandRejected("RCPT TO", 0, "no recipients")
	}

	if err := s.transaction(ctx, from, recipients, body); err != nil {
		if mailerr.KindOf(err) == mailerr.KindCommandRejected && s.state.Load() == StateReady {
			_, _ = s.roundTrip(ctx, "RSET")
		}
		return err
	}
	return nil
}

func (s *SMTPSession) transaction(ctx context.Context, from string, recipients []string, body []byte) error {
	if _, err := s.expect(ctx, "MAIL FROM", "MAIL FROM:<"+from+">", 250); err != nil {
		return err
	}
	for _, rcpt := range recipients {
		if _, err := s.expect(ctx, "RCPT TO", "RCPT TO:<"+rcpt+">", 250, 251); err != nil {
			return err
		}
	}
	if _, err := s.expect(ctx, "DATA", "DATA", 354); err != nil {
		return err
	}

	stuffed := DotStuff(normalizeCRLF(body))
	payload := append(stuffed, terminatorFor(stuffed)...)
	if err := writeAll(ctx, s.conn, s.opts.ReadTimeout, payload); err != nil {
		s.abort()
		return err
	}
	resp, err := s.readResponse(ctx)
	if err != nil {
		return err
	}
	if resp.Code != 250 {
		return mailerr.CommandRejected("DATA", resp.Code, resp.Text())
	}
	return nil
}

func (s *SMTPSession) Noop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable("noop"); err != nil {
		return err
	}
	_, err := s.expect(ctx, "NOOP", "NOOP", 250)
	return err
}

// Close says QUIT when the session is usable, then drops the transport.
func (s *SMTPSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Load() == StateReady {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _ = s.expect(ctx, "QUIT", "QUIT", 221)
		cancel()
	}
	s.abort()
	return nil
}

// abort closes the transport and marks the session Closed.
func (s *SMTPSession) abort() {
	s.state.Store(StateClosed)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.reader != nil {
		s.reader.clear()
	}
}
