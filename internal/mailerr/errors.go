// Package mailerr defines the error taxonomy shared by the wire, pool, sync and
// send layers, and the rules for classifying raw transport errors into it.
package mailerr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Kind is the category of a mail error.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionFailed
	KindTimeout
	KindAuthenticationFailed
	KindCommandRejected
	KindProtocolViolation
	KindOperationCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "connection failed"
	case KindTimeout:
		return "timeout"
	case KindAuthenticationFailed:
		return "authentication failed"
	case KindCommandRejected:
		return "command rejected"
	case KindProtocolViolation:
		return "protocol violation"
	case KindOperationCancelled:
		return "operation cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the command or phase that failed
// ("connect", "RCPT TO", "SELECT INBOX"). Code is the SMTP reply code for
// rejected SMTP commands and 0 otherwise.
type Error struct {
	Kind Kind
	Op   string
	Code int
	Text string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}
	if e.Text != "" {
		msg += ": " + e.Text
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the bare kind sentinels below, so errors.Is(err, ErrTimeout)
// holds for every timeout regardless of op or text.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Code == 0 && t.Text == "" && t.Err == nil
}

var (
	ErrConnectionFailed     = &Error{Kind: KindConnectionFailed}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	ErrCommandRejected      = &Error{Kind: KindCommandRejected}
	ErrProtocolViolation    = &Error{Kind: KindProtocolViolation}
	ErrOperationCancelled   = &Error{Kind: KindOperationCancelled}

	// ErrSendExpired marks an outbox entry that sat queued past the configured max age.
	ErrSendExpired = &Error{Kind: KindTimeout, Op: "send", Text: "message exceeded maximum queue age"}
	// ErrSessionClosed is returned by any operation on a closed session.
	ErrSessionClosed = &Error{Kind: KindConnectionFailed, Text: "session closed"}
)

func ConnectionFailed(op string, err error) *Error {
	return &Error{Kind: KindConnectionFailed, Op: op, Err: err}
}

func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

func AuthenticationFailed(op, text string, err error) *Error {
	return &Error{Kind: KindAuthenticationFailed, Op: op, Text: text, Err: err}
}

func CommandRejected(op string, code int, text string) *Error {
	return &Error{Kind: KindCommandRejected, Op: op, Code: code, Text: text}
}

func ProtocolViolation(op, text string) *Error {
	return &Error{Kind: KindProtocolViolation, Op: op, Text: text}
}

func Cancelled(op string, err error) *Error {
	return &Error{Kind: KindOperationCancelled, Op: op, Err: err}
}

// KindOf returns the kind of err, classifying unwrapped transport errors on the way.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(Classify("", err), &e) {
		return e.Kind
	}
	return KindUnknown
}

// Classify maps raw errors (context, net, TLS, EOF) into the taxonomy. Errors
// that already carry a Kind are returned unchanged; anything unrecognised is
// returned as is.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled(op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout(op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(op, err)
	}

	var (
		opErr      *net.OpError
		dnsErr     *net.DNSError
		certErr    *tls.CertificateVerificationError
		hostErr    x509.HostnameError
		unknownCA  x509.UnknownAuthorityError
		recordErr  tls.RecordHeaderError
		alertErr   tls.AlertError
		syscallErr syscall.Errno
	)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed),
		errors.As(err, &opErr), errors.As(err, &dnsErr), errors.As(err, &certErr),
		errors.As(err, &hostErr), errors.As(err, &unknownCA), errors.As(err, &recordErr),
		errors.As(err, &alertErr), errors.As(err, &syscallErr):
		return ConnectionFailed(op, err)
	}

	return err
}

// IsTransient reports whether err is worth retrying after a delay: connection
// loss, timeouts, protocol violations (the session is gone) and 4xx replies.
func IsTransient(err error) bool {
	var e *Error
	if !errors.As(Classify("", err), &e) {
		return false
	}
	switch e.Kind {
	case KindConnectionFailed, KindTimeout, KindProtocolViolation:
		return true
	case KindCommandRejected:
		return e.Code >= 400 && e.Code < 500
	default:
		return false
	}
}

// IsPermanent reports whether err is a server rejection that retrying will not fix.
func IsPermanent(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindCommandRejected {
		return false
	}
	return e.Code == 0 || e.Code >= 500
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}
