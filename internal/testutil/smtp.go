package testutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// MemoryBackend is an in-memory SMTP backend. It can be told to reject
// recipients or fail DATA to exercise client error paths.
type MemoryBackend struct {
	username string
	password string

	mu         sync.Mutex
	messages   []*ReceivedMessage
	rejectRcpt map[string]*smtp.SMTPError
	dataErrors []*smtp.SMTPError
}

// ReceivedMessage is one accepted transaction.
type ReceivedMessage struct {
	From string
	To   []string
	Data []byte
}

func NewMemoryBackend(username, password string) *MemoryBackend {
	return &MemoryBackend{
		username:   username,
		password:   password,
		rejectRcpt: make(map[string]*smtp.SMTPError),
	}
}

func (b *MemoryBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &memorySession{backend: b}, nil
}

func (b *MemoryBackend) Messages() []*ReceivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*ReceivedMessage(nil), b.messages...)
}

func (b *MemoryBackend) ClearMessages() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}

// RejectRecipient makes RCPT TO for addr fail with code and text.
func (b *MemoryBackend) RejectRecipient(addr string, code int, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectRcpt[addr] = &smtp.SMTPError{Code: code, Message: text}
}

// FailData makes the next len(codes) DATA commands fail with the given codes.
func (b *MemoryBackend) FailData(code int, text string, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < times; i++ {
		b.dataErrors = append(b.dataErrors, &smtp.SMTPError{Code: code, Message: text})
	}
}

type memorySession struct {
	backend *MemoryBackend
	authed  bool
	from    string
	to      []string
}

func (s *memorySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *memorySession) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, &smtp.SMTPError{Code: 504, Message: "unsupported authentication mechanism"}
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return errors.New("invalid username or password")
		}
		s.authed = true
		return nil
	}), nil
}

func (s *memorySession) Mail(from string, opts *smtp.MailOptions) error {
	if !s.authed {
		return &smtp.SMTPError{Code: 530, Message: "authentication required"}
	}
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.backend.mu.Lock()
	rejection := s.backend.rejectRcpt[to]
	s.backend.mu.Unlock()
	if rejection != nil {
		return rejection
	}
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	if len(s.backend.dataErrors) > 0 {
		failure := s.backend.dataErrors[0]
		s.backend.dataErrors = s.backend.dataErrors[1:]
		return failure
	}

	s.backend.messages = append(s.backend.messages, &ReceivedMessage{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Data: data,
	})
	return nil
}

func (s *memorySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *memorySession) Logout() error {
	return nil
}

// TestSMTPServer is an in-memory submission server behind implicit TLS.
type TestSMTPServer struct {
	Server   *smtp.Server
	Address  string
	Host     string
	Port     int
	Backend  *MemoryBackend
	RootCAs  *x509.CertPool
	cleanup  func()
	username string
	password string
}

// NewTestSMTPServer starts a go-smtp server on a random port that accepts
// AUTH PLAIN as "test-user"/"test-pass".
func NewTestSMTPServer(t *testing.T) *TestSMTPServer {
	t.Helper()

	serverTLS, roots, err := NewTestTLS()
	if err != nil {
		t.Fatalf("Failed to create test certificate: %v", err)
	}
	srv, err := StartSMTPServer("127.0.0.1:0", serverTLS, roots, "test-user", "test-pass")
	if err != nil {
		t.Fatalf("Failed to start SMTP server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

// StartSMTPServer serves a MemoryBackend accepting username/password on addr
// until Close.
func StartSMTPServer(addr string, serverTLS *tls.Config, roots *x509.CertPool, username, password string) (*TestSMTPServer, error) {
	be := NewMemoryBackend(username, password)
	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.AllowInsecureAuth = true
	s.TLSConfig = serverTLS

	listener, err := tls.Listen("tcp", addr, serverTLS)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	tcpAddr := listener.Addr().(*net.TCPAddr)

	go func() {
		_ = s.Serve(listener)
	}()

	return &TestSMTPServer{
		Server:   s,
		Address:  tcpAddr.String(),
		Host:     tcpAddr.IP.String(),
		Port:     tcpAddr.Port,
		Backend:  be,
		RootCAs:  roots,
		username: be.username,
		password: be.password,
		cleanup: func() {
			_ = s.Close()
		},
	}, nil
}

func (s *TestSMTPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

func (s *TestSMTPServer) Username() string {
	return s.username
}

func (s *TestSMTPServer) Password() string {
	return s.password
}

func (s *TestSMTPServer) Messages() []*ReceivedMessage {
	return s.Backend.Messages()
}
