package testutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer is an in-memory IMAP server behind implicit TLS.
type TestIMAPServer struct {
	Server    *server.Server
	Address   string
	Host      string
	Port      int
	Backend   *memory.Backend
	RootCAs   *x509.CertPool
	TLSConfig *tls.Config
	cleanup   func()
	username  string
	password  string
}

// NewTestIMAPServer starts an IMAP server with the go-imap memory backend on
// a random port. The backend's only user is "username"/"password" and its
// INBOX already holds one message at UID 6.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	serverTLS, roots, err := NewTestTLS()
	if err != nil {
		t.Fatalf("Failed to create test certificate: %v", err)
	}
	srv, err := StartIMAPServer("127.0.0.1:0", serverTLS, roots)
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

// StartIMAPServer serves the memory backend on addr until Close.
func StartIMAPServer(addr string, serverTLS *tls.Config, roots *x509.CertPool) (*TestIMAPServer, error) {
	be := memory.New()
	s := server.New(be)
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

	return &TestIMAPServer{
		Server:    s,
		Address:   tcpAddr.String(),
		Host:      tcpAddr.IP.String(),
		Port:      tcpAddr.Port,
		Backend:   be,
		RootCAs:   roots,
		TLSConfig: serverTLS,
		username:  "username",
		password:  "password",
		cleanup: func() {
			_ = s.Close()
		},
	}, nil
}

func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

func (s *TestIMAPServer) Username() string {
	return s.username
}

func (s *TestIMAPServer) Password() string {
	return s.password
}

// Dial opens a logged-in go-imap client.
func (s *TestIMAPServer) Dial() (*imapclient.Client, error) {
	client, err := imapclient.DialTLS(s.Address, &tls.Config{RootCAs: s.RootCAs, ServerName: s.Host})
	if err != nil {
		return nil, err
	}
	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		return nil, err
	}
	return client, nil
}

// Connect opens a logged-in go-imap client for arranging test state.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := s.Dial()
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}
	return client, func() { _ = client.Logout() }
}

// CreateMailbox creates a folder for the default user.
func (s *TestIMAPServer) CreateMailbox(t *testing.T, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create mailbox %s: %v", name, err)
	}
}

// TestMessage describes a message to append.
type TestMessage struct {
	MessageID  string
	InReplyTo  string
	References string
	Subject    string
	From       string
	To         string
	SentAt     time.Time
	Body       string
	Seen       bool
}

// AddMessage appends msg to folder and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folder string, msg TestMessage) uint32 {
	t.Helper()

	uid, err := s.Append(folder, msg)
	if err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}
	return uid
}

// Append adds msg to folder and returns its UID.
func (s *TestIMAPServer) Append(folder string, msg TestMessage) (uint32, error) {
	client, err := s.Dial()
	if err != nil {
		return 0, err
	}
	defer func() { _ = client.Logout() }()

	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	if msg.Body == "" {
		msg.Body = "Test message body."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: %s\r\n", msg.MessageID)
	fmt.Fprintf(&b, "Date: %s\r\n", msg.SentAt.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	if msg.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", msg.InReplyTo)
	}
	if msg.References != "" {
		fmt.Fprintf(&b, "References: %s\r\n", msg.References)
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")

	var flags []string
	if msg.Seen {
		flags = append(flags, imap.SeenFlag)
	}

	mbox, err := client.Select(folder, false)
	if err != nil {
		return 0, fmt.Errorf("failed to select %s: %w", folder, err)
	}
	uid := mbox.UidNext

	if err := client.Append(folder, flags, time.Now(), strings.NewReader(b.String())); err != nil {
		return 0, fmt.Errorf("failed to append to %s: %w", folder, err)
	}
	return uid, nil
}

// Flags returns the flags of uid in folder.
func (s *TestIMAPServer) Flags(t *testing.T, folder string, uid uint32) []string {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(folder, true); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	messages := make(chan *imap.Message, 1)
	if err := client.UidFetch(seqSet, []imap.FetchItem{imap.FetchFlags, imap.FetchUid}, messages); err != nil {
		t.Fatalf("Failed to fetch flags: %v", err)
	}
	msg := <-messages
	if msg == nil {
		t.Fatalf("Message %d not found in %s", uid, folder)
	}
	return msg.Flags
}

// MessageCount returns the number of messages in folder.
func (s *TestIMAPServer) MessageCount(t *testing.T, folder string) uint32 {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	mbox, err := client.Select(folder, true)
	if err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	return mbox.Messages
}
