package wire

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/mailerr"
)

type Security string

const (
	ImplicitTLS Security = "tls"
	StartTLS    Security = "starttls"
)

type Endpoint struct {
	Host     string
	Port     int
	Security Security
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Options configures a session. RootCAs replaces the system pool; verification
// itself cannot be turned off.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	IdleRefresh    time.Duration
	PollInterval   time.Duration
	ClientName     string
	RootCAs        *x509.CertPool
	Logger         zerolog.Logger
}

func (o Options) tlsConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		RootCAs:    o.RootCAs,
	}
}

func (o Options) clientName() string {
	if o.ClientName == "" {
		return "localhost"
	}
	return o.ClientName
}

// dialTCP opens the transport, bounded by ConnectTimeout through the guard.
func dialTCP(ctx context.Context, ep Endpoint, opts Options) (net.Conn, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu   sync.Mutex
		conn net.Conn
	)
	abort := func() {
		cancel()
		mu.Lock()
		defer mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	}

	var d net.Dialer
	err := Race(ctx, "dial", opts.ConnectTimeout, abort, func() error {
		c, err := d.DialContext(dialCtx, "tcp", ep.Address())
		if err != nil {
			return err
		}
		mu.Lock()
		conn = c
		mu.Unlock()
		if dialCtx.Err() != nil {
			_ = c.Close()
			return dialCtx.Err()
		}
		return nil
	})
	if err != nil {
		return nil, mailerr.Classify("dial", err)
	}
	return conn, nil
}

// handshake upgrades raw to TLS, bounded by ConnectTimeout through the guard.
// raw is closed on any failure.
func handshake(ctx context.Context, raw net.Conn, host string, opts Options) (*tls.Conn, error) {
	tlsConn := tls.Client(raw, opts.tlsConfig(host))
	err := Race(ctx, "tls handshake", opts.ConnectTimeout, func() { _ = raw.Close() }, func() error {
		return tlsConn.Handshake()
	})
	if err != nil {
		_ = raw.Close()
		return nil, mailerr.Classify("tls handshake", err)
	}
	return tlsConn, nil
}
