package wire

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/vdavid/mailsync/internal/mailerr"
)

const maxLineLength = 64 * 1024

// lineReader frames CRLF-delimited lines off a connection. Each refill races
// the read against the read timeout; losing the race closes the connection.
type lineReader struct {
	conn    net.Conn
	timeout time.Duration
	buf     []byte
}

func newLineReader(conn net.Conn, timeout time.Duration) *lineReader {
	return &lineReader{conn: conn, timeout: timeout}
}

// ReadLine returns the next line without its CRLF.
func (r *lineReader) ReadLine(ctx context.Context) (string, error) {
	for {
		if i := bytes.Index(r.buf, []byte("\r\n")); i >= 0 {
			line := string(r.buf[:i])
			r.buf = r.buf[i+2:]
			return line, nil
		}
		if len(r.buf) > maxLineLength {
			return "", mailerr.ProtocolViolation("read", "line exceeds maximum length")
		}
		if err := r.refill(ctx); err != nil {
			return "", err
		}
	}
}

func (r *lineReader) refill(ctx context.Context) error {
	chunk := make([]byte, 4096)
	var n int
	err := Race(ctx, "read", r.timeout, func() { _ = r.conn.Close() }, func() error {
		var readErr error
		n, readErr = r.conn.Read(chunk)
		if n > 0 {
			return nil
		}
		return readErr
	})
	if err != nil {
		return mailerr.Classify("read", err)
	}
	r.buf = append(r.buf, chunk[:n]...)
	return nil
}

func (r *lineReader) reset(conn net.Conn) {
	r.conn = conn
	r.buf = nil
}

func (r *lineReader) clear() {
	r.buf = nil
}

func writeAll(ctx context.Context, conn net.Conn, timeout time.Duration, p []byte) error {
	err := Race(ctx, "write", timeout, func() { _ = conn.Close() }, func() error {
		_, err := conn.Write(p)
		return err
	})
	return mailerr.Classify("write", err)
}
