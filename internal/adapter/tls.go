package adapter

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/harrowgate/ftpd/internal/pipe"
)

// TLS is the encrypting adapter. It wraps the previous tail's underlying
// socket (in practice: the control net.Conn itself, since both cold-start
// implicit FTPS and the hot AUTH TLS upgrade terminate TLS directly
// against the socket) with *tls.Conn, and exposes a pausable, pipe-backed
// receiver for decrypted bytes.
//
// Per spec §4.3, failure during Start's handshake is fatal for the
// adapter. This package only reports the error via HandshakeError; the
// AUTH TLS handler (server/session_security.go) closes the session on it
// without a reply.
type TLS struct {
	raw net.Conn
	cfg *tls.Config

	conn *tls.Conn
	rx   *pipe.Pipe

	mu      sync.Mutex
	stopped bool
}

// NewTLS constructs a TLS adapter over the given underlying socket. cfg
// must carry the server certificate. The adapter always acts as the TLS
// server, so a ClientSessionCache in cfg has no effect.
func NewTLS(underlying net.Conn, cfg *tls.Config) *TLS {
	return &TLS{
		raw: underlying,
		cfg: cfg,
		rx:  pipe.New(0),
	}
}

// handshakeTimeout caps how long Start waits for the TLS handshake.
const handshakeTimeout = 10 * time.Second

// HandshakeError wraps a failed TLS handshake so callers can distinguish it
// from ordinary I/O errors when deciding which FTP error class applies.
type HandshakeError struct{ Err error }

func (e *HandshakeError) Error() string { return fmt.Sprintf("tls handshake: %v", e.Err) }
func (e *HandshakeError) Unwrap() error { return e.Err }

// Start performs the server-side TLS handshake, bounded by ctx and by
// handshakeTimeout, then begins pumping decrypted bytes into the receiver
// pipe.
func (t *TLS) Start(ctx context.Context) error {
	conn := tls.Server(t.raw, t.cfg)

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		return &HandshakeError{Err: err}
	}

	t.conn = conn
	go t.pump(ctx)
	return nil
}

func (t *TLS) pump(ctx context.Context) {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			if _, werr := t.rx.Write(ctx, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			_ = t.rx.Close()
			return
		}
	}
}

// Stop stops the receiver pump and sends a close_notify, but never closes
// the underlying socket (non-closing semantics, spec §4.2/§4.3).
func (t *TLS) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	_ = t.rx.Close()
	if t.conn != nil {
		return t.conn.CloseWrite() // flushes close_notify without closing the raw socket
	}
	return nil
}

// Sender encrypts and writes straight to the socket.
func (t *TLS) Sender() io.Writer { return t.conn }

// Receiver reads decrypted bytes, pausable across a further hot upgrade.
func (t *TLS) Receiver() PausableReader { return tlsReceiver{t} }

type tlsReceiver struct{ t *TLS }

func (tr tlsReceiver) Read(p []byte) (int, error) {
	return tr.t.rx.Read(context.Background(), p)
}

func (tr tlsReceiver) Pause() { tr.t.rx.CancelRead() }
