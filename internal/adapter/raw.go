package adapter

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/harrowgate/ftpd/internal/pipe"
)

// Raw is the base adapter: a direct passthrough onto a net.Conn. Its
// receiver is backed by a pipe so it can be paused (per the hot-upgrade
// protocol, spec §4.3) without closing the socket; its sender writes
// straight through, since outbound bytes never need to be held back for a
// splice point.
type Raw struct {
	conn net.Conn
	rx   *pipe.Pipe

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

// NewRaw wraps conn as the base of an adapter chain.
func NewRaw(conn net.Conn) *Raw {
	return &Raw{
		conn: conn,
		rx:   pipe.New(0),
		done: make(chan struct{}),
	}
}

// Start launches the background goroutine that copies bytes read from the
// socket into the receiver pipe.
func (r *Raw) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	go r.pump(ctx)
	return nil
}

func (r *Raw) pump(ctx context.Context) {
	defer close(r.done)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.conn.Read(buf)
		if n > 0 {
			if _, werr := r.rx.Write(ctx, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			_ = r.rx.Close()
			return
		}
	}
}

// Stop stops accepting new reads into the pipe. It does not close the
// socket (non-closing semantics, spec §4.2) — the owning connection does
// that once, on its own teardown.
func (r *Raw) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()
	_ = r.rx.Close()
	return nil
}

// Sender writes straight to the socket.
func (r *Raw) Sender() io.Writer { return r.conn }

// Receiver reads decoded (here: raw) bytes, pausable across a hot upgrade.
func (r *Raw) Receiver() PausableReader { return rawReceiver{r} }

type rawReceiver struct{ r *Raw }

func (rr rawReceiver) Read(p []byte) (int, error) {
	return rr.r.rx.Read(context.Background(), p)
}

func (rr rawReceiver) Pause() { rr.r.rx.CancelRead() }
