// Package adapter implements the connection-adapter chain: an ordered
// stack of duplex transformers spliced between a raw socket and the
// command parser. Today a chain is always length 1 (raw passthrough) or 2
// (raw, then TLS once AUTH TLS or implicit FTPS upgrades it).
package adapter

import (
	"context"
	"io"
)

// PausableReader is a reader whose blocked Read can be interrupted without
// closing the underlying stream, so a hot TLS upgrade can drain it first.
type PausableReader interface {
	io.Reader
	// Pause wakes a blocked Read with pipe.ErrCancelled (or an equivalent
	// sentinel understood by the caller) so the adapter chain can be
	// safely stopped without losing buffered bytes.
	Pause()
}

// Adapter is a duplex transformer inserted between the socket and the
// parser. Start/Stop are idempotent-until-the-opposite-call; adapters
// never close the underlying stream themselves (non-closing semantics) —
// the owning connection runtime closes the socket exactly once.
type Adapter interface {
	// Start begins moving bytes. It must not block past any handshake the
	// adapter itself requires (e.g. TLS); ordinary byte movement happens
	// on adapter-owned goroutines.
	Start(ctx context.Context) error

	// Stop drains in-flight writes, then detaches. It must be safe to call
	// after Start returned an error.
	Stop(ctx context.Context) error

	// Sender is the app-facing writer: bytes written here are transformed
	// (e.g. encrypted) and sent toward the socket.
	Sender() io.Writer

	// Receiver is the app-facing reader: bytes read here have already been
	// transformed (e.g. decrypted) coming from the socket.
	Receiver() PausableReader
}

// Chain is an ordered adapter stack. chain[0] is the socket-facing base and
// the last element (Tail) is app-facing, so bytes flow outbound as
// app -> chain[n-1] -> ... -> chain[0] -> socket and in reverse inbound. A
// freshly constructed Chain always holds exactly the raw adapter; Push
// appends the TLS adapter for a hot upgrade.
type Chain struct {
	adapters []Adapter
}

// NewChain starts a chain with the given base (raw) adapter.
func NewChain(base Adapter) *Chain {
	return &Chain{adapters: []Adapter{base}}
}

// Tail returns the innermost (app-facing) adapter, the one handlers read
// from and write to.
func (c *Chain) Tail() Adapter {
	return c.adapters[len(c.adapters)-1]
}

// Len reports how many adapters are currently stacked.
func (c *Chain) Len() int {
	return len(c.adapters)
}

// Push appends a new adapter onto the chain and starts it. Callers
// implementing a hot upgrade (AUTH TLS) are responsible for pausing and
// stopping the previous tail's receiver first (see PauseTail) so no bytes
// are lost across the splice point.
func (c *Chain) Push(ctx context.Context, a Adapter) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	c.adapters = append(c.adapters, a)
	return nil
}

// PauseTail cancels any in-flight Read on the current tail's receiver and
// stops the tail adapter, without closing the underlying socket. This is
// step 2 of the hot-upgrade protocol (spec §4.3): it must run before a new
// adapter's handshake begins, or bytes buffered past the handshake
// boundary in the old receiver would be lost.
func (c *Chain) PauseTail(ctx context.Context) error {
	tail := c.Tail()
	tail.Receiver().Pause()
	return tail.Stop(ctx)
}

// StopAll stops every adapter from innermost to outermost, draining
// in-flight writes at each layer.
func (c *Chain) StopAll(ctx context.Context) error {
	var firstErr error
	for i := len(c.adapters) - 1; i >= 0; i-- {
		if err := c.adapters[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
