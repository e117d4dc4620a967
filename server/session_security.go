package server

import (
	"context"
	"strconv"
	"strings"

	"github.com/harrowgate/ftpd/internal/adapter"
	"github.com/harrowgate/ftpd/server/proto"
)

// handleAUTH handles authentication mechanisms, specifically TLS (RFC 4217).
//
// The hot upgrade pauses and stops the current chain tail's receiver
// (draining it without closing the socket) before the TLS handshake
// begins, then splices the TLS adapter on top and rebinds the proto
// reader/writer to it. A failed handshake leaves the control connection
// unusable, so the session is torn down rather than left in a half
// upgraded state.
func (s *session) handleAUTH(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(502, "TLS not configured.")
		return
	}
	if strings.ToUpper(arg) != "TLS" {
		s.reply(504, "Only AUTH TLS is supported.")
		return
	}

	s.reply(234, "AUTH TLS successful.")

	ctx := context.Background()
	if err := s.chain.PauseTail(ctx); err != nil {
		s.server.logger.Error("auth tls pause failed", "session_id", s.sessionID, "error", err)
		s.close()
		return
	}

	tlsAdapter := adapter.NewTLS(s.conn, s.server.tlsConfig)
	if err := s.chain.Push(ctx, tlsAdapter); err != nil {
		s.server.logger.Error("auth tls handshake failed", "session_id", s.sessionID, "error", err)
		s.close()
		return
	}

	s.mu.Lock()
	tail := s.chain.Tail()
	s.reader = proto.NewReader(newTelnetReader(tail.Receiver()))
	s.writer.Reset(tail.Sender())
	s.mu.Unlock()

	s.data.SetProt("P")
}

func (s *session) handlePROT(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(502, "TLS not configured.")
		return
	}
	// RFC 4217: P (Private/TLS) or C (Clear). Any other level is a value
	// the command syntax allows (S, E) but this server cannot honor;
	// RFC 4217 §4 calls for 536 in that case, not a bare 504.
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "P":
		s.data.SetProt("P")
		s.reply(200, "PROT P OK.")
	case "C":
		s.data.SetProt("C")
		s.reply(200, "PROT C OK.")
	default:
		s.reply(536, "Requested PROT level not supported by mechanism.")
	}
}

func (s *session) handlePBSZ(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(502, "TLS not configured.")
		return
	}
	// RFC 4217 §5: for TLS, the only meaningful buffer size is 0 since
	// the stream does not fragment into discrete records the protection
	// layer must track. Anything else is a syntax error, not silently
	// accepted.
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n != 0 {
		s.reply(501, "PBSZ must be 0 for TLS.")
		return
	}
	s.reply(200, "PBSZ=0")
}
