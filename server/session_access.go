package server

import (
	"context"
	"net"
)

func (s *session) handleUSER(user string) error {
	s.user = user
	s.pendingAuth = nil
	s.reply(331, "User name okay, need password.")
	return nil
}

func (s *session) handlePASS(pass string) error {
	result, err := s.server.membership.Authenticate(context.Background(), s.user, pass, s.host, net.ParseIP(s.remoteIP))
	if err != nil {
		// Security audit: failed authentication
		s.server.logger.Warn("authentication_failed",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.user,
			"host", s.host,
			"reason", err.Error(),
		)
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordAuthentication(false, s.user)
		}
		s.reply(530, "Login incorrect.")
		return nil
	}

	if result.Status == AuthNeedsAccount {
		s.pendingAuth = &result
		s.reply(332, "Need account for login.")
		return nil
	}

	s.completeLogin(result)
	return nil
}

// completeLogin finalizes a successful PASS (or a PASS/ACCT pair), wiring
// the driver's ClientContext into the session and recording the login.
func (s *session) completeLogin(result AuthResult) {
	s.fs = result.Context
	s.isLoggedIn = true
	s.pendingAuth = nil

	s.server.logger.Info("authentication_success",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"host", s.host,
	)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(true, s.user)
	}
	s.reply(230, "User logged in, proceed.")
}
