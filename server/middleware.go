package server

import "time"

// handlerFunc is the shape every command passes through the middleware
// chain in, regardless of how the concrete per-command handler it wraps
// takes its arguments.
type handlerFunc func(s *session, cmd, arg string)

// middleware decorates a handlerFunc with cross-cutting behavior. Modeled
// on the Compose-style wrapping used for pipeline stages elsewhere in the
// pack, generalized here from byte-stream stages to command dispatch.
type middleware func(next handlerFunc) handlerFunc

// chainMiddleware wraps handler with ms in order: ms[0] ends up outermost.
func chainMiddleware(handler handlerFunc, ms ...middleware) handlerFunc {
	for i := len(ms) - 1; i >= 0; i-- {
		handler = ms[i](handler)
	}
	return handler
}

// recoverMiddleware maps a panic inside a handler to a 451 reply instead of
// letting it unwind the session goroutine and take the process down with
// it. The connection stays open; only the one command fails.
func recoverMiddleware(next handlerFunc) handlerFunc {
	return func(s *session, cmd, arg string) {
		defer func() {
			if r := recover(); r != nil {
				s.server.logger.Error("command handler panicked",
					"session_id", s.sessionID,
					"remote_ip", s.redactIP(s.remoteIP),
					"user", s.user,
					"cmd", cmd,
					"panic", r,
				)
				s.reply(451, "Requested action aborted: local error in processing.")
			}
		}()
		next(s, cmd, arg)
	}
}

// loggingMiddleware logs every command at debug level before dispatch,
// redacting the PASS argument.
func loggingMiddleware(next handlerFunc) handlerFunc {
	return func(s *session, cmd, arg string) {
		logArg := arg
		if cmd == "PASS" {
			logArg = "***"
		}
		s.server.logger.Debug("command received",
			"session_id", s.sessionID,
			"remote_ip", s.redactIP(s.remoteIP),
			"user", s.user,
			"cmd", cmd,
			"arg", logArg,
		)
		next(s, cmd, arg)
	}
}

// authGateMiddleware rejects disabled commands with 502 and commands that
// require a login with 530, before any handler-specific state is touched.
func authGateMiddleware(next handlerFunc) handlerFunc {
	return func(s *session, cmd, arg string) {
		if s.server.disabledCommands[cmd] {
			s.reply(502, "Command not implemented.")
			return
		}
		if spec, ok := commandRegistry[cmd]; ok && spec.auth == authUser && !s.isLoggedIn {
			s.reply(530, "Please login with USER and PASS.")
			return
		}
		next(s, cmd, arg)
	}
}

// busyGateMiddleware rejects commands other than ABOR/STAT while a transfer
// is in flight.
func busyGateMiddleware(next handlerFunc) handlerFunc {
	return func(s *session, cmd, arg string) {
		s.mu.Lock()
		busy := s.busy
		s.mu.Unlock()
		if busy && cmd != "ABOR" && cmd != "STAT" {
			s.reply(503, "Transfer in progress, please ABOR or wait.")
			return
		}
		next(s, cmd, arg)
	}
}

// renameGuardMiddleware clears a pending RNFR path on any command other
// than RNFR/RNTO themselves.
func renameGuardMiddleware(next handlerFunc) handlerFunc {
	return func(s *session, cmd, arg string) {
		if s.renameFrom != "" && !renameGuardExempt[cmd] {
			s.renameFrom = ""
		}
		next(s, cmd, arg)
	}
}

// metricsMiddleware times the handler and records it via the server's
// MetricsCollector, if one is configured. It sits innermost, so only
// commands that actually reach their handler (past the auth/busy gates)
// are timed.
func metricsMiddleware(next handlerFunc) handlerFunc {
	return func(s *session, cmd, arg string) {
		start := time.Now()
		next(s, cmd, arg)
		s.recordCommand(cmd, true, start)
	}
}
