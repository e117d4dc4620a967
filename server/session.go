package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrowgate/ftpd/internal/adapter"
	"github.com/harrowgate/ftpd/internal/ratelimit"
	"github.com/harrowgate/ftpd/server/proto"
)

// session represents an FTP client session.
type session struct {
	server *Server
	conn   net.Conn
	chain  *adapter.Chain
	reader *proto.Reader
	writer *proto.Writer
	mu     sync.Mutex // Protects writer/reader rebinding and session state

	// Session tracking
	sessionID string
	remoteIP  string

	// State
	isLoggedIn    bool
	user          string
	renameFrom    string // For RNFR/RNTO
	fs            ClientContext
	restartOffset int64  // For REST command
	host          string // From HOST command
	selectedHash  string // Default SHA-256
	transferType  string // Transfer type (A=ASCII, I=Binary), default I

	// pendingAuth holds a successful-but-not-yet-complete PASS result while
	// waiting for the ACCT the driver required (RFC 959 §4.1.1).
	pendingAuth *AuthResult

	// Background transfer state
	busy           bool
	transferCtx    context.Context
	transferCancel context.CancelFunc
	transferWG     sync.WaitGroup

	// Reader synchronization
	cmdReqChan chan struct{}

	// Data connection state
	dataConn net.Conn
	data     *DataManager
}

// renameGuardExempt lists commands that do not clear a pending RNFR path.
var renameGuardExempt = map[string]bool{
	"RNFR": true,
	"RNTO": true,
}

// validateActiveIP ensures ip matches the control connection's peer, which
// prevents classic FTP bounce attacks on PORT/EPRT. The same check is
// applied to the peer that connects to a PASV/EPSV listener
// (validatePassivePeer) so a promiscuous accept can't be used the same way.
func (s *session) validateActiveIP(ip net.IP) bool {
	return s.validatePeerIP(ip)
}

func (s *session) validatePeerIP(ip net.IP) bool {
	remoteAddr := s.conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	remoteIP := net.ParseIP(host)
	if remoteIP == nil {
		return false
	}

	return ip.Equal(remoteIP)
}

// redactPath returns the path with redaction applied if enabled.
func (s *session) redactPath(path string) string {
	return s.server.redactPath(path)
}

// redactIP returns the IP with redaction applied if enabled.
func (s *session) redactIP(ip string) string {
	return s.server.redactIP(ip)
}

// rateLimitReader wraps a reader with bandwidth limiting if configured.
// Applies both global and per-user limits (most restrictive wins).
func (s *session) rateLimitReader(r io.Reader) io.Reader {
	if s.server.bandwidthLimitPerUser > 0 {
		limiter := ratelimit.New(s.server.bandwidthLimitPerUser)
		r = ratelimit.NewReader(r, limiter)
	}
	if s.server.globalLimiter != nil {
		r = ratelimit.NewReader(r, s.server.globalLimiter)
	}
	return r
}

// rateLimitWriter wraps a writer with bandwidth limiting if configured.
// Applies both global and per-user limits (most restrictive wins).
func (s *session) rateLimitWriter(w io.Writer) io.Writer {
	if s.server.bandwidthLimitPerUser > 0 {
		limiter := ratelimit.New(s.server.bandwidthLimitPerUser)
		w = ratelimit.NewWriter(w, limiter)
	}
	if s.server.globalLimiter != nil {
		w = ratelimit.NewWriter(w, s.server.globalLimiter)
	}
	return w
}

// newSession creates a new session. The control connection is wrapped in a
// one-adapter chain (raw passthrough, or TLS already terminated for
// implicit FTPS listeners); AUTH TLS later pushes a second adapter onto the
// same chain for a hot upgrade.
func newSession(server *Server, conn net.Conn) *session {
	sessionID := uuid.NewString()

	remoteAddr := conn.RemoteAddr().String()
	remoteIP, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		remoteIP = remoteAddr
	}

	base := adapter.NewRaw(conn)
	_ = base.Start(context.Background())
	chain := adapter.NewChain(base)

	tnet := newTelnetReader(chain.Tail().Receiver())
	prot := "C" // Default to clear
	if _, ok := conn.(*tls.Conn); ok {
		// Detect Implicit TLS (connection is already a *tls.Conn, from a
		// dedicated implicit-FTPS listener).
		prot = "P" // Default to private for implicit TLS
	}

	s := &session{
		server:       server,
		conn:         conn,
		chain:        chain,
		reader:       proto.NewReader(tnet),
		writer:       proto.NewWriter(chain.Tail().Sender()),
		sessionID:    sessionID,
		remoteIP:     remoteIP,
		selectedHash: "SHA-256",
		transferType: "I",
		cmdReqChan:   make(chan struct{}),
	}
	s.data = newDataManager(s, prot)

	return s
}

type command struct {
	line string
	err  error
}

// serve handles the FTP session. It uses a concurrent architecture to handle
// commands and data transfers, enabling support for commands like ABOR.
//
// Concurrency Model:
//
//  1. Reader Goroutine: A dedicated goroutine is spawned to read commands from
//     the client's control connection. It sends each command to the main `serve`
//     loop via the `cmdChan`.
//
//  2. Main Loop (`serve`): This loop receives commands from `cmdChan` and
//     dispatches them to handlers. It is the single point of control for the
//     session's state.
//
//  3. Synchronization (`cmdReqChan`): To prevent data races during connection
//     upgrades (e.g., AUTH TLS), the reader goroutine waits for a signal on
//     `cmdReqChan` before reading the next command. The main loop sends this
//     signal only after the current command handler has finished. This ensures
//     that handlers that modify the connection or reader/writer state (like
//     `handleAUTH`) can do so safely.
//
//  4. Asynchronous Transfers: Data transfer commands (RETR, STOR, etc.) are
//     handled asynchronously. They start a new goroutine for the actual data
//     copy, set a `busy` flag on the session, and return immediately. This allows
//     the main loop to process other commands, specifically ABOR and STAT.
//
//  5. Aborting Transfers (`ABOR`): If a transfer is in progress (`busy == true`),
//     the `handleABOR` command can interrupt it by closing the data connection and
//     canceling the `transferCtx`.
//
//  6. State Protection (`s.mu`): A mutex protects session fields that are accessed
//     by multiple goroutines.
//
//  7. Goroutine Cleanup (`done`): A `done` channel is created in `serve` and
//     closed on exit.
func (s *session) serve() {
	defer s.close()

	s.sendWelcome()

	s.server.logger.Info("session_started",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
	)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordConnection(true, "session_started")
	}

	done := make(chan struct{})
	defer close(done)

	cmdChan := s.startCommandReader(done)

	for {
		cmd, ok := <-cmdChan
		if !ok {
			return
		}

		if cmd.err != nil {
			if cmd.err != io.EOF && cmd.err != proto.ErrCommandTooLong {
				s.server.logger.Warn("read error",
					"session_id", s.sessionID,
					"remote_ip", s.redactIP(s.remoteIP),
					"user", s.user,
					"error", cmd.err,
				)
			}
			if cmd.err == proto.ErrCommandTooLong {
				s.reply(500, "Command line too long.")
			}
			return
		}

		_ = s.conn.SetReadDeadline(time.Time{})

		if s.server.writeTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
		}

		s.handleCommand(cmd.line)

		if s.server.writeTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Time{})
		}

		select {
		case s.cmdReqChan <- struct{}{}:
		case <-time.After(1 * time.Second):
		}
	}
}

func (s *session) sendWelcome() {
	if strings.HasPrefix(s.server.welcomeMessage, "220 ") {
		s.reply(220, s.server.welcomeMessage[4:])
	} else if strings.HasPrefix(s.server.welcomeMessage, "220") {
		s.reply(220, s.server.welcomeMessage[3:])
	} else {
		s.reply(220, s.server.welcomeMessage)
	}
}

func (s *session) startCommandReader(done chan struct{}) chan command {
	cmdChan := make(chan command)
	go func() {
		defer close(cmdChan)
		for {
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()

			if s.server.readTimeout > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.server.readTimeout))
			} else if s.server.maxIdleTime > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.server.maxIdleTime))
			}

			s.mu.Lock()
			r := s.reader
			s.mu.Unlock()
			line, err := r.ReadLine()

			select {
			case cmdChan <- command{line, err}:
			case <-done:
				return
			}

			if err != nil {
				return
			}

			select {
			case <-s.cmdReqChan:
			case <-done:
				return
			}
		}
	}()
	return cmdChan
}

// close closes the session and underlying connection.
func (s *session) close() {
	s.mu.Lock()
	if s.transferCancel != nil {
		s.transferCancel()
	}
	s.mu.Unlock()

	if s.fs != nil {
		s.fs.Close()
	}
	s.data.ClosePassive()
	if s.dataConn != nil {
		s.dataConn.Close()
	}
	_ = s.chain.StopAll(context.Background())
	s.conn.Close()

	// Wait for all background transfers to finish before returning.
	s.transferWG.Wait()

	s.server.logger.Debug("session closed",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
		"user", s.user,
	)
}

// commandChain is the fixed middleware stack every command dispatch runs
// through, built once at package init: recover (outermost) guards the
// session goroutine against a handler panic, logging/auth/busy/rename-guard
// run in order, and metrics (innermost) times only handlers that actually
// get to run.
var commandChain = []middleware{
	recoverMiddleware,
	loggingMiddleware,
	authGateMiddleware,
	busyGateMiddleware,
	renameGuardMiddleware,
	metricsMiddleware,
}

// handleCommand parses a line and dispatches it through commandChain to
// the registered handler for its verb.
func (s *session) handleCommand(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}

	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}

	spec, ok := commandRegistry[cmd]
	if !ok {
		s.reply(502, "Command not implemented.")
		return
	}

	chainMiddleware(spec.fn, commandChain...)(s, cmd, arg)
}

func (s *session) recordCommand(cmd string, success bool, start time.Time) {
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordCommand(cmd, success, time.Since(start))
	}
}

// beginTransfer marks the session busy and arms the cancellable context
// that handleABOR uses to interrupt an in-flight RETR/STOR/APPE/STOU. It
// must be paired with a deferred call to endTransfer from the same
// goroutine that performs the data copy.
func (s *session) beginTransfer() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	s.busy = true
	s.transferCtx = ctx
	s.transferCancel = cancel
	s.transferWG.Add(1)
	return ctx
}

// endTransfer clears the busy state armed by beginTransfer and releases
// anyone blocked in handleABOR's transferWG.Wait().
func (s *session) endTransfer() {
	s.mu.Lock()
	s.busy = false
	s.transferCancel = nil
	s.transferCtx = nil
	s.mu.Unlock()
	s.transferWG.Done()
}

// endDataTransfer closes the data connection and the backing file, clears
// s.dataConn so a racing ABOR no longer sees a stale handle, and releases
// the busy state armed by beginTransfer. Deferred by every background
// transfer goroutine (RETR/STOR/APPE/STOU).
func (s *session) endDataTransfer(conn net.Conn, file io.Closer) {
	conn.Close()
	file.Close()
	s.mu.Lock()
	s.dataConn = nil
	s.mu.Unlock()
	s.endTransfer()
}

// handleABOR aborts an in-flight transfer. Per RFC 959 §4.1.3, the server
// must answer the aborted transfer's own command with 426 before the 226
// that closes out the ABOR itself; this implementation blocks until the
// background transfer goroutine has observed cancellation and sent its 426
// so the two replies are never reordered.
func (s *session) handleABOR(_ string) {
	s.mu.Lock()
	if !s.busy {
		s.mu.Unlock()
		s.reply(226, "ABOR command successful; no transfer in progress.")
		return
	}

	s.server.logger.Info("transfer_abort_requested", "session_id", s.sessionID)

	if s.dataConn != nil {
		s.dataConn.Close()
	}
	if s.transferCancel != nil {
		s.transferCancel()
	}
	s.mu.Unlock()

	s.transferWG.Wait()

	s.reply(226, "ABOR command successful; transfer aborted.")
}

// replyError sends a standard error response based on the error type.
func (s *session) replyError(err error) {
	if os.IsNotExist(err) {
		s.reply(550, "File not found.")
		return
	}
	if os.IsPermission(err) {
		s.reply(550, "Permission denied.")
		return
	}
	if os.IsExist(err) {
		s.reply(550, "File already exists.")
		return
	}
	s.reply(550, "Action failed: "+err.Error())
}

// reply sends a response to the client.
func (s *session) reply(code int, message string) {
	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()
	_ = w.Reply(code, message)
}

// logTransfer logs a file transfer in standard xferlog format.
// Format: current-time transfer-time remote-host file-size filename transfer-type special-action-flag direction access-mode username service-name authentication-method authenticated-user-id completion-status
func (s *session) logTransfer(cmd, filename string, bytes int64, duration time.Duration) {
	if s.server.transferLog == nil {
		return
	}

	now := time.Now()
	transferTime := int64(duration.Seconds())
	if transferTime == 0 {
		transferTime = 1
	}

	remoteHost := s.remoteIP

	tType := "b"
	if s.transferType == "A" {
		tType = "a"
	}

	actionFlag := "_"

	direction := "o"
	if cmd == "STOR" || cmd == "APPE" || cmd == "STOU" {
		direction = "i"
	}

	accessMode := "r"
	if s.user == "anonymous" || s.user == "ftp" {
		accessMode = "a"
	}

	authMethod := "0"
	authUserID := "*"
	completionStatus := "c"

	line := fmt.Sprintf("%s %d %s %d %s %s %s %s %s %s %s %s %s %s\n",
		now.Format("Mon Jan 02 15:04:05 2006"),
		transferTime,
		remoteHost,
		bytes,
		filename,
		tType,
		actionFlag,
		direction,
		accessMode,
		s.user,
		"ftp",
		authMethod,
		authUserID,
		completionStatus,
	)

	_, _ = s.server.transferLog.Write([]byte(line))
}
