package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/timothydodd/MailVoid-sub000/internal/filter"
)

// Endpoint kinds determine per-port policy: whether STARTTLS is offered and
// whether it must precede AUTH.
type EndpointKind int

const (
	// EndpointPlain is the classic port 25 endpoint. STARTTLS is offered
	// opportunistically and AUTH is allowed without TLS for legacy senders.
	EndpointPlain EndpointKind = iota
	// EndpointSubmission is the port 587 endpoint. AUTH attempts before
	// STARTTLS are refused.
	EndpointSubmission
	// EndpointImplicitTLS is the port 465 endpoint; the connection arrives
	// already wrapped in TLS.
	EndpointImplicitTLS
)

// String returns the endpoint name used in logs and events.
func (k EndpointKind) String() string {
	switch k {
	case EndpointSubmission:
		return "submission"
	case EndpointImplicitTLS:
		return "implicit-tls"
	default:
		return "plain"
	}
}

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// Sink receives the complete raw message of an accepted transaction. An error
// is mapped to a transient SMTP failure so the sending MTA retries.
type Sink interface {
	Receive(ctx context.Context, from string, to []string, raw []byte) error
}

// Session represents a single SMTP client connection and manages the SMTP
// protocol state machine.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	kind     EndpointKind
	auth     *Authenticator
	sink     Sink
	filter   *filter.MailboxFilter
	hostname string
	// requireAuth refuses MAIL without prior authentication. Since every
	// AUTH attempt is rejected, enabling it makes the endpoint submit-proof;
	// it exists for parity with the configuration surface.
	requireAuth bool

	tlsConfig *tls.Config
	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection. For
// implicit-TLS endpoints the connection must already be TLS-wrapped.
func NewSession(conn net.Conn, kind EndpointKind, auth *Authenticator, sink Sink, mf *filter.MailboxFilter, hostname string, tlsConfig *tls.Config, requireAuth bool) *Session {
	return &Session{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		writer:      bufio.NewWriter(conn),
		state:       stateConnected,
		kind:        kind,
		auth:        auth,
		sink:        sink,
		filter:      mf,
		hostname:    hostname,
		tlsConfig:   tlsConfig,
		tlsActive:   kind == EndpointImplicitTLS,
		requireAuth: requireAuth,
	}
}

// Secured reports whether the session is running over TLS.
func (s *Session) Secured() bool {
	return s.tlsActive
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs. A non-nil return means the session faulted
// on an IO error; a clean QUIT or EOF returns nil.
func (s *Session) Handle(ctx context.Context) error {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP MailVoid", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return nil
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return fmt.Errorf("failed to set connection deadline: %w", err)
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("connection read failed: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		done, err := s.handleCommand(ctx, cmd, arg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// handleCommand processes a single SMTP command. It returns done=true when
// the session should end cleanly, or an error on an IO fault.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) (bool, error) {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		if err := s.handleDATA(ctx); err != nil {
			return false, err
		}
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true, nil
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false, nil
}

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	if cmd == "HELO" {
		s.state = stateGreeted
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.state = stateGreeted
	s.writeLine("250-%s Hello %s", s.hostname, arg)

	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	// AUTH is advertised so attempts can be rejected and logged; it never
	// succeeds on this server.
	s.writeLine("250-AUTH PLAIN LOGIN")
	s.writeLine("250-SIZE %d", s.filter.MaxMessageSize())
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS.
func (s *Session) handleSTARTTLS() {
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "error", err, "remote_addr", s.conn.RemoteAddr())
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

// handleAUTH reads the AUTH exchange far enough to learn the attempted
// username, then rejects it. On the submission endpoint AUTH is refused
// outright until STARTTLS is active.
func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.kind == EndpointSubmission && !s.tlsActive {
		s.writeLine("530 Must issue a STARTTLS command first")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])
	remote := s.conn.RemoteAddr().String()

	switch mechanism {
	case "PLAIN":
		var encoded string
		if len(parts) > 1 && parts[1] != "" {
			encoded = parts[1]
		} else {
			s.writeLine("334")
			line, err := s.reader.ReadString('\n')
			if err != nil {
				return
			}
			encoded = strings.TrimRight(line, "\r\n")
		}
		if encoded == "*" {
			s.writeLine("501 Authentication cancelled")
			return
		}
		s.auth.RejectPlain(encoded, remote)
		s.writeLine("535 Authentication not supported, this server does not relay")

	case "LOGIN":
		// Challenge for username (base64 "Username:")
		s.writeLine("334 VXNlcm5hbWU6")
		userLine, err := s.reader.ReadString('\n')
		if err != nil {
			return
		}
		encodedUser := strings.TrimRight(userLine, "\r\n")
		if encodedUser == "*" {
			s.writeLine("501 Authentication cancelled")
			return
		}
		// Challenge for password (base64 "Password:"); the value is
		// discarded unread.
		s.writeLine("334 UGFzc3dvcmQ6")
		if _, err := s.reader.ReadString('\n'); err != nil {
			return
		}
		s.auth.RejectLogin(encodedUser, remote)
		s.writeLine("535 Authentication not supported, this server does not relay")

	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

// handleMAIL processes the MAIL FROM command, applying the sender filter
// before any message data is read.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.requireAuth {
		s.writeLine("530 Authentication required")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr, params := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	declaredSize := parseSizeParam(params)
	if !s.filter.CanAcceptSender(addr, declaredSize) {
		if declaredSize > s.filter.MaxMessageSize() {
			s.writeLine("552 Message size exceeds maximum permitted")
		} else {
			s.writeLine("550 Sender rejected")
		}
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command, applying the recipient filter.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, _ := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	if !s.filter.CanAcceptRecipient(addr, s.mailFrom) {
		s.writeLine("550 Recipient rejected")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message body up to the dot terminator and hands the
// complete buffer to the sink. Oversized messages are drained and refused.
func (s *Session) handleDATA(ctx context.Context) error {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return nil
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	maxSize := s.filter.MaxMessageSize()
	var data strings.Builder
	oversized := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("error reading DATA: %w", err)
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Dot-stuffing: lines starting with ".." have the leading dot removed
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if !oversized && int64(data.Len()+len(line)) > maxSize {
			oversized = true
		}
		if !oversized {
			data.WriteString(line)
		}
	}

	if oversized {
		slog.Warn("message rejected, size limit exceeded",
			"from", s.mailFrom,
			"max_size", maxSize,
		)
		s.writeLine("552 Message size exceeds maximum permitted")
		s.resetTransaction()
		return nil
	}

	if err := s.sink.Receive(ctx, s.mailFrom, s.rcptTo, []byte(data.String())); err != nil {
		slog.Error("failed to process received message",
			"from", s.mailFrom,
			"error", err,
		)
		s.writeLine("451 Temporary failure, please try again later")
		s.resetTransaction()
		return nil
	}

	s.writeLine("250 OK message queued")
	s.resetTransaction()
	return nil
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction state without
// affecting the session greeting state.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.state > stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		slog.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address and any trailing ESMTP parameters
// from a MAIL FROM/RCPT TO argument, handling both angle-bracket and bare
// formats.
func extractAddress(s string) (addr, params string) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", ""
		}
		return s[1:end], strings.TrimSpace(s[end+1:])
	}

	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

// parseSizeParam extracts the SIZE= ESMTP parameter value, returning 0 when
// absent or malformed.
func parseSizeParam(params string) int64 {
	for _, p := range strings.Fields(params) {
		if rest, ok := strings.CutPrefix(strings.ToUpper(p), "SIZE="); ok {
			size, err := strconv.ParseInt(rest, 10, 64)
			if err != nil {
				return 0
			}
			return size
		}
	}
	return 0
}
