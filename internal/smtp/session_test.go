package smtp

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/timothydodd/MailVoid-sub000/internal/filter"
)

// mockSink implements Sink for testing.
type mockSink struct {
	from       string
	to         []string
	raw        []byte
	receiveErr error
	calls      int
}

func (m *mockSink) Receive(_ context.Context, from string, to []string, raw []byte) error {
	m.calls++
	m.from = from
	m.to = to
	m.raw = raw
	return m.receiveErr
}

// connPair creates a connected pair of net.Conn for testing SMTP sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// readLine reads a line from a buffered reader.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readReply reads a (possibly multi-line) SMTP reply and returns all lines.
func readReply(t *testing.T, reader *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if len(line) < 4 || line[3] != '-' {
			return lines
		}
	}
}

// sendCmd sends a command to the SMTP session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// startSession runs a session over a fresh conn pair and returns the client
// side with its reader, past the greeting.
func startSession(t *testing.T, kind EndpointKind, sink Sink, mf *filter.MailboxFilter) (net.Conn, *bufio.Reader) {
	t.Helper()

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	sess := NewSession(server, kind, NewAuthenticator(), sink, mf, "mail.test.com", nil, false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	go sess.Handle(ctx)

	reader := bufio.NewReader(client)
	greeting := readLine(t, reader)
	if !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("greeting: got %q, want prefix '220 '", greeting)
	}
	return client, reader
}

func testFilter() *filter.MailboxFilter {
	return filter.New([]string{"allowed.com"}, []string{"blocked.com"}, 1024*1024)
}

func TestSessionGreetingAndEHLO(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, EndpointPlain, &mockSink{}, testFilter())

	sendCmd(t, client, "EHLO client.test")
	reply := readReply(t, reader)

	joined := strings.Join(reply, "\n")
	if !strings.Contains(joined, "mail.test.com") {
		t.Errorf("EHLO reply should contain hostname, got %q", joined)
	}
	if !strings.Contains(joined, "AUTH PLAIN LOGIN") {
		t.Errorf("EHLO reply should advertise AUTH, got %q", joined)
	}
	if !strings.Contains(joined, "SIZE 1048576") {
		t.Errorf("EHLO reply should advertise SIZE, got %q", joined)
	}
	if strings.Contains(joined, "STARTTLS") {
		t.Errorf("STARTTLS should not be advertised without a TLS config, got %q", joined)
	}
}

func TestSessionRejectsBlockedSenderAtMailStage(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	client, reader := startSession(t, EndpointPlain, sink, testFilter())

	sendCmd(t, client, "EHLO client.test")
	readReply(t, reader)

	sendCmd(t, client, "MAIL FROM:<x@blocked.com>")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "550 ") {
		t.Errorf("blocked sender: got %q, want 550", reply)
	}
	if sink.calls != 0 {
		t.Error("no message should reach the sink for a rejected sender")
	}
}

func TestSessionRejectsOversizedDeclaredSize(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, EndpointPlain, &mockSink{}, testFilter())

	sendCmd(t, client, "EHLO client.test")
	readReply(t, reader)

	sendCmd(t, client, "MAIL FROM:<a@fine.com> SIZE=1048577")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "552 ") {
		t.Errorf("oversized declaration: got %q, want 552", reply)
	}

	sendCmd(t, client, "MAIL FROM:<a@fine.com> SIZE=1048576")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "250 ") {
		t.Errorf("at-limit declaration: got %q, want 250", reply)
	}
}

func TestSessionRecipientFiltering(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, EndpointPlain, &mockSink{}, testFilter())

	sendCmd(t, client, "EHLO client.test")
	readReply(t, reader)
	sendCmd(t, client, "MAIL FROM:<a@somewhere.com>")
	readLine(t, reader)

	sendCmd(t, client, "RCPT TO:<b@elsewhere.com>")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "550 ") {
		t.Errorf("disallowed recipient domain: got %q, want 550", reply)
	}

	sendCmd(t, client, "RCPT TO:<b@sub.allowed.com>")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "250 ") {
		t.Errorf("allowed subdomain recipient: got %q, want 250", reply)
	}

	sendCmd(t, client, "RCPT TO:<a@somewhere.com>")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "550 ") {
		t.Errorf("recipient equal to sender: got %q, want 550", reply)
	}
}

func TestSessionAuthAlwaysRejected(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, EndpointPlain, &mockSink{}, testFilter())

	sendCmd(t, client, "EHLO client.test")
	readReply(t, reader)

	creds := base64.StdEncoding.EncodeToString([]byte("\x00user\x00password"))
	sendCmd(t, client, "AUTH PLAIN "+creds)
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "535 ") {
		t.Errorf("AUTH PLAIN: got %q, want 535", reply)
	}

	sendCmd(t, client, "AUTH LOGIN")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "334 ") {
		t.Fatalf("AUTH LOGIN challenge: got %q, want 334", reply)
	}
	sendCmd(t, client, base64.StdEncoding.EncodeToString([]byte("user")))
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "334 ") {
		t.Fatalf("AUTH LOGIN password challenge: got %q, want 334", reply)
	}
	sendCmd(t, client, base64.StdEncoding.EncodeToString([]byte("password")))
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "535 ") {
		t.Errorf("AUTH LOGIN: got %q, want 535", reply)
	}
}

func TestSubmissionEndpointRequiresSTARTTLSBeforeAuth(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, EndpointSubmission, &mockSink{}, testFilter())

	sendCmd(t, client, "EHLO client.test")
	readReply(t, reader)

	sendCmd(t, client, "AUTH PLAIN dGVzdA==")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "530 ") {
		t.Errorf("AUTH before STARTTLS on submission endpoint: got %q, want 530", reply)
	}
}

func TestSessionFullTransaction(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	client, reader := startSession(t, EndpointPlain, sink, testFilter())

	sendCmd(t, client, "EHLO client.test")
	readReply(t, reader)
	sendCmd(t, client, "MAIL FROM:<a@allowed.com>")
	readLine(t, reader)
	sendCmd(t, client, "RCPT TO:<b@allowed.com>")
	readLine(t, reader)

	sendCmd(t, client, "DATA")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "354 ") {
		t.Fatalf("DATA: got %q, want 354", reply)
	}

	sendCmd(t, client, "Subject: Hi")
	sendCmd(t, client, "")
	sendCmd(t, client, "Hello")
	sendCmd(t, client, "..with a leading dot")
	sendCmd(t, client, ".")

	if reply := readLine(t, reader); !strings.HasPrefix(reply, "250 ") {
		t.Fatalf("end of DATA: got %q, want 250", reply)
	}

	if sink.calls != 1 {
		t.Fatalf("sink calls: got %d, want 1", sink.calls)
	}
	if sink.from != "a@allowed.com" {
		t.Errorf("envelope from: got %q", sink.from)
	}
	if len(sink.to) != 1 || sink.to[0] != "b@allowed.com" {
		t.Errorf("envelope to: got %v", sink.to)
	}
	raw := string(sink.raw)
	if !strings.Contains(raw, "Subject: Hi") {
		t.Errorf("raw message missing headers: %q", raw)
	}
	if !strings.Contains(raw, ".with a leading dot") || strings.Contains(raw, "..with") {
		t.Errorf("dot-stuffing not reversed: %q", raw)
	}

	sendCmd(t, client, "QUIT")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "221 ") {
		t.Errorf("QUIT: got %q, want 221", reply)
	}
}

func TestSessionSinkErrorYieldsTransientFailure(t *testing.T) {
	t.Parallel()

	sink := &mockSink{receiveErr: errors.New("parse failed")}
	client, reader := startSession(t, EndpointPlain, sink, testFilter())

	sendCmd(t, client, "EHLO client.test")
	readReply(t, reader)
	sendCmd(t, client, "MAIL FROM:<a@allowed.com>")
	readLine(t, reader)
	sendCmd(t, client, "RCPT TO:<b@allowed.com>")
	readLine(t, reader)
	sendCmd(t, client, "DATA")
	readLine(t, reader)
	sendCmd(t, client, "broken")
	sendCmd(t, client, ".")

	if reply := readLine(t, reader); !strings.HasPrefix(reply, "451 ") {
		t.Errorf("sink failure: got %q, want 451", reply)
	}

	// The session survives and can run another transaction.
	sendCmd(t, client, "NOOP")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "250 ") {
		t.Errorf("NOOP after failure: got %q, want 250", reply)
	}
}

func TestSessionCommandSequencing(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, EndpointPlain, &mockSink{}, testFilter())

	sendCmd(t, client, "MAIL FROM:<a@allowed.com>")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "503 ") {
		t.Errorf("MAIL before EHLO: got %q, want 503", reply)
	}

	sendCmd(t, client, "EHLO client.test")
	readReply(t, reader)

	sendCmd(t, client, "RCPT TO:<b@allowed.com>")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "503 ") {
		t.Errorf("RCPT before MAIL: got %q, want 503", reply)
	}

	sendCmd(t, client, "DATA")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "503 ") {
		t.Errorf("DATA before RCPT: got %q, want 503", reply)
	}
}
