package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/timothydodd/MailVoid-sub000/internal/certs"
)

// newTestServer builds a server bound to loopback ephemeral ports. Endpoints
// with a false flag are disabled.
func newTestServer(t *testing.T, sink Sink, tlsEnabled bool, plain, submission, implicit bool) *Server {
	t.Helper()

	cfg := ServerConfig{Hostname: "mail.test.com"}
	if plain {
		cfg.PlainAddr = "127.0.0.1:0"
	}
	if submission {
		cfg.SubmissionAddr = "127.0.0.1:0"
	}
	if implicit {
		cfg.TLSAddr = "127.0.0.1:0"
	}

	provider := certs.NewProvider(certs.Config{Enabled: tlsEnabled, ServerName: "mail.test.com"})
	return NewServer(cfg, sink, testFilter(), provider)
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &mockSink{}, false, true, true, false)

	if got := srv.State(); got != StateStopped {
		t.Fatalf("initial state: got %v, want stopped", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := srv.State(); got != StateRunning {
		t.Errorf("state after Start: got %v, want running", got)
	}
	if addrs := srv.Addrs(); len(addrs) != 2 {
		t.Errorf("bound endpoints: got %v, want 2", addrs)
	}

	if err := srv.Start(ctx); err == nil {
		t.Error("starting a running server should fail")
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := srv.State(); got != StateStopped {
		t.Errorf("state after Stop: got %v, want stopped", got)
	}
}

func TestServerRestartRebinds(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &mockSink{}, false, true, false, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := srv.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if got := srv.State(); got != StateRunning {
		t.Errorf("state after Restart: got %v, want running", got)
	}

	// The restarted listener accepts connections.
	conn, err := net.Dial("tcp", srv.Addrs()[0])
	if err != nil {
		t.Fatalf("dial after restart: %v", err)
	}
	defer conn.Close()
	if line := readLine(t, bufio.NewReader(conn)); !strings.HasPrefix(line, "220 ") {
		t.Errorf("greeting after restart: got %q", line)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestServerBindFailureIsFatal(t *testing.T) {
	t.Parallel()

	// Occupy a port, then ask the server to bind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	provider := certs.NewProvider(certs.Config{Enabled: false})
	srv := NewServer(ServerConfig{
		Hostname:  "mail.test.com",
		PlainAddr: ln.Addr().String(),
	}, &mockSink{}, testFilter(), provider)

	if err := srv.Start(context.Background()); err == nil {
		srv.Stop()
		t.Fatal("binding an occupied port should fail Start")
	}
	if got := srv.State(); got != StateStopped {
		t.Errorf("state after failed Start: got %v, want stopped", got)
	}
}

func TestImplicitTLSEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &mockSink{}, true, false, false, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	addrs := srv.Addrs()
	if len(addrs) != 1 {
		t.Fatalf("bound endpoints: got %v, want 1", addrs)
	}

	conn, err := tls.Dial("tcp", addrs[0], &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("TLS dial: %v", err)
	}
	defer conn.Close()

	if line := readLine(t, bufio.NewReader(conn)); !strings.HasPrefix(line, "220 ") {
		t.Errorf("greeting over implicit TLS: got %q", line)
	}
}

func TestImplicitTLSEndpointSkippedWithoutCertificate(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &mockSink{}, false, true, false, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	if addrs := srv.Addrs(); len(addrs) != 1 {
		t.Errorf("only the plain endpoint should bind without a certificate, got %v", addrs)
	}
}

func TestSTARTTLSUpgrade(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	srv := newTestServer(t, sink, true, false, true, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addrs()[0])
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	readLine(t, reader)

	sendCmd(t, conn, "EHLO client.test")
	reply := strings.Join(readReply(t, reader), "\n")
	if !strings.Contains(reply, "STARTTLS") {
		t.Fatalf("EHLO should advertise STARTTLS, got %q", reply)
	}

	sendCmd(t, conn, "STARTTLS")
	if line := readLine(t, reader); !strings.HasPrefix(line, "220 ") {
		t.Fatalf("STARTTLS: got %q, want 220", line)
	}

	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("TLS handshake: %v", err)
	}
	secureReader := bufio.NewReader(tlsConn)

	if _, err := tlsConn.Write([]byte("EHLO client.test\r\n")); err != nil {
		t.Fatalf("EHLO over TLS: %v", err)
	}
	reply = strings.Join(readReply(t, secureReader), "\n")
	if strings.Contains(reply, "STARTTLS") {
		t.Errorf("STARTTLS should not be advertised after upgrade, got %q", reply)
	}

	// AUTH is now allowed to proceed on the submission endpoint, and is
	// still rejected.
	if _, err := tlsConn.Write([]byte("AUTH PLAIN dGVzdA==\r\n")); err != nil {
		t.Fatalf("AUTH over TLS: %v", err)
	}
	if line := readLine(t, secureReader); !strings.HasPrefix(line, "535 ") {
		t.Errorf("AUTH after STARTTLS: got %q, want 535", line)
	}
}

// recordingListener captures session events for assertions.
type recordingListener struct {
	mu        sync.Mutex
	started   []SessionEvent
	completed []SessionEvent
	faulted   []SessionEvent
}

func (r *recordingListener) SessionStarted(e SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, e)
}

func (r *recordingListener) SessionCompleted(e SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, e)
}

func (r *recordingListener) SessionFaulted(e SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faulted = append(r.faulted, e)
}

func TestSessionEventsPublished(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &mockSink{}, false, true, false, false)
	rec := &recordingListener{}
	srv.AddSessionListener(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addrs()[0])
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	reader := bufio.NewReader(conn)
	readLine(t, reader)
	sendCmd(t, conn, "QUIT")
	readLine(t, reader)
	conn.Close()

	deadline := time.After(3 * time.Second)
	for {
		rec.mu.Lock()
		started, completed := len(rec.started), len(rec.completed)
		rec.mu.Unlock()
		if started == 1 && completed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("events: started=%d completed=%d, want 1/1", started, completed)
		case <-time.After(10 * time.Millisecond):
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.started[0].Endpoint != "plain" {
		t.Errorf("event endpoint: got %q, want plain", rec.started[0].Endpoint)
	}
	if rec.started[0].Secured {
		t.Error("plain session should not be marked secured")
	}
}
