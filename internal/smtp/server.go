package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timothydodd/MailVoid-sub000/internal/certs"
	"github.com/timothydodd/MailVoid-sub000/internal/filter"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions during
// graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Server lifecycle states.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// ServerConfig holds the configuration for the SMTP server's three endpoints.
type ServerConfig struct {
	// Hostname is used in the greeting and EHLO responses.
	Hostname string

	// PlainAddr, SubmissionAddr, and TLSAddr are the listen addresses for
	// the plain, STARTTLS-submission, and implicit-TLS endpoints. An empty
	// address disables that endpoint; the implicit-TLS endpoint is also
	// skipped when no certificate resolves.
	PlainAddr      string
	SubmissionAddr string
	TLSAddr        string

	// RequireAuthentication refuses MAIL without prior authentication on
	// every endpoint. All authentication is rejected, so enabling this
	// effectively closes the server to mail.
	RequireAuthentication bool
}

// Server binds the three SMTP endpoints, runs one session goroutine per
// accepted connection, and publishes session lifecycle events. Certificates
// are resolved once per Start; rotation requires Restart.
type Server struct {
	config ServerConfig
	auth   *Authenticator
	sink   Sink
	filter *filter.MailboxFilter
	certs  *certs.Provider

	state atomic.Int32

	mu        sync.Mutex
	listeners []net.Listener
	cancel    context.CancelFunc

	listenerMu sync.Mutex
	events     []SessionListener

	wg sync.WaitGroup
}

// NewServer creates an SMTP Server. The slog session listener is always
// registered; more can be added with AddSessionListener before Start.
func NewServer(cfg ServerConfig, sink Sink, mf *filter.MailboxFilter, certProvider *certs.Provider) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &Server{
		config: cfg,
		auth:   NewAuthenticator(),
		sink:   sink,
		filter: mf,
		certs:  certProvider,
		events: []SessionListener{logListener{}},
	}
}

// AddSessionListener registers a listener for session lifecycle events.
func (s *Server) AddSessionListener(l SessionListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.events = append(s.events, l)
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Start resolves the certificate, binds all configured endpoints, and begins
// accepting connections. A bind failure or a certificate load failure is
// fatal: any listeners bound so far are closed and the error is returned.
func (s *Server) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("server is %s, cannot start", s.State())
	}

	cert, err := s.certs.GetCertificate(ctx)
	if err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("certificate resolution failed: %w", err)
	}
	tlsConfig := certs.TLSConfig(cert)

	acceptCtx, cancel := context.WithCancel(ctx)

	type endpoint struct {
		kind EndpointKind
		addr string
	}
	endpoints := []endpoint{
		{EndpointPlain, s.config.PlainAddr},
		{EndpointSubmission, s.config.SubmissionAddr},
		{EndpointImplicitTLS, s.config.TLSAddr},
	}

	var bound []net.Listener
	for _, ep := range endpoints {
		if ep.addr == "" {
			continue
		}
		if ep.kind == EndpointImplicitTLS && tlsConfig == nil {
			slog.Warn("implicit-TLS endpoint disabled, no certificate available", "addr", ep.addr)
			continue
		}

		ln, err := net.Listen("tcp", ep.addr)
		if err != nil {
			cancel()
			for _, l := range bound {
				l.Close()
			}
			s.state.Store(int32(StateStopped))
			return fmt.Errorf("failed to bind %s endpoint on %s: %w", ep.kind, ep.addr, err)
		}
		if ep.kind == EndpointImplicitTLS {
			ln = tls.NewListener(ln, tlsConfig)
		}
		bound = append(bound, ln)

		slog.Info("SMTP endpoint listening",
			"endpoint", ep.kind.String(),
			"addr", ln.Addr().String(),
			"tls_available", tlsConfig != nil,
		)

		s.wg.Add(1)
		go s.acceptLoop(acceptCtx, ln, ep.kind, tlsConfig)
	}

	s.mu.Lock()
	s.listeners = bound
	s.cancel = cancel
	s.mu.Unlock()

	s.state.Store(int32(StateRunning))
	return nil
}

// acceptLoop accepts connections on one listener until it is closed.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, kind EndpointKind, tlsConfig *tls.Config) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if s.State() != StateRunning {
				return
			}
			slog.Error("accept error", "endpoint", kind.String(), "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn, kind, tlsConfig)
		}()
	}
}

// handleConn runs one session and publishes its lifecycle events.
func (s *Server) handleConn(ctx context.Context, conn net.Conn, kind EndpointKind, tlsConfig *tls.Config) {
	session := NewSession(conn, kind, s.auth, s.sink, s.filter, s.config.Hostname, tlsConfig, s.config.RequireAuthentication)

	event := SessionEvent{
		RemoteAddr: conn.RemoteAddr().String(),
		Endpoint:   kind.String(),
		Secured:    session.Secured(),
	}
	s.publish(func(l SessionListener) { l.SessionStarted(event) })

	err := session.Handle(ctx)

	event.Secured = session.Secured()
	if err != nil {
		event.Err = err
		s.publish(func(l SessionListener) { l.SessionFaulted(event) })
		return
	}
	s.publish(func(l SessionListener) { l.SessionCompleted(event) })
}

func (s *Server) publish(fn func(SessionListener)) {
	s.listenerMu.Lock()
	listeners := make([]SessionListener, len(s.events))
	copy(listeners, s.events)
	s.listenerMu.Unlock()

	for _, l := range listeners {
		fn(l)
	}
}

// Stop closes all listeners and waits for in-flight sessions to drain, up to
// the shutdown timeout.
func (s *Server) Stop() error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("server is %s, cannot stop", s.State())
	}

	slog.Info("stopping SMTP server")

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
	s.mu.Unlock()

	s.waitForSessions()
	s.state.Store(int32(StateStopped))
	return nil
}

// Restart stops and starts the server, invalidating the cached certificate so
// a rotated certificate is picked up. This is the only certificate hot-swap
// path; there is no live swap on open listeners.
func (s *Server) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.certs.Invalidate()
	return s.Start(ctx)
}

// waitForSessions waits for all accept loops and in-flight sessions, with a
// maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]string, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr().String())
	}
	return addrs
}
