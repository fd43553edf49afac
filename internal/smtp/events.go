package smtp

import "log/slog"

// SessionEvent describes one session lifecycle transition.
type SessionEvent struct {
	RemoteAddr string
	Endpoint   string
	Secured    bool
	Err        error
}

// SessionListener receives session lifecycle events. Implementations must not
// block; they are invoked inline from the session goroutine.
type SessionListener interface {
	SessionStarted(e SessionEvent)
	SessionCompleted(e SessionEvent)
	SessionFaulted(e SessionEvent)
}

// logListener is the always-registered listener that turns lifecycle events
// into structured log lines.
type logListener struct{}

func (logListener) SessionStarted(e SessionEvent) {
	slog.Info("session started",
		"remote_addr", e.RemoteAddr,
		"endpoint", e.Endpoint,
		"secured", e.Secured,
	)
}

func (logListener) SessionCompleted(e SessionEvent) {
	slog.Info("session completed",
		"remote_addr", e.RemoteAddr,
		"endpoint", e.Endpoint,
		"secured", e.Secured,
	)
}

func (logListener) SessionFaulted(e SessionEvent) {
	slog.Warn("session faulted",
		"remote_addr", e.RemoteAddr,
		"endpoint", e.Endpoint,
		"secured", e.Secured,
		"error", e.Err,
	)
}
