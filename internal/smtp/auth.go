// Package smtp implements the receive-only SMTP server: three listening
// endpoints (plain, STARTTLS submission, implicit TLS), a per-connection
// protocol state machine with mailbox filtering, and session lifecycle
// events.
package smtp

import (
	"encoding/base64"
	"log/slog"
	"strings"
)

// Authenticator rejects every AUTH attempt. This server is receive-only and
// must never be usable as an authenticated relay; the only reason AUTH is
// advertised at all is so attempts can be rejected and logged with the
// attempted username and remote address.
type Authenticator struct{}

// NewAuthenticator creates the reject-all Authenticator.
func NewAuthenticator() *Authenticator {
	return &Authenticator{}
}

// RejectPlain logs and rejects an AUTH PLAIN attempt. The encoded credentials
// are decoded only to recover the attempted username for the log line.
func (a *Authenticator) RejectPlain(encoded, remoteAddr string) {
	username := "<undecodable>"
	if decoded, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		// AUTH PLAIN format: authzid\0authcid\0password
		if parts := strings.SplitN(string(decoded), "\x00", 3); len(parts) == 3 {
			username = parts[1]
		}
	}
	a.logRejection(username, remoteAddr, "PLAIN")
}

// RejectLogin logs and rejects an AUTH LOGIN attempt.
func (a *Authenticator) RejectLogin(encodedUser, remoteAddr string) {
	username := "<undecodable>"
	if decoded, err := base64.StdEncoding.DecodeString(encodedUser); err == nil {
		username = string(decoded)
	}
	a.logRejection(username, remoteAddr, "LOGIN")
}

func (a *Authenticator) logRejection(username, remoteAddr, mechanism string) {
	slog.Warn("authentication attempt rejected",
		"username", username,
		"remote_addr", remoteAddr,
		"mechanism", mechanism,
	)
}
