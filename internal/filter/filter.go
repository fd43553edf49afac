// Package filter implements the mailbox accept/reject policy applied at the
// MAIL FROM and RCPT TO stages, before any message body is read.
package filter

import (
	"log/slog"
	"strings"
)

// DefaultMaxMessageSize is 10 MiB in bytes.
const DefaultMaxMessageSize = 10 * 1024 * 1024

// MailboxFilter decides whether senders and recipients are acceptable. All
// decisions are pure functions of the address, the declared size, and the
// configured domain lists; the only side effect is a log line per decision.
type MailboxFilter struct {
	allowedDomains []string
	blockedDomains []string
	maxMessageSize int64
}

// New creates a MailboxFilter. Domains are matched case-insensitively;
// maxMessageSize of 0 selects the default.
func New(allowedDomains, blockedDomains []string, maxMessageSize int64) *MailboxFilter {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &MailboxFilter{
		allowedDomains: lowerAll(allowedDomains),
		blockedDomains: lowerAll(blockedDomains),
		maxMessageSize: maxMessageSize,
	}
}

// MaxMessageSize returns the configured message size ceiling in bytes.
func (f *MailboxFilter) MaxMessageSize() int64 {
	return f.maxMessageSize
}

// CanAcceptSender reports whether a MAIL FROM address with the given declared
// message size is acceptable. A panic during evaluation is treated as reject.
func (f *MailboxFilter) CanAcceptSender(address string, declaredSize int64) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sender evaluation panicked, rejecting", "address", address, "panic", r)
			accepted = false
		}
	}()

	reason := f.senderRejection(address, declaredSize)
	if reason != "" {
		slog.Warn("sender rejected", "address", address, "declared_size", declaredSize, "reason", reason)
		return false
	}
	slog.Info("sender accepted", "address", address, "declared_size", declaredSize)
	return true
}

// CanAcceptRecipient reports whether a RCPT TO address is acceptable for the
// given sender. A panic during evaluation is treated as reject.
func (f *MailboxFilter) CanAcceptRecipient(address, sender string) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recipient evaluation panicked, rejecting", "address", address, "panic", r)
			accepted = false
		}
	}()

	reason := f.recipientRejection(address, sender)
	if reason != "" {
		slog.Warn("recipient rejected", "address", address, "sender", sender, "reason", reason)
		return false
	}
	slog.Info("recipient accepted", "address", address, "sender", sender)
	return true
}

func (f *MailboxFilter) senderRejection(address string, declaredSize int64) string {
	if address == "" {
		return "empty address"
	}
	if !validAddressSyntax(address) {
		return "malformed address"
	}
	if declaredSize > f.maxMessageSize {
		return "declared size exceeds maximum"
	}
	domain := domainOf(address)
	for _, blocked := range f.blockedDomains {
		if strings.EqualFold(domain, blocked) {
			return "sender domain blocked"
		}
	}
	return ""
}

func (f *MailboxFilter) recipientRejection(address, sender string) string {
	if address == "" {
		return "empty address"
	}
	if !validAddressSyntax(address) {
		return "malformed address"
	}
	if strings.EqualFold(address, sender) {
		return "recipient equals sender"
	}
	domain := domainOf(address)
	for _, allowed := range f.allowedDomains {
		if domainMatches(domain, allowed) {
			return ""
		}
	}
	return "recipient domain not allowed"
}

// domainMatches reports whether domain equals allowed or is a subdomain of it.
// "sub.example.com" matches "example.com"; "notexample.com" does not.
func domainMatches(domain, allowed string) bool {
	domain = strings.ToLower(domain)
	if domain == allowed {
		return true
	}
	return strings.HasSuffix(domain, "."+allowed)
}

// validAddressSyntax is a minimal sanity check, not a full RFC 5322
// validation: exactly one "@", a dot in the domain part, and no whitespace,
// control, or bracket characters.
func validAddressSyntax(address string) bool {
	if strings.Count(address, "@") != 1 {
		return false
	}
	at := strings.LastIndex(address, "@")
	local, domain := address[:at], address[at+1:]
	if local == "" || domain == "" {
		return false
	}
	if !strings.Contains(domain, ".") {
		return false
	}
	for _, r := range address {
		if r <= ' ' || r == 0x7f || r == '<' || r == '>' || r == '[' || r == ']' {
			return false
		}
	}
	return true
}

// domainOf returns the part after the last "@". Callers have already
// validated that one exists.
func domainOf(address string) string {
	return address[strings.LastIndex(address, "@")+1:]
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
