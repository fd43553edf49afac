// Package email defines the normalized email model produced by the SMTP
// receive pipeline and consumed by the forwarding path.
package email

import "time"

// Email is a parsed, MIME-decoded email message. It is constructed once per
// accepted SMTP transaction and not mutated afterwards; queue bookkeeping
// lives on the queue item wrapping it, not here.
type Email struct {
	From        string
	To          []string
	Subject     string
	TextBody    string
	HTMLBody    string
	Headers     map[string]string
	Attachments []Attachment
	MessageID   string
	Date        time.Time
	RawSource   string
}

// Attachment represents a file attached to an email message. Content holds
// the raw bytes base64-encoded, ready for a JSON payload.
type Attachment struct {
	Filename    string
	ContentType string
	Content     string
}
