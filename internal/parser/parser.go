// Package parser provides RFC 5322 email message parsing with MIME multipart
// support, producing the normalized email model handed to the forwarding path.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/timothydodd/MailVoid-sub000/internal/email"
)

// fallbackFilename is used for attachments that carry no filename of their own.
const fallbackFilename = "attachment"

// Parse parses a raw RFC 5322 message (headers + body, still MIME-encoded)
// into a normalized Email. It handles plain text messages, multipart messages
// with text/plain and text/html alternatives, nested multiparts, and
// attachments. The raw input is retained verbatim on the result for
// diagnostics.
func Parse(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Email{
		Headers:   make(map[string]string),
		RawSource: string(raw),
	}

	// Fold all headers into a flat mapping; repeated fields are joined so no
	// value is silently dropped.
	for key, values := range msg.Header {
		result.Headers[key] = strings.Join(values, "; ")
	}

	result.From = decodeHeader(msg.Header.Get("From"))
	result.Subject = decodeHeader(msg.Header.Get("Subject"))
	result.MessageID = msg.Header.Get("Message-Id")
	result.To = parseAddressList(msg.Header.Get("To"))

	if date, err := msg.Header.Date(); err == nil {
		result.Date = date
	} else {
		result.Date = time.Now()
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// If content type is unparseable, treat as plain text
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := readBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.TextBody = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
	} else {
		body, err := readBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return nil, fmt.Errorf("failed to read message body: %w", err)
		}
		switch mediaType {
		case "text/plain":
			result.TextBody = string(body)
		case "text/html":
			result.HTMLBody = string(body)
		default:
			slog.Warn("unrecognized top-level content type",
				"content_type", mediaType,
			)
			result.TextBody = string(body)
		}
	}

	// A message with only an HTML part must still yield a usable text body.
	if result.TextBody == "" && result.HTMLBody != "" {
		result.TextBody = result.HTMLBody
	}

	return result, nil
}

// parseMultipart processes a multipart MIME message body, extracting
// text/plain and text/html parts and attachments.
func parseMultipart(body io.Reader, boundary string, result *email.Email) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		contentDisposition := part.Header.Get("Content-Disposition")
		isAttachment := strings.HasPrefix(contentDisposition, "attachment")

		// Check for nested multipart
		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nestedBoundary, result); err != nil {
				slog.Warn("failed to parse nested multipart",
					"error", err,
				)
			}
			continue
		}

		content, err := readPartContent(part)
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		if isAttachment {
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    extractFilename(part, params),
				ContentType: mediaType,
				Content:     base64.StdEncoding.EncodeToString(content),
			})
			continue
		}

		switch mediaType {
		case "text/plain":
			if result.TextBody == "" {
				result.TextBody = string(content)
			}
		case "text/html":
			if result.HTMLBody == "" {
				result.HTMLBody = string(content)
			}
		default:
			// Inline parts of other types with a filename are still
			// captured as attachments.
			if fn := part.FileName(); fn != "" || params["name"] != "" {
				result.Attachments = append(result.Attachments, email.Attachment{
					Filename:    extractFilename(part, params),
					ContentType: mediaType,
					Content:     base64.StdEncoding.EncodeToString(content),
				})
			} else {
				slog.Warn("unrecognized MIME part, skipping",
					"content_type", mediaType,
					"disposition", contentDisposition,
				)
			}
		}
	}

	return nil
}

// readPartContent reads the full content of a MIME part, handling
// Content-Transfer-Encoding (base64, quoted-printable).
func readPartContent(part *multipart.Part) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")))

	raw, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}

	switch encoding {
	case "base64":
		return decodeBase64(raw)
	default:
		// For "7bit", "8bit", "binary", "quoted-printable", or empty,
		// return raw content. Go's multipart reader handles QP internally.
		return raw, nil
	}
}

// readBody reads a non-multipart message body, honoring its transfer encoding.
func readBody(body io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		return decodeBase64(raw)
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(body))
	default:
		return io.ReadAll(body)
	}
}

// decodeBase64 decodes base64 content, tolerating embedded line breaks and
// missing padding.
func decodeBase64(raw []byte) ([]byte, error) {
	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// extractFilename extracts the filename from a MIME part, checking both
// Content-Disposition and Content-Type parameters.
func extractFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	if name, ok := params["name"]; ok && name != "" {
		return name
	}
	return fallbackFilename
}

// decodeHeader decodes RFC 2047 encoded-words (=?UTF-8?B?...?=) in a header
// value, returning the input unchanged when decoding fails.
func decodeHeader(s string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// parseAddressList splits a comma-separated address list into individual
// addresses, falling back to a plain comma split when RFC 5322 parsing fails.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
