// Package message decodes the mail payload carried inside a B2 frame:
// CRLF-terminated ASCII headers, a counted body and counted binary
// attachments, each terminated by one CRLF.
package message

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// dateLayout is the Date header format. Values are UTC.
const dateLayout = "2006/01/02 15:04"

// Header is one parsed header line, order preserved.
type Header struct {
	Name  string
	Value string
}

// Attachment is one named binary part. Truncated is set when the payload
// ran out before the declared size was reached.
type Attachment struct {
	Name      string
	Declared  int
	Data      []byte
	Truncated bool
}

// Message is one decoded mail message.
type Message struct {
	MID           string
	Date          time.Time
	From          string
	To            []string
	Subject       string
	Body          []byte
	DeclaredBody  int
	BodyTruncated bool
	Attachments   []Attachment
	Position      Position
	Headers       []Header
	RawHeader     []byte
}

// Extract decodes a decompressed payload. It never fails: missing or
// malformed headers fall back to defaults so the message is still
// persistable, and short payloads set the truncation flags instead of
// erroring.
func Extract(payload []byte, proposalMID string) *Message {
	m := &Message{
		MID:  proposalMID,
		Date: time.Unix(0, 0).UTC(),
	}
	head, rest, found := bytes.Cut(payload, []byte("\r\n\r\n"))
	if !found {
		rest = nil
	}
	m.RawHeader = append([]byte(nil), head...)

	for _, line := range strings.Split(string(head), "\r\n") {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		m.Headers = append(m.Headers, Header{Name: name, Value: value})
		switch name {
		case "Mid":
			if value != "" {
				m.MID = value
			}
		case "Date":
			if t, err := time.ParseInLocation(dateLayout, value, time.UTC); err == nil {
				m.Date = t
			}
		case "From":
			m.From = value
		case "To":
			m.To = append(m.To, value)
		case "Subject":
			m.Subject = value
		case "Body":
			if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n >= 0 {
				m.DeclaredBody = n
			}
		case "File":
			sizeText, fileName, hasName := strings.Cut(value, " ")
			size, err := strconv.Atoi(sizeText)
			if !hasName || err != nil || size < 0 || fileName == "" {
				continue
			}
			m.Attachments = append(m.Attachments, Attachment{Name: fileName, Declared: size})
		case "X-Location":
			if p, err := ParsePosition(value); err == nil {
				m.Position = p
			}
		}
	}

	if m.DeclaredBody > 0 {
		take := m.DeclaredBody
		if take > len(rest) {
			take = len(rest)
			m.BodyTruncated = true
		}
		m.Body = append([]byte(nil), rest[:take]...)
		rest = skipCRLF(rest[take:])
	}
	for i := range m.Attachments {
		a := &m.Attachments[i]
		take := a.Declared
		if take > len(rest) {
			take = len(rest)
			a.Truncated = true
		}
		a.Data = append([]byte(nil), rest[:take]...)
		rest = skipCRLF(rest[take:])
	}
	return m
}

// skipCRLF drops the two-byte terminator after a counted section. Senders
// pad with exactly two bytes, so the content is not inspected.
func skipCRLF(b []byte) []byte {
	if len(b) < 2 {
		return nil
	}
	return b[2:]
}

type metadata struct {
	MessageID string `json:"message_id"`
	Date      string `json:"date"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Position  struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"position"`
	Grid string `json:"grid,omitempty"`
}

// MetadataJSON renders the sidecar document persisted next to the message
// artifacts for downstream tooling.
func (m *Message) MetadataJSON() ([]byte, error) {
	doc := metadata{
		MessageID: m.MID,
		Date:      m.Date.UTC().Format(time.RFC3339),
		Sender:    m.From,
		Recipient: strings.Join(m.To, ", "),
		Subject:   m.Subject,
	}
	doc.Position.Latitude = m.Position.Lat
	doc.Position.Longitude = m.Position.Lon
	doc.Grid = m.Position.Grid()
	return json.MarshalIndent(doc, "", "  ")
}
