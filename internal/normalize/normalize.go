// Package normalize turns raw RFC 822 content into the shape the archive
// stores: cleaned, bounded text/HTML bodies and an attachment list.
package normalize

import (
	"bytes"
	"io"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
)

const (
	// DefaultMaxTextLen bounds plain-text bodies at 1 MiB
	DefaultMaxTextLen = 1 << 20
	// DefaultMaxHTMLLen bounds HTML bodies at 4 MiB
	DefaultMaxHTMLLen = 4 << 20
)

// Attachment is an extracted attachment, inline parts included
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string // set for inline parts referenced from HTML
	Content     []byte
}

// Message is the normalized form of a parsed mail message
type Message struct {
	MessageID string
	Subject   string
	From      string
	To        []string
	Cc        []string
	Bcc       []string
	Date      time.Time

	Body          string
	HTMLBody      string
	BodyTruncated bool
	HTMLTruncated bool

	Attachments    []Attachment
	HasAttachments bool
}

// Normalizer cleans and bounds message content before storage
type Normalizer struct {
	MaxTextLen int
	MaxHTMLLen int
}

// New creates a Normalizer with the default size bounds
func New() *Normalizer {
	return &Normalizer{
		MaxTextLen: DefaultMaxTextLen,
		MaxHTMLLen: DefaultMaxHTMLLen,
	}
}

// Parse parses raw RFC 822 content into a normalized message. Oversized
// bodies are truncated rather than failing the message; the untruncated
// original is preserved as a synthesized attachment.
func (n *Normalizer) Parse(raw []byte) (*Message, error) {
	msg := &Message{}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && entity == nil {
		// Fall back to a bare header/body split for messages go-message rejects
		m, err := mail.ReadMessage(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		n.readHeaderFields(mailHeader{m.Header}, msg)
		body, _ := io.ReadAll(m.Body)
		msg.Body = cleanText(string(body))
	} else {
		n.readHeaderFields(entityHeader{entity}, msg)
		n.walkEntity(entity, msg)
	}

	n.applyBounds(msg)
	msg.HasAttachments = len(msg.Attachments) > 0
	return msg, nil
}

// headerGetter abstracts the two header types the parser can produce
type headerGetter interface {
	get(key string) string
}

type entityHeader struct{ e *message.Entity }

func (h entityHeader) get(key string) string { return h.e.Header.Get(key) }

type mailHeader struct{ h mail.Header }

func (h mailHeader) get(key string) string { return h.h.Get(key) }

// readHeaderFields extracts the envelope fields from the message headers
func (n *Normalizer) readHeaderFields(h headerGetter, msg *Message) {
	msg.MessageID = strings.TrimSpace(h.get("Message-Id"))
	if msg.MessageID == "" {
		msg.MessageID = strings.TrimSpace(h.get("Message-ID"))
	}

	msg.Subject = decodeWord(h.get("Subject"))

	if from := h.get("From"); from != "" {
		if addrs, err := mail.ParseAddressList(from); err == nil && len(addrs) > 0 {
			msg.From = formatAddress(addrs[0])
		} else {
			msg.From = from
		}
	}
	msg.To = parseAddressList(h.get("To"))
	msg.Cc = parseAddressList(h.get("Cc"))
	msg.Bcc = parseAddressList(h.get("Bcc"))

	if date := h.get("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			msg.Date = t
		}
	}
}

// walkEntity recursively walks a message entity, collecting bodies and
// attachments
func (n *Normalizer) walkEntity(entity *message.Entity, msg *Message) {
	mediaType, params, _ := entity.Header.ContentType()

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := entity.MultipartReader()
		if mr == nil {
			return
		}
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			n.walkEntity(part, msg)
		}
		return
	}

	disposition := entity.Header.Get("Content-Disposition")
	isAttachment := false
	var filename string

	if disposition != "" {
		dispType, dispParams, err := mime.ParseMediaType(disposition)
		if err == nil {
			// attachment, or inline with a filename, counts as an attachment
			if dispType == "attachment" || (dispType == "inline" && dispParams["filename"] != "") {
				isAttachment = true
				filename = dispParams["filename"]
			}
		}
	}

	if !isAttachment {
		if mediaType == "text/plain" && msg.Body == "" {
			body, _ := io.ReadAll(entity.Body)
			msg.Body = cleanText(string(body))
			return
		}
		if mediaType == "text/html" && msg.HTMLBody == "" {
			body, _ := io.ReadAll(entity.Body)
			msg.HTMLBody = cleanText(string(body))
			return
		}
	}

	// Content-Type name parameter also marks an attachment
	if params["name"] != "" {
		isAttachment = true
		if filename == "" {
			filename = params["name"]
		}
	}

	// Non-text content with no disposition is still treated as an attachment
	if !isAttachment && !strings.HasPrefix(mediaType, "text/") && mediaType != "" {
		isAttachment = true
	}

	if !isAttachment {
		return
	}

	content, _ := io.ReadAll(entity.Body)
	if len(content) == 0 {
		return
	}

	if filename != "" {
		filename = decodeWord(filename)
	} else {
		filename = "attachment" + extensionFor(mediaType)
	}

	contentID := strings.Trim(entity.Header.Get("Content-Id"), "<> ")

	msg.Attachments = append(msg.Attachments, Attachment{
		Filename:    filename,
		ContentType: mediaType,
		ContentID:   contentID,
		Content:     content,
	})
}

// applyBounds truncates oversized bodies, keeping the original content as a
// synthesized attachment so nothing is lost.
func (n *Normalizer) applyBounds(msg *Message) {
	maxText := n.MaxTextLen
	if maxText <= 0 {
		maxText = DefaultMaxTextLen
	}
	maxHTML := n.MaxHTMLLen
	if maxHTML <= 0 {
		maxHTML = DefaultMaxHTMLLen
	}

	if len(msg.Body) > maxText {
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    "original-content.txt",
			ContentType: "text/plain",
			Content:     []byte(msg.Body),
		})
		msg.Body = truncateUTF8(msg.Body, maxText)
		msg.BodyTruncated = true
	}

	if len(msg.HTMLBody) > maxHTML {
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    "original-content.html",
			ContentType: "text/html",
			Content:     []byte(msg.HTMLBody),
		})
		msg.HTMLBody = truncateUTF8(msg.HTMLBody, maxHTML)
		msg.HTMLTruncated = true
	}
}

// cleanText strips bytes that the text columns cannot hold
func cleanText(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

// extensionFor picks a filename extension for a part that declared none
func extensionFor(mediaType string) string {
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}

// decodeWord decodes MIME encoded-words (e.g. =?utf-8?B?...?=)
func decodeWord(s string) string {
	dec := new(mime.WordDecoder)
	if decoded, err := dec.DecodeHeader(s); err == nil {
		return decoded
	}
	return s
}

// parseAddressList parses a header address list, falling back to the raw
// value when it does not parse
func parseAddressList(value string) []string {
	if value == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		return []string{value}
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, formatAddress(a))
	}
	return out
}

// formatAddress formats a parsed address as "Name <addr>" or "addr"
func formatAddress(a *mail.Address) string {
	if a.Name != "" {
		return a.Name + " <" + a.Address + ">"
	}
	return a.Address
}
