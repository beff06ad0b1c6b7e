package normalize

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestParsePlainMessage(t *testing.T) {
	raw := []byte("Message-Id: <plain@test>\r\n" +
		"Subject: =?UTF-8?B?SMOkbGxv?=\r\n" +
		"From: Alice <alice@test.com>\r\n" +
		"To: bob@test.com, Carol <carol@test.com>\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"hello body\r\n")

	msg, err := New().Parse(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if msg.MessageID != "<plain@test>" {
		t.Fatalf("unexpected message id %q", msg.MessageID)
	}
	if msg.Subject != "Hällo" {
		t.Fatalf("encoded subject not decoded, got %q", msg.Subject)
	}
	if msg.From != "Alice <alice@test.com>" {
		t.Fatalf("unexpected from %q", msg.From)
	}
	if len(msg.To) != 2 || msg.To[1] != "Carol <carol@test.com>" {
		t.Fatalf("unexpected to list %v", msg.To)
	}
	if msg.Date.IsZero() {
		t.Fatal("date not parsed")
	}
	if !strings.Contains(msg.Body, "hello body") {
		t.Fatalf("body not extracted: %q", msg.Body)
	}
	if msg.HasAttachments {
		t.Fatal("plain message has no attachments")
	}
}

func TestParseMultipartWithAttachment(t *testing.T) {
	boundary := "testboundary42"
	raw := []byte(fmt.Sprintf("Message-Id: <multi@test>\r\n"+
		"Subject: report\r\n"+
		"From: alice@test.com\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: multipart/mixed; boundary=%s\r\n"+
		"\r\n"+
		"--%s\r\n"+
		"Content-Type: text/plain\r\n"+
		"\r\n"+
		"see attachment\r\n"+
		"--%s\r\n"+
		"Content-Type: application/pdf; name=report.pdf\r\n"+
		"Content-Disposition: attachment; filename=report.pdf\r\n"+
		"\r\n"+
		"%%PDF-1.4 fake\r\n"+
		"--%s--\r\n", boundary, boundary, boundary, boundary))

	msg, err := New().Parse(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if !strings.Contains(msg.Body, "see attachment") {
		t.Fatalf("text part not extracted: %q", msg.Body)
	}
	if !msg.HasAttachments || len(msg.Attachments) != 1 {
		t.Fatalf("expected one attachment, got %d", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.Filename != "report.pdf" || att.ContentType != "application/pdf" {
		t.Fatalf("unexpected attachment: %+v", att)
	}
	if len(att.Content) == 0 {
		t.Fatal("attachment content empty")
	}
}

func TestAttachmentWithoutFilenameGetsSynthesizedName(t *testing.T) {
	boundary := "nameless7"
	raw := []byte(fmt.Sprintf("Message-Id: <nameless@test>\r\n"+
		"Subject: blob\r\n"+
		"From: alice@test.com\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: multipart/mixed; boundary=%s\r\n"+
		"\r\n"+
		"--%s\r\n"+
		"Content-Type: text/plain\r\n"+
		"\r\n"+
		"blob attached\r\n"+
		"--%s\r\n"+
		"Content-Type: application/x-zzz-unknown\r\n"+
		"\r\n"+
		"opaque bytes\r\n"+
		"--%s--\r\n", boundary, boundary, boundary, boundary))

	msg, err := New().Parse(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("expected one attachment, got %d", len(msg.Attachments))
	}
	if msg.Attachments[0].Filename != "attachment.bin" {
		t.Fatalf("unknown media type must fall back to .bin, got %q", msg.Attachments[0].Filename)
	}
}

func TestOversizedBodyTruncatedWithOriginalPreserved(t *testing.T) {
	n := &Normalizer{MaxTextLen: 64, MaxHTMLLen: 64}

	body := strings.Repeat("x", 200)
	raw := []byte("Subject: big\r\nFrom: a@test.com\r\nContent-Type: text/plain\r\n\r\n" + body)

	msg, err := n.Parse(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if !msg.BodyTruncated {
		t.Fatal("oversized body must be flagged truncated")
	}
	if len(msg.Body) > 64 {
		t.Fatalf("body exceeds bound: %d bytes", len(msg.Body))
	}

	var original *Attachment
	for i := range msg.Attachments {
		if msg.Attachments[i].Filename == "original-content.txt" {
			original = &msg.Attachments[i]
		}
	}
	if original == nil {
		t.Fatal("truncation must preserve the full content as an attachment")
	}
	if !strings.Contains(string(original.Content), body) {
		t.Fatal("preserved content does not match the original body")
	}
	if !msg.HasAttachments {
		t.Fatal("synthesized attachment must set the attachment flag")
	}
}

func TestGarbageInputIsRejected(t *testing.T) {
	if _, err := New().Parse([]byte("this is not an email at all")); err == nil {
		t.Fatal("unparseable input must return an error")
	}
}

func TestCleanTextStripsNUL(t *testing.T) {
	raw := []byte("Subject: nul\r\nFrom: a@test.com\r\nContent-Type: text/plain\r\n\r\nbefore\x00after")
	msg, err := New().Parse(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if strings.ContainsRune(msg.Body, 0) {
		t.Fatal("NUL bytes must be stripped from stored text")
	}
}

// Truncation must honor the byte bound without ever splitting a rune.
func TestProperty_TruncateUTF8(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("bounded_and_valid_utf8", prop.ForAll(
		func(s string, max uint8) bool {
			out := truncateUTF8(s, int(max))
			if len(out) > int(max) && len(s) > int(max) {
				return false
			}
			if len(s) <= int(max) && out != s {
				return false
			}
			return utf8.ValidString(out) || !utf8.ValidString(s)
		},
		gen.AnyString(),
		gen.UInt8(),
	))

	properties.Property("truncated_is_prefix", prop.ForAll(
		func(s string, max uint8) bool {
			return strings.HasPrefix(s, truncateUTF8(s, int(max)))
		},
		gen.AnyString(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
