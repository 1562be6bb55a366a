package transport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestParseMIMEBodyPlainText(t *testing.T) {
	raw := crlf(
		"From: alice@example.com",
		"To: me@example.com",
		"Subject: hi",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"hello world",
	)

	text, html, hasAtt := parseMIMEBody(raw)
	assert.Equal(t, "hello world", strings.TrimSpace(text))
	assert.Empty(t, html)
	assert.False(t, hasAtt)
}

func TestParseMIMEBodyMultipartWithAttachment(t *testing.T) {
	raw := crlf(
		"From: alice@example.com",
		"To: me@example.com",
		"Subject: report",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="frontier"`,
		"",
		"--frontier",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"see attached",
		"--frontier",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>see attached</p>",
		"--frontier",
		"Content-Type: application/pdf",
		`Content-Disposition: attachment; filename="report.pdf"`,
		"",
		"%PDF-1.4 fake",
		"--frontier--",
		"",
	)

	text, html, hasAtt := parseMIMEBody(raw)
	assert.Equal(t, "see attached", strings.TrimSpace(text))
	assert.Contains(t, html, "<p>see attached</p>")
	assert.True(t, hasAtt)
}

func TestParseMIMEBodyUnparsableFallsBack(t *testing.T) {
	raw := []byte("not a mime message at all")

	text, html, hasAtt := parseMIMEBody(raw)
	assert.Equal(t, "not a mime message at all", text)
	assert.Empty(t, html)
	assert.False(t, hasAtt)
}
