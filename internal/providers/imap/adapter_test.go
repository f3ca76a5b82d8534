package imap

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	names := []string{"Archive", "INBOX"}

	mailbox, uid, err := parseCursor("", names)
	require.NoError(t, err)
	assert.Equal(t, "Archive", mailbox)
	assert.Equal(t, uint32(0), uid)

	encoded := encodeCursor("INBOX", 4120)
	mailbox, uid, err = parseCursor(encoded, names)
	require.NoError(t, err)
	assert.Equal(t, "INBOX", mailbox)
	assert.Equal(t, uint32(4120), uid)
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	names := []string{"INBOX"}

	_, _, err := parseCursor("no-separator", names)
	assert.Error(t, err)

	_, _, err = parseCursor("INBOX|notanumber", names)
	assert.Error(t, err)
}

func TestCursorSurvivesMailboxNamesWithPipes(t *testing.T) {
	// Cut splits on the last segment only via first separator; mailbox
	// names containing the separator are not supported and must fail
	// loudly rather than silently resync.
	_, _, err := parseCursor("Weird|Name|7", nil)
	assert.Error(t, err)
}

func TestSnippetTruncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	assert.Len(t, snippet(long), snippetLimit)
	assert.Equal(t, "short", snippet("  short  "))
}

func TestSnippetKeepsRunesIntact(t *testing.T) {
	// Three-byte runes never divide the limit evenly, so a byte cut
	// would land mid-rune.
	long := strings.Repeat("日", 200)
	got := snippet(long)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), snippetLimit)
	assert.Equal(t, strings.Repeat("日", snippetLimit/3), got)
}

func TestParseBodyPlainText(t *testing.T) {
	raw := []byte("From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: hi\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"hello from the body\r\n")

	text, attachments := parseBody(raw)
	assert.Equal(t, "hello from the body", text)
	assert.Empty(t, attachments)
}
