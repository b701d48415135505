package parser

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var internalDate = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestParse(t *testing.T) {
	t.Run("extracts headers and plain body", func(t *testing.T) {
		raw := crlf(
			"Message-ID: <b@example.com>",
			"In-Reply-To: <a@example.com>",
			"References: <root@example.com> <a@example.com>",
			"From: Alice <alice@example.com>",
			"To: bob@example.com, Carol <carol@example.com>",
			"Cc: dave@example.com",
			"Subject: Re: Quarterly numbers",
			"Date: Mon, 03 Feb 2025 10:00:00 +0000",
			"Content-Type: text/plain; charset=utf-8",
			"",
			"Looks good to me.",
		)

		msg, err := Parse(raw, internalDate)
		require.NoError(t, err)

		assert.Equal(t, "b@example.com", msg.MessageID)
		assert.Equal(t, "a@example.com", msg.InReplyTo)
		assert.Equal(t, []string{"root@example.com", "a@example.com"}, msg.References)
		assert.Equal(t, "Re: Quarterly numbers", msg.Subject)
		assert.Equal(t, "Alice <alice@example.com>", msg.FromString())
		assert.Equal(t, []string{"bob@example.com", "Carol <carol@example.com>"}, msg.ToStrings())
		assert.Equal(t, []string{"dave@example.com"}, msg.CcStrings())
		assert.Equal(t, []string{"alice@example.com", "bob@example.com", "carol@example.com", "dave@example.com"}, msg.Participants())
		assert.True(t, msg.Date.Equal(time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)))
		assert.Contains(t, msg.BodyPlain, "Looks good to me.")
		assert.Equal(t, "mid:b@example.com", msg.DedupKey())
		assert.Empty(t, msg.Attachments)
	})

	t.Run("missing headers default to empty", func(t *testing.T) {
		raw := crlf("Content-Type: text/plain", "", "no headers to speak of")

		msg, err := Parse(raw, internalDate)
		require.NoError(t, err)

		assert.Empty(t, msg.MessageID)
		assert.Empty(t, msg.InReplyTo)
		assert.Empty(t, msg.References)
		assert.Empty(t, msg.Subject)
		assert.Empty(t, msg.FromString())
		assert.True(t, strings.HasPrefix(msg.DedupKey(), "hash:"))
	})

	t.Run("unparsable date falls back to internal date", func(t *testing.T) {
		raw := crlf("Message-ID: <d@example.com>", "Date: sometime last week", "", "body")

		msg, err := Parse(raw, internalDate)
		require.NoError(t, err)
		assert.True(t, msg.Date.Equal(internalDate))
	})

	t.Run("decodes multipart with attachment", func(t *testing.T) {
		pdf := []byte("%PDF-1.4 fake")
		raw := crlf(
			"Message-ID: <att@example.com>",
			"From: alice@example.com",
			"Subject: Contract",
			"MIME-Version: 1.0",
			`Content-Type: multipart/mixed; boundary="XYZ"`,
			"",
			"--XYZ",
			"Content-Type: text/plain; charset=utf-8",
			"",
			"See attached.",
			"--XYZ",
			"Content-Type: text/html; charset=utf-8",
			"",
			"<p>See attached.</p>",
			"--XYZ",
			`Content-Type: application/pdf; name="contract.pdf"`,
			`Content-Disposition: attachment; filename="contract.pdf"`,
			"Content-Transfer-Encoding: base64",
			"",
			base64.StdEncoding.EncodeToString(pdf),
			"--XYZ--",
			"",
		)

		msg, err := Parse(raw, internalDate)
		require.NoError(t, err)

		assert.Contains(t, msg.BodyPlain, "See attached.")
		require.Len(t, msg.Attachments, 1)
		att := msg.Attachments[0]
		assert.Equal(t, "contract.pdf", att.Filename)
		assert.Equal(t, "application/pdf", att.ContentType)
		assert.Equal(t, pdf, att.Content)
		assert.Equal(t, int64(len(pdf)), att.Size)
		assert.False(t, att.Deferred)
		assert.Equal(t, "3", att.Locator)
		assert.Equal(t, "base64", att.Encoding)
	})

	t.Run("nested attachment gets a dotted section", func(t *testing.T) {
		raw := crlf(
			"Message-ID: <nested@example.com>",
			"MIME-Version: 1.0",
			`Content-Type: multipart/mixed; boundary="OUT"`,
			"",
			"--OUT",
			`Content-Type: multipart/related; boundary="IN"`,
			"",
			"--IN",
			"Content-Type: text/html; charset=utf-8",
			"",
			`<img src="cid:logo@example.com">`,
			"--IN",
			"Content-Type: image/png",
			"Content-ID: <logo@example.com>",
			"Content-Disposition: inline",
			"Content-Transfer-Encoding: BASE64",
			"",
			base64.StdEncoding.EncodeToString([]byte("png")),
			"--IN--",
			"--OUT",
			`Content-Type: text/csv; name="data.csv"`,
			`Content-Disposition: attachment; filename="data.csv"`,
			"",
			"a,b",
			"--OUT--",
			"",
		)

		msg, err := Parse(raw, internalDate)
		require.NoError(t, err)

		sections := map[string]Attachment{}
		for _, att := range msg.Attachments {
			sections[att.Locator] = att
		}
		require.Contains(t, sections, "1.2")
		assert.Equal(t, "logo@example.com", sections["1.2"].ContentID)
		assert.Equal(t, "base64", sections["1.2"].Encoding)
		require.Contains(t, sections, "2")
		assert.Equal(t, "data.csv", sections["2"].Filename)
		assert.Empty(t, sections["2"].Encoding)
	})

	t.Run("multipart without boundary is a parse error that keeps headers", func(t *testing.T) {
		raw := crlf(
			"Message-ID: <broken@example.com>",
			"References: <root@example.com>",
			"Content-Type: multipart/mixed",
			"",
			"garbage",
		)

		_, err := Parse(raw, internalDate)
		require.Error(t, err)

		pe, ok := AsParseError(err)
		require.True(t, ok)
		require.NotNil(t, pe.Headers)
		assert.Equal(t, "broken@example.com", pe.Headers.MessageID)
		assert.Equal(t, []string{"root@example.com"}, pe.Headers.References)
	})

	t.Run("malformed header block is a parse error without headers", func(t *testing.T) {
		raw := crlf("Subject: fine", "this line has no colon", "", "body")

		_, err := Parse(raw, internalDate)
		require.Error(t, err)

		pe, ok := AsParseError(err)
		require.True(t, ok)
		assert.Nil(t, pe.Headers)
	})

	t.Run("identical messages without Message-ID share a dedup key", func(t *testing.T) {
		raw := crlf("Subject: ping", "", "same body")

		first, err := Parse(raw, internalDate)
		require.NoError(t, err)
		second, err := Parse(raw, internalDate.Add(time.Hour))
		require.NoError(t, err)

		assert.Equal(t, first.DedupKey(), second.DedupKey())
	})
}

func TestParsePartial(t *testing.T) {
	p := &PartialMessage{
		Header: crlf(
			"Message-ID: <big@example.com>",
			"From: alice@example.com",
			"Subject: Big file",
			"",
			"",
		),
		Size: 20 << 20,
		Texts: []TextPart{
			{Locator: "1", ContentType: "text/plain", Charset: "utf-8", Encoding: "quoted-printable", Content: []byte("caf=C3=A9")},
		},
		Deferred: []PartRef{
			{Locator: "2", Filename: "video.mp4", ContentType: "video/mp4", Encoding: "base64", Size: 20 << 20},
		},
	}

	msg, err := ParsePartial(p, internalDate)
	require.NoError(t, err)

	assert.Equal(t, "big@example.com", msg.MessageID)
	assert.Equal(t, "café", msg.BodyPlain)
	require.Len(t, msg.Attachments, 1)
	assert.True(t, msg.Attachments[0].Deferred)
	assert.Nil(t, msg.Attachments[0].Content)
	assert.Equal(t, "2", msg.Attachments[0].Locator)
	assert.Equal(t, "base64", msg.Attachments[0].Encoding)
}

func TestDecodePart(t *testing.T) {
	t.Run("decodes base64 binary", func(t *testing.T) {
		data := []byte{0x00, 0xff, 0x10}
		out, err := DecodePart([]byte(base64.StdEncoding.EncodeToString(data)), "image/png", "base64", "")
		require.NoError(t, err)
		assert.Equal(t, data, out)
	})

	t.Run("converts latin-1 text", func(t *testing.T) {
		out, err := DecodePart([]byte{'c', 'a', 'f', 0xe9}, "text/plain", "", "iso-8859-1")
		require.NoError(t, err)
		assert.Equal(t, "café", string(out))
	})

	t.Run("unknown charset degrades to replacement characters", func(t *testing.T) {
		out, err := DecodePart([]byte{'o', 'k', 0xff}, "text/plain", "", "x-made-up")
		require.NoError(t, err)
		assert.Equal(t, "ok�", string(out))
	})
}

func TestFormatAddress(t *testing.T) {
	t.Run("formats address with personal name", func(t *testing.T) {
		result := formatAddress(&mail.Address{Name: "John Doe", Address: "john@example.com"})
		expected := "John Doe <john@example.com>"
		if result != expected {
			t.Errorf("Expected %s, got %s", expected, result)
		}
	})

	t.Run("formats address without personal name", func(t *testing.T) {
		result := formatAddress(&mail.Address{Address: "jane@example.com"})
		if result != "jane@example.com" {
			t.Errorf("Expected jane@example.com, got %s", result)
		}
	})

	t.Run("returns empty string for nil address", func(t *testing.T) {
		if result := formatAddress(nil); result != "" {
			t.Errorf("Expected empty string, got %s", result)
		}
	})
}

func TestContentHash(t *testing.T) {
	t.Run("truncates long bodies", func(t *testing.T) {
		long := strings.Repeat("a", dedupBodyLimit)
		if ContentHash(10, long) != ContentHash(10, long+"tail") {
			t.Error("Expected bodies differing only past the limit to hash equally")
		}
	})

	t.Run("size is part of the identity", func(t *testing.T) {
		if ContentHash(10, "body") == ContentHash(11, "body") {
			t.Error("Expected different sizes to hash differently")
		}
	})
}
