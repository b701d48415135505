package parser

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DecodePart undoes the transfer encoding of a single fetched body part.
// Text parts are also converted to UTF-8; an unknown charset degrades to
// the raw bytes with invalid sequences replaced.
func DecodePart(content []byte, contentType, encoding, charset string) ([]byte, error) {
	var h textproto.Header
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	isText := strings.HasPrefix(strings.ToLower(contentType), "text/")
	if isText && charset != "" {
		h.Set("Content-Type", fmt.Sprintf("%s; charset=%q", contentType, charset))
	} else {
		h.Set("Content-Type", contentType)
	}
	if encoding != "" {
		h.Set("Content-Transfer-Encoding", encoding)
	}

	entity, err := message.New(message.Header{Header: h}, bytes.NewReader(content))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("failed to decode part: %w", err)
	}

	decoded, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read part: %w", err)
	}

	if isText {
		return []byte(validUTF8(string(decoded))), nil
	}
	return decoded, nil
}

// validUTF8 replaces invalid byte sequences with U+FFFD.
func validUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	out, _, err := transform.String(unicode.UTF8.NewDecoder(), s)
	if err != nil {
		return strings.ToValidUTF8(s, "�")
	}
	return out
}
