// Package chat holds the rules for relayed message text. The limits are tied
// to the inbound frame cap: a chat frame carrying the longest valid text
// always fits under MaxFrameBytes.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxFrameBytes is the default cap on inbound data frames.
	MaxFrameBytes = 8 << 10

	// EnvelopeBytes is reserved for the chat envelope: type, room id,
	// sender id and JSON punctuation around the text.
	EnvelopeBytes = 512

	// MaxTextBytes is the longest text, in encoded bytes, that fits in a
	// frame next to its envelope.
	MaxTextBytes = MaxFrameBytes - EnvelopeBytes

	// MaxTextChars caps the character count independently of encoding.
	MaxTextChars = 2000
)

var (
	ErrEmptyText   = errors.New("chat: text is empty")
	ErrTextTooLong = errors.New("chat: text is too long")
	ErrInvalidText = errors.New("chat: text is not valid")
)

// ValidateText checks relayed text. Text must be valid UTF-8, contain
// something other than whitespace and stay within both limits. Control
// characters other than newline and tab are refused, which also keeps the
// JSON encoding of the text no larger than its raw bytes plus the escapes for
// newline and tab.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTextTooLong, len(text), MaxTextBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: invalid UTF-8", ErrInvalidText)
	}
	if n := utf8.RuneCountInString(text); n > MaxTextChars {
		return fmt.Errorf("%w: %d characters, limit %d", ErrTextTooLong, n, MaxTextChars)
	}
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return fmt.Errorf("%w: control character %U", ErrInvalidText, r)
		}
	}
	return nil
}
