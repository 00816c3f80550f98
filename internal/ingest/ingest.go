// Package ingest turns raw message text into the header block and body text
// consumed by the analyzer.
package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

var (
	ErrEmptyInput      = errors.New("empty input")
	ErrNotText         = errors.New("input is not text")
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("input exceeds size limit")
)

// fallbackCharset decodes input that is not valid UTF-8.
const fallbackCharset = "windows-1252"

var headerMarkers = []string{
	"from:",
	"received:",
	"return-path:",
	"delivered-to:",
	"message-id:",
	"date:",
	"dkim-signature:",
	"authentication-results:",
	"received-spf:",
	"subject:",
	"to:",
}

var allowedExtensions = map[string]bool{".eml": true, ".txt": true}

// Message is a raw message split into its header block and body.
type Message struct {
	Headers string
	Body    string
}

// Split normalizes raw and separates headers from body at the first blank
// line. Input without a blank line is treated as a header block when it
// opens with a well-known header, otherwise as body.
func Split(raw []byte) (Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Message{}, ErrEmptyInput
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		return Message{}, ErrNotText
	}

	text, err := decode(raw)
	if err != nil {
		return Message{}, err
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")

	if i := strings.Index(text, "\n\n"); i >= 0 {
		return Message{Headers: text[:i], Body: text[i+2:]}, nil
	}
	if looksLikeHeaders(text) {
		return Message{Headers: text}, nil
	}
	return Message{Body: text}, nil
}

func decode(raw []byte) (string, error) {
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	enc, err := ianaindex.IANA.Encoding(fallbackCharset)
	if err != nil || enc == nil {
		return "", fmt.Errorf("loading %s decoder: %w", fallbackCharset, err)
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotText, err)
	}
	return string(out), nil
}

func looksLikeHeaders(text string) bool {
	lower := strings.ToLower(strings.TrimLeft(text, " \t\n"))
	for _, m := range headerMarkers {
		if strings.HasPrefix(lower, m) {
			return true
		}
	}
	return false
}

// ReadFile reads at most limit bytes of an uploaded .eml or .txt file and
// splits it.
func ReadFile(name string, r io.Reader, limit int64) (Message, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedExtensions[ext] {
		return Message{}, fmt.Errorf("%w: %q", ErrUnsupportedFile, ext)
	}

	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return Message{}, fmt.Errorf("reading %s: %w", name, err)
	}
	if limit > 0 && int64(len(raw)) > limit {
		return Message{}, ErrTooLarge
	}
	return Split(raw)
}

// TextBody returns the first text part of a MIME message described by
// headers and body, decoded to UTF-8. The body is returned unchanged when it
// cannot be parsed as MIME or has no text part.
func TextBody(headers, body string) string {
	if headers == "" || body == "" {
		return body
	}

	mr, err := mail.CreateReader(strings.NewReader(headers + "\n\n" + body))
	if err != nil {
		return body
	}
	defer mr.Close()

	for {
		p, err := mr.NextPart()
		if err != nil {
			return body
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ctype, _, err := h.ContentType()
		if err != nil || !strings.HasPrefix(ctype, "text/") {
			continue
		}
		data, err := io.ReadAll(p.Body)
		if err != nil {
			return body
		}
		return string(data)
	}
}
