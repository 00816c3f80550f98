package ingest

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected Message
	}{
		{
			name:     "headers and body",
			raw:      "From: a@x.com\r\nSubject: hi\r\n\r\nhello\r\nworld",
			expected: Message{Headers: "From: a@x.com\nSubject: hi", Body: "hello\nworld"},
		},
		{
			name:     "headers only",
			raw:      "Received: from relay\nFrom: a@x.com\n",
			expected: Message{Headers: "Received: from relay\nFrom: a@x.com\n"},
		},
		{
			name:     "header marker is case insensitive",
			raw:      "  RETURN-PATH: <a@x.com>",
			expected: Message{Headers: "  RETURN-PATH: <a@x.com>"},
		},
		{
			name:     "plain text is body",
			raw:      "Dear customer, verify your account",
			expected: Message{Body: "Dear customer, verify your account"},
		},
		{
			name:     "only first blank line splits",
			raw:      "From: a@x.com\n\npara one\n\npara two",
			expected: Message{Headers: "From: a@x.com", Body: "para one\n\npara two"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Split([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSplitErrors(t *testing.T) {
	_, err := Split(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = Split([]byte(" \r\n\t"))
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = Split([]byte("PK\x03\x04\x00\x00binary"))
	assert.ErrorIs(t, err, ErrNotText)
}

func TestSplitTranscodesLegacyText(t *testing.T) {
	// 0xE9 is "é" in windows-1252 and invalid on its own in UTF-8.
	got, err := Split([]byte("Subject: caf\xe9\n\nbody"))
	require.NoError(t, err)
	assert.Equal(t, "Subject: café", got.Headers)
}

func TestReadFile(t *testing.T) {
	msg, err := ReadFile("sample.EML", strings.NewReader("From: a@x.com\n\nhi"), 1024)
	require.NoError(t, err)
	assert.Equal(t, "From: a@x.com", msg.Headers)

	_, err = ReadFile("report.pdf", strings.NewReader("%PDF"), 1024)
	assert.True(t, errors.Is(err, ErrUnsupportedFile))

	_, err = ReadFile("big.txt", strings.NewReader(strings.Repeat("a", 20)), 10)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = ReadFile("empty.txt", strings.NewReader(""), 10)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestTextBody(t *testing.T) {
	multipart := "MIME-Version: 1.0\n" +
		"Content-Type: multipart/alternative; boundary=XYZ"
	body := "--XYZ\n" +
		"Content-Type: text/plain; charset=utf-8\n" +
		"Content-Transfer-Encoding: base64\n\n" +
		"aGVsbG8gd29ybGQ=\n" +
		"--XYZ\n" +
		"Content-Type: text/html\n\n" +
		"<p>hello</p>\n" +
		"--XYZ--\n"

	assert.Equal(t, "hello world", TextBody(multipart, body))
	assert.Equal(t, "raw", TextBody("", "raw"))
	assert.Equal(t, "no type", TextBody("Subject: x", "no type"))
}
