package helpers

import (
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/k3a/html2text"
)

// ExtractPlaintextBody walks the MIME tree of a message and returns its first
// text/plain part. When the message only carries HTML, the first text/html
// part is converted to plain text. limit caps how many bytes of a part are
// read; zero means no limit.
func ExtractPlaintextBody(r io.Reader, limit int64) (string, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return "", fmt.Errorf("failed to parse message: %w", err)
	}

	var plain, html *string
	err = entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			// Skip parts with unsupported charsets or encodings
			return nil
		}
		mediaType, _, _ := part.Header.ContentType()
		if mediaType == "" {
			mediaType = "text/plain"
		}
		if mediaType != "text/plain" && mediaType != "text/html" {
			return nil
		}
		if (mediaType == "text/plain" && plain != nil) || (mediaType == "text/html" && html != nil) {
			return nil
		}

		body := io.Reader(part.Body)
		if limit > 0 {
			body = io.LimitReader(body, limit)
		}
		content, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("error reading part body: %w", err)
		}
		s := string(content)
		if mediaType == "text/plain" {
			plain = &s
		} else {
			html = &s
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	switch {
	case plain != nil:
		return *plain, nil
	case html != nil:
		return strings.TrimSpace(html2text.HTML2Text(*html)), nil
	default:
		return "", nil
	}
}
