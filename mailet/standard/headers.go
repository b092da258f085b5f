package standard

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/mailet"
)

// rewriteHeader streams env's message through edit and stores the result
// as its new body. The message body after the header is copied untouched.
func rewriteHeader(ctx context.Context, mctx mailet.Context, env *envelope.Envelope, edit func(h *textproto.Header)) error {
	body, err := mctx.OpenBody(ctx, env)
	if err != nil {
		return err
	}
	defer body.Close()

	br := bufio.NewReader(body)
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return fmt.Errorf("failed to parse message header: %w", err)
	}
	edit(&h)

	pr, pw := io.Pipe()
	go func() {
		if err := textproto.WriteHeader(pw, h); err != nil {
			pw.CloseWithError(err)
			return
		}
		_, err := io.Copy(pw, br)
		pw.CloseWithError(err)
	}()
	err = mctx.ReplaceBody(ctx, env, pr)
	pr.CloseWithError(err)
	return err
}

func newAddHeader(cfg mailet.Config) (mailet.Mailet, error) {
	if err := requireContext(cfg); err != nil {
		return nil, err
	}
	name, err := cfg.Params.Required("name")
	if err != nil {
		return nil, err
	}
	if strings.ContainsAny(name, ": \t\r\n") {
		return nil, fmt.Errorf("invalid header name %q", name)
	}
	value := cfg.Params.String("value", "")
	if strings.ContainsAny(value, "\r\n") {
		return nil, fmt.Errorf("header value must be a single line")
	}
	mctx := cfg.Context
	return mailet.MailetFunc(func(ctx context.Context, env *envelope.Envelope) error {
		return rewriteHeader(ctx, mctx, env, func(h *textproto.Header) {
			h.Add(name, value)
		})
	}), nil
}

func newRemoveHeader(cfg mailet.Config) (mailet.Mailet, error) {
	if err := requireContext(cfg); err != nil {
		return nil, err
	}
	var names []string
	for _, n := range strings.Split(cfg.Params.String("name", ""), ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("missing required parameter %q", "name")
	}
	mctx := cfg.Context
	return mailet.MailetFunc(func(ctx context.Context, env *envelope.Envelope) error {
		h, err := readHeader(ctx, mctx, env)
		if err != nil {
			return err
		}
		present := false
		for _, n := range names {
			if h.Has(n) {
				present = true
				break
			}
		}
		if !present {
			return nil
		}
		return rewriteHeader(ctx, mctx, env, func(h *textproto.Header) {
			for _, n := range names {
				h.Del(n)
			}
		})
	}), nil
}
