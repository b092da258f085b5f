package standard

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/helpers"
	"github.com/migadu/spoold/mailet"
	"github.com/stretchr/testify/require"
)

type bounce struct {
	id         string
	recipients []string
	reason     string
}

// fakeContext keeps bodies in memory and records generated mail.
type fakeContext struct {
	mu      sync.Mutex
	domains map[string]bool
	bodies  map[string][]byte
	bounces []bounce
	sent    []*envelope.Envelope

	bounceErr error // returned by Bounce when set
}

func newFakeContext(domains ...string) *fakeContext {
	c := &fakeContext{domains: make(map[string]bool), bodies: make(map[string][]byte)}
	for _, d := range domains {
		c.domains[d] = true
	}
	return c
}

func (c *fakeContext) ServerName() string { return "mx.example.com" }

func (c *fakeContext) Postmaster() envelope.Address {
	return envelope.MustParseAddress("postmaster@example.com")
}

func (c *fakeContext) IsLocalDomain(domain string) bool { return c.domains[domain] }

func (c *fakeContext) Logger() *slog.Logger { return slog.Default() }

func (c *fakeContext) put(data []byte) envelope.BodyRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := helpers.HashContent(data)
	c.bodies[key] = data
	return envelope.BodyRef{Key: key, Size: int64(len(data))}
}

func (c *fakeContext) SendMail(_ context.Context, sender *envelope.Address, rcpts []envelope.Address, msg io.Reader, state string) error {
	data, err := io.ReadAll(msg)
	if err != nil {
		return err
	}
	body := c.put(data)
	c.mu.Lock()
	env := envelope.New(fmt.Sprintf("sent-%d", len(c.sent)), sender, rcpts, state, body)
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeContext) Bounce(_ context.Context, env *envelope.Envelope, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bounceErr != nil {
		return c.bounceErr
	}
	var rcpts []string
	for _, r := range env.Recipients {
		rcpts = append(rcpts, r.String())
	}
	c.bounces = append(c.bounces, bounce{id: env.ID, recipients: rcpts, reason: reason})
	return nil
}

func (c *fakeContext) OpenBody(_ context.Context, env *envelope.Envelope) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.bodies[env.Body.Key]
	if !ok {
		return nil, fmt.Errorf("body %q not found", env.Body.Key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *fakeContext) ReplaceBody(_ context.Context, env *envelope.Envelope, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	env.Body = c.put(data)
	return nil
}

func (c *fakeContext) body(t *testing.T, env *envelope.Envelope) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.bodies[env.Body.Key]
	require.True(t, ok, "body %q not stored", env.Body.Key)
	return string(data)
}

const testMessage = "From: alice@example.org\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Hello\r\n" +
	"X-Spam-Flag: YES\r\n" +
	"\r\n" +
	"Hi Bob,\r\nsee you tomorrow.\r\n"

// newTestEnvelope stores testMessage and returns an envelope for it.
func (c *fakeContext) newTestEnvelope(sender string, rcpts ...string) *envelope.Envelope {
	var from *envelope.Address
	if sender != "" {
		a := envelope.MustParseAddress(sender)
		from = &a
	}
	list := make([]envelope.Address, 0, len(rcpts))
	for _, r := range rcpts {
		list = append(list, envelope.MustParseAddress(r))
	}
	return envelope.New("env-1", from, list, "transport", c.put([]byte(testMessage)))
}

func (c *fakeContext) config(processor, name string, params map[string]string) mailet.Config {
	return mailet.Config{
		Processor: processor,
		Name:      name,
		Params:    params,
		Context:   c,
		Logger:    slog.Default(),
	}
}

func (c *fakeContext) matcherConfig(name, condition string) mailet.Config {
	cfg := c.config("transport", name, nil)
	cfg.Condition = condition
	return cfg
}

func addressStrings(list []envelope.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.String())
	}
	return out
}

func headerBlock(body string) string {
	head, _, _ := strings.Cut(body, "\r\n\r\n")
	return head
}
