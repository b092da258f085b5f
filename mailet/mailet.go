// Package mailet is the matcher/mailet execution engine.
//
// A processor is a named, ordered list of steps. Each step pairs a Matcher,
// which selects a subset of an envelope's recipients, with a Mailet, which
// acts on the envelope carrying those recipients and decides its next
// state. Matchers and mailets are created by name from factories kept in a
// Registry, so processor definitions can live in configuration.
package mailet

import (
	"context"
	"io"
	"log/slog"

	"github.com/migadu/spoold/envelope"
)

// Matcher selects recipients. It must not modify the envelope and must be
// safe for concurrent use. Returning no addresses means nothing matched.
type Matcher interface {
	Match(ctx context.Context, env *envelope.Envelope) ([]envelope.Address, error)
}

// Mailet processes an envelope. It may change recipients, attributes and
// the body, and signals disposition through env.State: leaving it
// unchanged continues with the next step, envelope.StateGhost stops
// processing, and any other value re-routes to that processor.
//
// A returned error moves the envelope to the error state. Mailets are
// shared between workers and must be safe for concurrent use.
type Mailet interface {
	Service(ctx context.Context, env *envelope.Envelope) error
}

// MatcherFunc adapts a function to the Matcher interface.
type MatcherFunc func(ctx context.Context, env *envelope.Envelope) ([]envelope.Address, error)

func (f MatcherFunc) Match(ctx context.Context, env *envelope.Envelope) ([]envelope.Address, error) {
	return f(ctx, env)
}

// MailetFunc adapts a function to the Mailet interface.
type MailetFunc func(ctx context.Context, env *envelope.Envelope) error

func (f MailetFunc) Service(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

// Context is the server handle given to matchers and mailets.
type Context interface {
	// ServerName is the name used in generated messages.
	ServerName() string

	// Postmaster is the sender of generated notifications.
	Postmaster() envelope.Address

	IsLocalDomain(domain string) bool

	// SendMail injects a new message into the spool in the given state.
	// An empty state means the root processor.
	SendMail(ctx context.Context, sender *envelope.Address, recipients []envelope.Address, msg io.Reader, state string) error

	// Bounce sends a delivery status notification about env to its
	// sender. Nothing is sent for the null sender.
	Bounce(ctx context.Context, env *envelope.Envelope, reason string) error

	// OpenBody returns the message content of env.
	OpenBody(ctx context.Context, env *envelope.Envelope) (io.ReadCloser, error)

	// ReplaceBody stores new content and points env at it. The previous
	// body is left alone since other envelopes may share it.
	ReplaceBody(ctx context.Context, env *envelope.Envelope, r io.Reader) error

	Logger() *slog.Logger
}

// Config is what a factory receives when a step is built.
type Config struct {
	Processor string
	Name      string
	Condition string // matchers only: the text after "Name="
	Params    Params // mailets only
	Context   Context
	Logger    *slog.Logger // tagged with processor and name
}
