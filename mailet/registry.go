package mailet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/migadu/spoold/envelope"
)

var (
	ErrUnknownMatcher   = errors.New("unknown matcher")
	ErrUnknownMailet    = errors.New("unknown mailet")
	ErrUnknownProcessor = errors.New("unknown processor")
)

type (
	MatcherFactory func(cfg Config) (Matcher, error)
	MailetFactory  func(cfg Config) (Mailet, error)
)

// Registry maps matcher and mailet names to their factories. Names are
// case sensitive.
type Registry struct {
	mu       sync.RWMutex
	matchers map[string]MatcherFactory
	mailets  map[string]MailetFactory
}

func NewRegistry() *Registry {
	return &Registry{
		matchers: make(map[string]MatcherFactory),
		mailets:  make(map[string]MailetFactory),
	}
}

// RegisterMatcher adds or replaces a matcher factory.
func (r *Registry) RegisterMatcher(name string, f MatcherFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matchers[name] = f
}

// RegisterMailet adds or replaces a mailet factory.
func (r *Registry) RegisterMailet(name string, f MailetFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mailets[name] = f
}

func (r *Registry) matcherFactory(name string) (MatcherFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.matchers[name]
	return f, ok
}

func (r *Registry) mailetFactory(name string) (MailetFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.mailets[name]
	return f, ok
}

// Matchers returns the registered matcher names, sorted.
func (r *Registry) Matchers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.matchers))
	for name := range r.matchers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Mailets returns the registered mailet names, sorted.
func (r *Registry) Mailets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.mailets))
	for name := range r.mailets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ParseMatcherSpec splits "!Name=condition" into its parts.
func ParseMatcherSpec(spec string) (name, condition string, negate bool) {
	spec = strings.TrimSpace(spec)
	if strings.HasPrefix(spec, "!") {
		negate = true
		spec = strings.TrimSpace(spec[1:])
	}
	name, condition, _ = strings.Cut(spec, "=")
	return strings.TrimSpace(name), strings.TrimSpace(condition), negate
}

// NewMatcher builds a matcher from a spec such as "RecipientIs=a@b.c".
// A leading "!" inverts the match against the current recipients.
func (r *Registry) NewMatcher(spec string, cfg Config) (Matcher, error) {
	name, condition, negate := ParseMatcherSpec(spec)
	f, ok := r.matcherFactory(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMatcher, name)
	}
	cfg.Name = name
	cfg.Condition = condition
	m, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("matcher %s: %w", name, err)
	}
	if negate {
		m = Not(m)
	}
	return m, nil
}

// NewMailet builds the mailet registered under name.
func (r *Registry) NewMailet(name string, cfg Config) (Mailet, error) {
	f, ok := r.mailetFactory(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMailet, name)
	}
	cfg.Name = name
	m, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("mailet %s: %w", name, err)
	}
	return m, nil
}

// Not returns the recipients m does not match.
func Not(m Matcher) Matcher {
	return MatcherFunc(func(ctx context.Context, env *envelope.Envelope) ([]envelope.Address, error) {
		matched, err := m.Match(ctx, env)
		if err != nil {
			return nil, err
		}
		return envelope.Subtract(env.Recipients, matched), nil
	})
}
