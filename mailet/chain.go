package mailet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/migadu/spoold/config"
	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/logger"
	"github.com/migadu/spoold/pkg/metrics"
	"github.com/migadu/spoold/server/idgen"
)

// Step is one matcher/mailet pair of a processor.
type Step struct {
	MatcherSpec string
	MailetName  string
	Matcher     Matcher
	Mailet      Mailet
}

// Chain is a named processor.
type Chain struct {
	Name  string
	Steps []Step

	// NewID names envelopes split off during execution.
	NewID func() string

	log *slog.Logger
}

func NewChain(name string, steps ...Step) *Chain {
	return &Chain{
		Name:  name,
		Steps: steps,
		NewID: idgen.New,
		log:   logger.With("processor", name),
	}
}

type work struct {
	env  *envelope.Envelope
	next int
	done bool // failed while being split off; only needs to be counted
}

// Process runs env through the chain. env is modified in place; envelopes
// split off for a subset of recipients are returned in creation order.
//
// For each step the matcher sees the recipients env carries at that
// point. If it matches all of them the mailet runs on env itself. If it
// matches some, those recipients move to a new envelope, the mailet runs
// on that one and it continues with the following steps on its own, while
// env goes on with the rest. Processing of an envelope stops as soon as its
// state no longer names this chain.
//
// Matcher and mailet failures, including panics, put the affected envelope
// in the error state and stop its processing. Envelopes left without
// recipients, and envelopes that run off the end of the chain, become
// ghosts.
func (c *Chain) Process(ctx context.Context, env *envelope.Envelope) []*envelope.Envelope {
	var derived []*envelope.Envelope
	pending := []work{{env: env}}
	for len(pending) > 0 {
		w := pending[0]
		pending = pending[1:]
		if w.done {
			c.finish(w.env)
			continue
		}
		for _, split := range c.run(ctx, w.env, w.next) {
			derived = append(derived, split.env)
			pending = append(pending, split)
		}
	}
	return derived
}

// run executes steps from index start on env. Splits are returned with the
// step they resume at; they have already been serviced by the mailet of
// the step that split them.
func (c *Chain) run(ctx context.Context, env *envelope.Envelope, start int) []work {
	var splits []work
	for i := start; i < len(c.Steps); i++ {
		if env.State != c.Name {
			c.finish(env)
			return splits
		}
		if len(env.Recipients) == 0 {
			env.State = envelope.StateGhost
			c.finish(env)
			return splits
		}

		step := c.Steps[i]
		matched, err := c.match(ctx, step, env)
		if err != nil {
			c.fail(env, step, "matcher", err)
			c.finish(env)
			return splits
		}
		matched = envelope.Intersect(env.Recipients, matched)
		if len(matched) == 0 {
			continue
		}

		if len(matched) == len(env.Recipients) {
			if err := c.service(ctx, step, env); err != nil {
				c.fail(env, step, "mailet", err)
				c.finish(env)
				return splits
			}
			continue
		}

		derived := env.Split(c.NewID(), matched)
		c.log.Debug("Split envelope", "id", env.ID, "derived", derived.ID, "mailet", step.MailetName, "matched", len(matched))
		split := work{env: derived, next: i + 1}
		if err := c.service(ctx, step, derived); err != nil {
			c.fail(derived, step, "mailet", err)
			split.done = true
		}
		splits = append(splits, split)
	}

	if env.State == c.Name {
		if len(env.Recipients) > 0 {
			c.log.Warn("Envelope reached the end of the processor, ghosting it", "id", env.ID)
		}
		env.State = envelope.StateGhost
	}
	c.finish(env)
	return splits
}

func (c *Chain) match(ctx context.Context, step Step, env *envelope.Envelope) (matched []envelope.Address, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = c.recovered("matcher", step.MatcherSpec, r)
		}
	}()
	return step.Matcher.Match(ctx, env)
}

func (c *Chain) service(ctx context.Context, step Step, env *envelope.Envelope) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = c.recovered("mailet", step.MailetName, r)
		}
		metrics.MailetDuration.WithLabelValues(c.Name, step.MailetName).Observe(time.Since(start).Seconds())
	}()
	if err := step.Mailet.Service(ctx, env); err != nil {
		return err
	}
	// A mailet may flag an error without returning one.
	if env.State == envelope.StateError && env.ErrorMessage == "" {
		env.ErrorMessage = fmt.Sprintf("mailet %s set error state", step.MailetName)
		env.FailedState = c.Name
	}
	return nil
}

func (c *Chain) recovered(kind, name string, r any) error {
	c.log.Error("Recovered panic", "kind", kind, "name", name, "panic", r, "stack", string(debug.Stack()))
	return fmt.Errorf("panic in %s %s: %v", kind, name, r)
}

func (c *Chain) fail(env *envelope.Envelope, step Step, kind string, err error) {
	name := step.MailetName
	if kind == "matcher" {
		name = step.MatcherSpec
	}
	metrics.MailetErrors.WithLabelValues(c.Name, kind+":"+name).Inc()
	c.log.Warn("Processing failed", "id", env.ID, kind, name, "error", err)
	env.Fail(c.Name, fmt.Errorf("%s %s: %w", kind, name, err))
}

func (c *Chain) finish(env *envelope.Envelope) {
	result := "rerouted"
	switch env.State {
	case envelope.StateGhost:
		result = "ghost"
	case envelope.StateError:
		result = "error"
	}
	metrics.ProcessorEnvelopes.WithLabelValues(c.Name, result).Inc()
}

// Chains is the set of configured processors.
type Chains struct {
	byName map[string]*Chain
	order  []string
}

func NewChains(chains ...*Chain) (*Chains, error) {
	cs := &Chains{byName: make(map[string]*Chain, len(chains))}
	for _, c := range chains {
		if c.Name == envelope.StateGhost {
			return nil, fmt.Errorf("processor name %q is reserved", c.Name)
		}
		if _, dup := cs.byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate processor %q", c.Name)
		}
		cs.byName[c.Name] = c
		cs.order = append(cs.order, c.Name)
	}
	return cs, nil
}

// GetChain returns the processor registered under name.
func (cs *Chains) GetChain(name string) (*Chain, error) {
	c, ok := cs.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcessor, name)
	}
	return c, nil
}

func (cs *Chains) Has(name string) bool {
	_, ok := cs.byName[name]
	return ok
}

// Names returns the processor names in configuration order.
func (cs *Chains) Names() []string {
	return append([]string(nil), cs.order...)
}

// Close releases mailets and matchers holding resources.
func (cs *Chains) Close() error {
	var errs []error
	for _, name := range cs.order {
		for _, step := range cs.byName[name].Steps {
			if c, ok := step.Mailet.(io.Closer); ok {
				errs = append(errs, c.Close())
			}
			if c, ok := step.Matcher.(io.Closer); ok {
				errs = append(errs, c.Close())
			}
		}
	}
	return errors.Join(errs...)
}

// BuildChains instantiates the configured processors.
func BuildChains(processors []config.ProcessorConfig, reg *Registry, mctx Context) (*Chains, error) {
	chains := make([]*Chain, 0, len(processors))
	for _, p := range processors {
		chain := NewChain(p.Name)
		for i, mc := range p.Mailets {
			base := Config{
				Processor: p.Name,
				Context:   mctx,
			}

			spec := mc.GetMatch()
			matcherName, _, _ := ParseMatcherSpec(spec)
			mcfg := base
			mcfg.Logger = logger.With("processor", p.Name, "matcher", matcherName)
			matcher, err := reg.NewMatcher(spec, mcfg)
			if err != nil {
				return nil, fmt.Errorf("processor %s step %d: %w", p.Name, i+1, err)
			}

			acfg := base
			acfg.Params = Params(mc.Params)
			acfg.Logger = logger.With("processor", p.Name, "mailet", mc.Class)
			m, err := reg.NewMailet(mc.Class, acfg)
			if err != nil {
				return nil, fmt.Errorf("processor %s step %d: %w", p.Name, i+1, err)
			}

			chain.Steps = append(chain.Steps, Step{
				MatcherSpec: spec,
				MailetName:  mc.Class,
				Matcher:     matcher,
				Mailet:      m,
			})
		}
		chains = append(chains, chain)
	}
	return NewChains(chains...)
}
