package standard

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/go-sieve"
	"github.com/foxcpp/go-sieve/interp"
	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/mailet"
)

// sieveExtensions are the extensions a SieveMatch script may require.
// Vacation is left out since the matcher never sends mail.
var sieveExtensions = []string{"envelope", "fileinto", "redirect", "encoded-character", "imap4flags", "variables", "relational", "copy", "regex"}

// sieveMatcher evaluates a Sieve script once per recipient and matches the
// recipients for which the script cancels the implicit keep, through
// discard, fileinto or redirect.
type sieveMatcher struct {
	script *sieve.Script
	mctx   mailet.Context
}

func newSieveMatch(cfg mailet.Config) (mailet.Matcher, error) {
	if err := requireContext(cfg); err != nil {
		return nil, err
	}
	if cfg.Condition == "" {
		return nil, fmt.Errorf("condition must be the path of a sieve script")
	}
	f, err := os.Open(cfg.Condition)
	if err != nil {
		return nil, fmt.Errorf("failed to open sieve script: %w", err)
	}
	defer f.Close()

	opts := sieve.DefaultOptions()
	opts.EnabledExtensions = sieveExtensions
	script, err := sieve.Load(f, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load sieve script %s: %w", cfg.Condition, err)
	}
	return &sieveMatcher{script: script, mctx: cfg.Context}, nil
}

func (m *sieveMatcher) Match(ctx context.Context, env *envelope.Envelope) ([]envelope.Address, error) {
	header, err := readHeader(ctx, m.mctx, env)
	if err != nil {
		return nil, err
	}
	msg := &sieveMessage{header: header, size: int(env.Body.Size)}

	var matched []envelope.Address
	for _, rcpt := range env.Recipients {
		keep, err := m.keeps(ctx, env.SenderString(), rcpt.String(), msg)
		if err != nil {
			return nil, err
		}
		if !keep {
			matched = append(matched, rcpt)
		}
	}
	return matched, nil
}

func (m *sieveMatcher) keeps(ctx context.Context, from, to string, msg *sieveMessage) (bool, error) {
	data := sieve.NewRuntimeData(m.script, sievePolicy{}, &sieveEnvelope{from: from, to: to}, msg)
	if err := m.script.Execute(ctx, data); err != nil {
		return false, fmt.Errorf("sieve execution failed: %w", err)
	}
	return data.Keep || data.ImplicitKeep, nil
}

// sievePolicy refuses side effects: the script only classifies.
type sievePolicy struct{}

func (sievePolicy) RedirectAllowed(context.Context, *interp.RuntimeData, string) (bool, error) {
	return true, nil
}

func (sievePolicy) VacationResponseAllowed(context.Context, *interp.RuntimeData, string, string, time.Duration) (bool, error) {
	return false, nil
}

func (sievePolicy) SendVacationResponse(context.Context, *interp.RuntimeData, string, string, string, string, bool) error {
	return nil
}

type sieveEnvelope struct {
	from, to string
}

func (e *sieveEnvelope) EnvelopeFrom() string { return e.from }
func (e *sieveEnvelope) EnvelopeTo() string   { return e.to }
func (e *sieveEnvelope) AuthUsername() string { return "" }

type sieveMessage struct {
	header textproto.Header
	size   int
}

func (m *sieveMessage) HeaderGet(key string) ([]string, error) {
	return m.header.Values(key), nil
}

func (m *sieveMessage) MessageSize() int {
	return m.size
}
