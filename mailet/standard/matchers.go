package standard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/helpers"
	"github.com/migadu/spoold/mailet"
)

// everyone returns all recipients when cond holds.
func everyone(cond func(ctx context.Context, env *envelope.Envelope) (bool, error)) mailet.Matcher {
	return mailet.MatcherFunc(func(ctx context.Context, env *envelope.Envelope) ([]envelope.Address, error) {
		ok, err := cond(ctx, env)
		if err != nil || !ok {
			return nil, err
		}
		return env.Recipients, nil
	})
}

// recipientsWhere returns the recipients accepted by keep.
func recipientsWhere(keep func(a envelope.Address) bool) mailet.Matcher {
	return mailet.MatcherFunc(func(_ context.Context, env *envelope.Envelope) ([]envelope.Address, error) {
		var out []envelope.Address
		for _, r := range env.Recipients {
			if keep(r) {
				out = append(out, r)
			}
		}
		return out, nil
	})
}

func requireContext(cfg mailet.Config) error {
	if cfg.Context == nil {
		return errors.New("requires a mailet context")
	}
	return nil
}

func newAll(mailet.Config) (mailet.Matcher, error) {
	return everyone(func(context.Context, *envelope.Envelope) (bool, error) { return true, nil }), nil
}

func parseAddressSet(condition string) (map[envelope.Address]struct{}, error) {
	list, err := envelope.ParseAddressList(condition)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.New("condition must list at least one address")
	}
	set := make(map[envelope.Address]struct{}, len(list))
	for _, a := range list {
		set[a] = struct{}{}
	}
	return set, nil
}

func newRecipientIs(cfg mailet.Config) (mailet.Matcher, error) {
	set, err := parseAddressSet(cfg.Condition)
	if err != nil {
		return nil, err
	}
	return recipientsWhere(func(a envelope.Address) bool {
		_, ok := set[a]
		return ok
	}), nil
}

func newSenderIs(cfg mailet.Config) (mailet.Matcher, error) {
	set, err := parseAddressSet(cfg.Condition)
	if err != nil {
		return nil, err
	}
	return everyone(func(_ context.Context, env *envelope.Envelope) (bool, error) {
		if env.Sender == nil {
			return false, nil
		}
		_, ok := set[*env.Sender]
		return ok, nil
	}), nil
}

func newSenderIsNull(mailet.Config) (mailet.Matcher, error) {
	return everyone(func(_ context.Context, env *envelope.Envelope) (bool, error) {
		return env.Sender == nil, nil
	}), nil
}

func newHostIs(cfg mailet.Config) (mailet.Matcher, error) {
	domains := make(map[string]struct{})
	for _, d := range strings.Split(cfg.Condition, ",") {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			domains[d] = struct{}{}
		}
	}
	if len(domains) == 0 {
		return nil, errors.New("condition must list at least one domain")
	}
	return recipientsWhere(func(a envelope.Address) bool {
		_, ok := domains[a.Domain()]
		return ok
	}), nil
}

func newHostIsLocal(cfg mailet.Config) (mailet.Matcher, error) {
	if err := requireContext(cfg); err != nil {
		return nil, err
	}
	mctx := cfg.Context
	return recipientsWhere(func(a envelope.Address) bool {
		return mctx.IsLocalDomain(a.Domain())
	}), nil
}

func newHasAttribute(cfg mailet.Config) (mailet.Matcher, error) {
	name, value, hasValue := strings.Cut(cfg.Condition, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("condition must name an attribute")
	}
	return everyone(func(_ context.Context, env *envelope.Envelope) (bool, error) {
		v, ok := env.Attribute(name)
		if !ok {
			return false, nil
		}
		if !hasValue {
			return true, nil
		}
		return fmt.Sprint(v) == value, nil
	}), nil
}

// readHeader parses the header block of env's message.
func readHeader(ctx context.Context, mctx mailet.Context, env *envelope.Envelope) (textproto.Header, error) {
	body, err := mctx.OpenBody(ctx, env)
	if err != nil {
		return textproto.Header{}, err
	}
	defer body.Close()
	return textproto.ReadHeader(bufio.NewReader(body))
}

func newHeaderIs(cfg mailet.Config) (mailet.Matcher, error) {
	if err := requireContext(cfg); err != nil {
		return nil, err
	}
	name, value, ok := strings.Cut(cfg.Condition, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return nil, errors.New(`condition must be "Name:value"`)
	}
	value = strings.TrimSpace(value)
	mctx := cfg.Context
	return everyone(func(ctx context.Context, env *envelope.Envelope) (bool, error) {
		h, err := readHeader(ctx, mctx, env)
		if err != nil {
			return false, err
		}
		for _, v := range h.Values(name) {
			if strings.EqualFold(strings.TrimSpace(v), value) {
				return true, nil
			}
		}
		return false, nil
	}), nil
}

func newSizeGreaterThan(cfg mailet.Config) (mailet.Matcher, error) {
	limit, err := helpers.ParseSize(cfg.Condition)
	if err != nil {
		return nil, err
	}
	return everyone(func(_ context.Context, env *envelope.Envelope) (bool, error) {
		return env.Body.Size > limit, nil
	}), nil
}

func newRetryCountAbove(cfg mailet.Config) (mailet.Matcher, error) {
	n, err := strconv.Atoi(strings.TrimSpace(cfg.Condition))
	if err != nil {
		return nil, fmt.Errorf("invalid retry count: %w", err)
	}
	return everyone(func(_ context.Context, env *envelope.Envelope) (bool, error) {
		return env.RetryCount > n, nil
	}), nil
}
