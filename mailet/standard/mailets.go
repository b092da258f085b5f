package standard

import (
	"context"
	"errors"
	"log/slog"

	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/mailet"
)

// NoticeAttribute holds the note left by ToProcessor.
const NoticeAttribute = "notice"

func newNull(mailet.Config) (mailet.Mailet, error) {
	return mailet.MailetFunc(func(_ context.Context, env *envelope.Envelope) error {
		env.State = envelope.StateGhost
		return nil
	}), nil
}

func newToProcessor(cfg mailet.Config) (mailet.Mailet, error) {
	target, err := cfg.Params.Required("processor")
	if err != nil {
		return nil, err
	}
	if target == cfg.Processor {
		return nil, errors.New("cannot route a processor to itself")
	}
	notice := cfg.Params.String("notice", "")
	return mailet.MailetFunc(func(_ context.Context, env *envelope.Envelope) error {
		if notice != "" {
			env.SetAttribute(NoticeAttribute, notice)
		}
		env.State = target
		return nil
	}), nil
}

func newSetAttribute(cfg mailet.Config) (mailet.Mailet, error) {
	name, err := cfg.Params.Required("name")
	if err != nil {
		return nil, err
	}
	value := cfg.Params.String("value", "")
	return mailet.MailetFunc(func(_ context.Context, env *envelope.Envelope) error {
		env.SetAttribute(name, value)
		return nil
	}), nil
}

func newRemoveAttribute(cfg mailet.Config) (mailet.Mailet, error) {
	name, err := cfg.Params.Required("name")
	if err != nil {
		return nil, err
	}
	return mailet.MailetFunc(func(_ context.Context, env *envelope.Envelope) error {
		env.RemoveAttribute(name)
		return nil
	}), nil
}

// newRetry sends a failed envelope back to the processor it failed in
// while it has failed at most max_retries times. The error message is
// kept, so the spool manager applies its backoff before the next attempt.
// Otherwise the envelope continues with the next step.
func newRetry(cfg mailet.Config) (mailet.Mailet, error) {
	maxRetries, err := cfg.Params.Int("max_retries", 5)
	if err != nil {
		return nil, err
	}
	log := loggerOf(cfg)
	return mailet.MailetFunc(func(_ context.Context, env *envelope.Envelope) error {
		if env.FailedState == "" || env.FailedState == cfg.Processor {
			return nil
		}
		if env.RetryCount > maxRetries {
			log.Info("Retries exhausted", "id", env.ID, "retry_count", env.RetryCount, "failed_state", env.FailedState)
			return nil
		}
		log.Debug("Scheduling retry", "id", env.ID, "retry_count", env.RetryCount, "failed_state", env.FailedState)
		env.State = env.FailedState
		return nil
	}), nil
}

func newBounce(cfg mailet.Config) (mailet.Mailet, error) {
	if err := requireContext(cfg); err != nil {
		return nil, err
	}
	reason := cfg.Params.String("reason", "")
	passthrough, err := cfg.Params.Bool("passthrough", false)
	if err != nil {
		return nil, err
	}
	mctx := cfg.Context
	return mailet.MailetFunc(func(ctx context.Context, env *envelope.Envelope) error {
		why := reason
		if why == "" {
			why = env.ErrorMessage
		}
		if why == "" {
			why = "message could not be delivered"
		}
		if err := mctx.Bounce(ctx, env, why); err != nil {
			return err
		}
		if !passthrough {
			env.State = envelope.StateGhost
		}
		return nil
	}), nil
}

func newLog(cfg mailet.Config) (mailet.Mailet, error) {
	message := cfg.Params.String("message", "Envelope")
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Params.String("level", "info"))); err != nil {
		return nil, err
	}
	log := loggerOf(cfg)
	return mailet.MailetFunc(func(ctx context.Context, env *envelope.Envelope) error {
		log.Log(ctx, level, message,
			"id", env.ID,
			"state", env.State,
			"sender", env.SenderString(),
			"recipients", len(env.Recipients),
			"size", env.Body.Size,
			"retry_count", env.RetryCount,
			"error_message", env.ErrorMessage)
		return nil
	}), nil
}
