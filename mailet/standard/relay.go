package standard

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/mailet"
	"github.com/migadu/spoold/pkg/circuitbreaker"
	"github.com/migadu/spoold/pkg/metrics"
)

// RelayError wraps a delivery error with its classification. Permanent
// errors (5xx replies) are bounced, everything else is retried.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a permanent SMTP failure.
// Network errors and 4xx replies are temporary.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

func classify(what string, err error) *RelayError {
	return &RelayError{Err: fmt.Errorf("%s: %w", what, err), Permanent: IsPermanentError(err)}
}

type tlsMode string

const (
	tlsNone     tlsMode = "none"
	tlsStartTLS tlsMode = "starttls"
	tlsImplicit tlsMode = "tls"
)

func parseTLSMode(s string) (tlsMode, error) {
	switch m := tlsMode(strings.ToLower(s)); m {
	case tlsNone, tlsStartTLS, tlsImplicit:
		return m, nil
	default:
		return "", fmt.Errorf("invalid tls mode %q (want none, starttls or tls)", s)
	}
}

// remoteDelivery hands envelopes to a smart host over SMTP.
//
// Recipients the host accepts are removed from the envelope. Recipients it
// rejects permanently are bounced. When recipients remain that failed
// temporarily the mailet returns an error so the envelope goes through
// the error processor and can be retried; otherwise it is ghosted.
type remoteDelivery struct {
	name     string
	addr     string
	host     string
	mode     tlsMode
	tls      *tls.Config
	username string
	password string
	timeout  time.Duration
	breaker  *circuitbreaker.CircuitBreaker
	mctx     mailet.Context
	log      *slog.Logger
}

func newRemoteDelivery(cfg mailet.Config) (mailet.Mailet, error) {
	if err := requireContext(cfg); err != nil {
		return nil, err
	}
	host, err := cfg.Params.Required("host")
	if err != nil {
		return nil, err
	}
	port, err := cfg.Params.Int("port", 25)
	if err != nil {
		return nil, err
	}
	mode, err := parseTLSMode(cfg.Params.String("tls", string(tlsStartTLS)))
	if err != nil {
		return nil, err
	}
	verify, err := cfg.Params.Bool("tls_verify", true)
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.Params.Duration("timeout", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	m := &remoteDelivery{
		name: cfg.Processor + "/" + cfg.Name,
		addr: net.JoinHostPort(host, fmt.Sprint(port)),
		host: host,
		mode: mode,
		tls: &tls.Config{
			ServerName:         host,
			MinVersion:         tls.VersionTLS12,
			Renegotiation:      tls.RenegotiateNever,
			InsecureSkipVerify: !verify,
		},
		username: cfg.Params.String("username", ""),
		password: cfg.Params.String("password", ""),
		timeout:  timeout,
		mctx:     cfg.Context,
		log:      loggerOf(cfg),
	}
	if m.username != "" && mode == tlsNone {
		m.log.Warn("Relay credentials will be sent without TLS", "host", m.addr)
	}

	settings := circuitbreaker.DefaultSettings("relay:" + m.addr)
	settings.IsSuccessful = func(err error) bool {
		// A rejected message says nothing about the health of the host.
		return err == nil || IsPermanentError(err)
	}
	m.breaker = circuitbreaker.NewCircuitBreaker(settings)
	return m, nil
}

// relayResult is the outcome of one SMTP transaction.
type relayResult struct {
	delivered []envelope.Address
	rejected  []envelope.Address // permanently
	reason    string             // of the first permanent rejection
	deferred  error              // set when recipients failed temporarily
}

func (m *remoteDelivery) Service(ctx context.Context, env *envelope.Envelope) error {
	res, err := circuitbreaker.Execute(m.breaker, func() (*relayResult, error) {
		res, err := m.deliver(ctx, env)
		if err != nil {
			return res, err
		}
		if res.deferred != nil {
			return res, res.deferred
		}
		return res, nil
	})

	switch {
	case circuitbreaker.IsRejection(err):
		metrics.RelayDeliveries.WithLabelValues(m.name, "circuit_breaker_open").Inc()
		return fmt.Errorf("relay %s unavailable: %w", m.addr, err)
	case res == nil:
		metrics.RelayDeliveries.WithLabelValues(m.name, "temporary").Inc()
		return err
	}

	if len(res.delivered) > 0 {
		metrics.RelayDeliveries.WithLabelValues(m.name, "success").Add(float64(len(res.delivered)))
		m.log.Info("Relayed envelope", "id", env.ID, "host", m.addr, "recipients", len(res.delivered))
	}
	// Accepted recipients leave the envelope before anything else can
	// fail, so a retry never delivers to them twice.
	env.RemoveRecipients(res.delivered)
	if len(res.rejected) > 0 {
		metrics.RelayDeliveries.WithLabelValues(m.name, "permanent").Add(float64(len(res.rejected)))
		failed := env.Clone(env.ID)
		failed.SetRecipients(res.rejected)
		if err := m.mctx.Bounce(ctx, failed, res.reason); err != nil {
			return fmt.Errorf("failed to bounce rejected recipients: %w", err)
		}
		env.RemoveRecipients(res.rejected)
	}

	if len(env.Recipients) > 0 {
		metrics.RelayDeliveries.WithLabelValues(m.name, "temporary").Add(float64(len(env.Recipients)))
		if res.deferred != nil {
			return res.deferred
		}
		return fmt.Errorf("relay %s: %d recipient(s) not delivered", m.addr, len(env.Recipients))
	}
	env.State = envelope.StateGhost
	return nil
}

// deliver runs one SMTP transaction. A nil result means nothing is known
// about individual recipients and all of them should be retried.
func (m *remoteDelivery) deliver(ctx context.Context, env *envelope.Envelope) (*relayResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	c, err := m.dial(ctx)
	if err != nil {
		return nil, &RelayError{Err: err}
	}
	defer c.Close()

	all := func(err *RelayError) (*relayResult, error) {
		if err.Permanent {
			return &relayResult{rejected: env.Recipients, reason: err.Error()}, nil
		}
		return nil, err
	}

	if err := c.Mail(env.SenderString(), nil); err != nil {
		return all(classify("MAIL FROM rejected", err))
	}

	res := &relayResult{}
	var accepted []envelope.Address
	for _, rcpt := range env.Recipients {
		err := c.Rcpt(rcpt.String(), nil)
		switch {
		case err == nil:
			accepted = append(accepted, rcpt)
		case IsPermanentError(err):
			m.log.Info("Recipient rejected", "id", env.ID, "recipient", rcpt.String(), "error", err)
			res.rejected = append(res.rejected, rcpt)
			if res.reason == "" {
				res.reason = err.Error()
			}
		default:
			m.log.Warn("Recipient deferred", "id", env.ID, "recipient", rcpt.String(), "error", err)
			if res.deferred == nil {
				res.deferred = classify("RCPT TO deferred", err)
			}
		}
	}
	if len(accepted) == 0 {
		_ = c.Reset()
		_ = c.Quit()
		return res, nil
	}

	if err := m.sendData(ctx, c, env); err != nil {
		if IsPermanentError(err) {
			res.rejected = append(res.rejected, accepted...)
			if res.reason == "" {
				res.reason = err.Error()
			}
			return res, nil
		}
		return nil, err
	}
	res.delivered = accepted

	if err := c.Quit(); err != nil {
		m.log.Warn("Failed to send QUIT", "host", m.addr, "error", err)
	}
	return res, nil
}

func (m *remoteDelivery) sendData(ctx context.Context, c *smtp.Client, env *envelope.Envelope) error {
	body, err := m.mctx.OpenBody(ctx, env)
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to open body: %w", err)}
	}
	defer body.Close()

	wc, err := c.Data()
	if err != nil {
		return classify("DATA rejected", err)
	}
	if _, err := io.Copy(wc, body); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return classify("message rejected", err)
	}
	return nil
}

func (m *remoteDelivery) dial(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{}
	var conn net.Conn
	var err error
	if m.mode == tlsImplicit {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: m.tls}).DialContext(ctx, "tcp", m.addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", m.addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", m.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var c *smtp.Client
	if m.mode == tlsStartTLS {
		// The client greets with its default name before upgrading.
		c, err = smtp.NewClientStartTLS(conn, m.tls)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("STARTTLS failed: %w", err)
		}
	} else {
		c = smtp.NewClient(conn)
		if err := c.Hello(m.mctx.ServerName()); err != nil {
			c.Close()
			return nil, fmt.Errorf("EHLO failed: %w", err)
		}
	}
	if m.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", m.username, m.password)); err != nil {
			c.Close()
			return nil, fmt.Errorf("authentication failed: %w", err)
		}
	}
	return c, nil
}
