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

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/mailet"
	"github.com/migadu/spoold/pkg/circuitbreaker"
	"github.com/migadu/spoold/pkg/metrics"
)

// imapAppend stores the message in a mailbox on an IMAP server, for
// archiving or handing mail to a mailbox host that has no LMTP listener.
type imapAppend struct {
	name        string
	addr        string
	useTLS      bool
	tls         *tls.Config
	username    string
	password    string
	saslPlain   bool
	mailbox     string
	create      bool
	passthrough bool
	breaker     *circuitbreaker.CircuitBreaker
	mctx        mailet.Context
	log         *slog.Logger
}

func newIMAPAppend(cfg mailet.Config) (mailet.Mailet, error) {
	if err := requireContext(cfg); err != nil {
		return nil, err
	}
	host, err := cfg.Params.Required("host")
	if err != nil {
		return nil, err
	}
	useTLS, err := cfg.Params.Bool("tls", true)
	if err != nil {
		return nil, err
	}
	defPort := 143
	if useTLS {
		defPort = 993
	}
	port, err := cfg.Params.Int("port", defPort)
	if err != nil {
		return nil, err
	}
	verify, err := cfg.Params.Bool("tls_verify", true)
	if err != nil {
		return nil, err
	}
	username, err := cfg.Params.Required("username")
	if err != nil {
		return nil, err
	}
	create, err := cfg.Params.Bool("create", false)
	if err != nil {
		return nil, err
	}
	passthrough, err := cfg.Params.Bool("passthrough", false)
	if err != nil {
		return nil, err
	}

	var saslPlain bool
	switch auth := strings.ToLower(cfg.Params.String("auth", "login")); auth {
	case "login":
	case "plain":
		saslPlain = true
	default:
		return nil, fmt.Errorf("invalid auth method %q (want login or plain)", auth)
	}

	m := &imapAppend{
		name:   cfg.Processor + "/" + cfg.Name,
		addr:   net.JoinHostPort(host, fmt.Sprint(port)),
		useTLS: useTLS,
		tls: &tls.Config{
			ServerName:         host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !verify,
		},
		username:    username,
		password:    cfg.Params.String("password", ""),
		saslPlain:   saslPlain,
		mailbox:     cfg.Params.String("mailbox", "INBOX"),
		create:      create,
		passthrough: passthrough,
		mctx:        cfg.Context,
		log:         loggerOf(cfg),
	}
	m.breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultSettings("imap:" + m.addr))
	return m, nil
}

func (m *imapAppend) Service(ctx context.Context, env *envelope.Envelope) error {
	err := m.breaker.Do(func() error {
		return m.append(ctx, env)
	})
	switch {
	case circuitbreaker.IsRejection(err):
		metrics.RelayDeliveries.WithLabelValues(m.name, "circuit_breaker_open").Inc()
		return fmt.Errorf("imap server %s unavailable: %w", m.addr, err)
	case err != nil:
		metrics.RelayDeliveries.WithLabelValues(m.name, "temporary").Inc()
		return err
	}

	metrics.RelayDeliveries.WithLabelValues(m.name, "success").Inc()
	m.log.Info("Appended envelope", "id", env.ID, "mailbox", m.mailbox, "size", env.Body.Size)
	if !m.passthrough {
		env.State = envelope.StateGhost
	}
	return nil
}

func (m *imapAppend) append(ctx context.Context, env *envelope.Envelope) error {
	body, err := m.mctx.OpenBody(ctx, env)
	if err != nil {
		return err
	}
	defer body.Close()

	client, err := m.dial()
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer func() {
		stop()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				m.log.Debug("IMAP logout failed", "error", err)
			}
		}
		_ = client.Close()
	}()

	if m.create {
		if err := m.ensureMailbox(client); err != nil {
			return err
		}
	}

	var opts *imapv2.AppendOptions
	if !env.CreatedAt.IsZero() {
		opts = &imapv2.AppendOptions{Time: env.CreatedAt}
	}
	cmd := client.Append(m.mailbox, env.Body.Size, opts)
	if _, err := io.Copy(cmd, body); err != nil {
		_ = cmd.Close()
		return fmt.Errorf("append write: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append to %s failed: %w", m.mailbox, err)
	}
	return nil
}

func (m *imapAppend) dial() (*imapclient.Client, error) {
	options := &imapclient.Options{TLSConfig: m.tls}
	var (
		client *imapclient.Client
		err    error
	)
	if m.useTLS {
		client, err = imapclient.DialTLS(m.addr, options)
	} else {
		client, err = imapclient.DialInsecure(m.addr, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", m.addr, err)
	}

	if m.saslPlain {
		err = client.Authenticate(sasl.NewPlainClient("", m.username, m.password))
	} else {
		err = client.Login(m.username, m.password).Wait()
	}
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}
	return client, nil
}

func (m *imapAppend) ensureMailbox(client *imapclient.Client) error {
	if err := client.Create(m.mailbox, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			return nil
		}
		return fmt.Errorf("ensure mailbox %s: %w", m.mailbox, err)
	}
	m.log.Info("IMAP mailbox created", "mailbox", m.mailbox)
	return nil
}
