package spoolmanager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/mailet"
	"github.com/migadu/spoold/server/idgen"
	"github.com/migadu/spoold/storage"
)

var _ mailet.Context = (*Manager)(nil)

func (m *Manager) ServerName() string {
	return m.opts.ServerName
}

func (m *Manager) Postmaster() envelope.Address {
	return m.opts.Postmaster
}

func (m *Manager) IsLocalDomain(domain string) bool {
	return m.domains[strings.ToLower(domain)]
}

func (m *Manager) Logger() *slog.Logger {
	return m.log
}

// SendMail stores msg in the body store and spools a new envelope for it.
func (m *Manager) SendMail(ctx context.Context, sender *envelope.Address, recipients []envelope.Address, msg io.Reader, state string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("cannot send mail without recipients")
	}
	if state == "" {
		state = m.opts.RootProcessor
	}
	ref, err := storage.PutContent(ctx, m.bodies, msg)
	if err != nil {
		return err
	}
	env := envelope.New(idgen.New(), sender, recipients, state, ref)
	if err := m.queue.Store(ctx, env); err != nil {
		return fmt.Errorf("failed to spool new envelope: %w", err)
	}
	m.log.Info("SpoolManager: spooled generated message", "id", env.ID, "state", state, "sender", env.SenderString(), "recipients", len(recipients))
	return nil
}

// OpenBody streams the message of env from the body store.
func (m *Manager) OpenBody(ctx context.Context, env *envelope.Envelope) (io.ReadCloser, error) {
	if env.Body.IsZero() {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return m.bodies.Get(ctx, env.Body.Key)
}

// ReplaceBody stores new content and points env at it.
func (m *Manager) ReplaceBody(ctx context.Context, env *envelope.Envelope, r io.Reader) error {
	ref, err := storage.PutContent(ctx, m.bodies, r)
	if err != nil {
		return err
	}
	env.Body = ref
	return nil
}
