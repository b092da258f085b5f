package standard

import (
	"context"
	"fmt"

	"github.com/migadu/spoold/config"
	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/mailet"
	"github.com/migadu/spoold/server/idgen"
	"github.com/migadu/spoold/spool"
)

// toRepository files a copy of each envelope in a disk repository outside
// the spool. The copy keeps the current state so it can be re-injected
// later with the admin tool.
type toRepository struct {
	repo        *spool.DiskRepository
	passthrough bool
	newID       func() string
}

func newToRepository(cfg mailet.Config) (mailet.Mailet, error) {
	path, err := cfg.Params.Required("path")
	if err != nil {
		return nil, err
	}
	passthrough, err := cfg.Params.Bool("passthrough", false)
	if err != nil {
		return nil, err
	}
	repo, err := spool.NewDiskRepository(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return &toRepository{repo: repo, passthrough: passthrough, newID: idgen.New}, nil
}

func (m *toRepository) Service(ctx context.Context, env *envelope.Envelope) error {
	if err := m.repo.Store(ctx, env.Clone(m.newID())); err != nil {
		return fmt.Errorf("failed to file envelope: %w", err)
	}
	if !m.passthrough {
		env.State = envelope.StateGhost
	}
	return nil
}

func (m *toRepository) Close() error {
	return m.repo.Close()
}

// RepositoryPaths returns the directories ToRepository steps write to.
// Envelopes filed there still reference bodies in the body store.
func RepositoryPaths(processors []config.ProcessorConfig) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, p := range processors {
		for _, m := range p.Mailets {
			if m.Class != "ToRepository" {
				continue
			}
			path := m.Params["path"]
			if path == "" || seen[path] {
				continue
			}
			seen[path] = true
			paths = append(paths, path)
		}
	}
	return paths
}
