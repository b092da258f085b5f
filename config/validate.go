package config

import (
	"errors"
	"fmt"
	"strings"
)

// Reserved state names that cannot be used as processor names.
const ghostState = "ghost"

// Validate checks the configuration for errors that would otherwise only
// surface once envelopes start flowing.
func (c *Config) Validate() error {
	var errs []error

	switch c.Spool.Backend {
	case "", "memory", "disk", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("spool.backend: unknown backend %q (want memory, disk, sqlite or postgres)", c.Spool.Backend))
	}
	if _, err := c.Spool.GetPollInterval(); err != nil {
		errs = append(errs, fmt.Errorf("spool.poll_interval: %w", err))
	}
	if _, err := c.Spool.GetLockTTL(); err != nil {
		errs = append(errs, fmt.Errorf("spool.lock_ttl: %w", err))
	}
	if c.Spool.Backend == "postgres" && c.Database.Host == "" {
		errs = append(errs, errors.New("database.host is required for the postgres spool backend"))
	}

	switch c.BodyStore.Type {
	case "", "disk":
	case "s3":
		if c.BodyStore.S3.Endpoint == "" || c.BodyStore.S3.Bucket == "" {
			errs = append(errs, errors.New("body_store.s3: endpoint and bucket are required"))
		}
		if c.BodyStore.S3.Encrypt && len(c.BodyStore.S3.EncryptionKey) != 64 {
			errs = append(errs, errors.New("body_store.s3.encryption_key must be 64 hex characters when encrypt is enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("body_store.type: unknown type %q (want disk or s3)", c.BodyStore.Type))
	}

	if c.Manager.Threads < 0 {
		errs = append(errs, fmt.Errorf("manager.threads must not be negative, got %d", c.Manager.Threads))
	}
	if _, err := c.Manager.GetRetryDelay(); err != nil {
		errs = append(errs, fmt.Errorf("manager.retry_delay: %w", err))
	}
	if _, err := c.Manager.GetShutdownGrace(); err != nil {
		errs = append(errs, fmt.Errorf("manager.shutdown_grace: %w", err))
	}

	errs = append(errs, c.validateProcessors()...)

	if c.Cleanup.Enabled {
		if _, err := c.Cleanup.GetInterval(); err != nil {
			errs = append(errs, fmt.Errorf("cleanup.interval: %w", err))
		}
		if _, err := c.Cleanup.GetGracePeriod(); err != nil {
			errs = append(errs, fmt.Errorf("cleanup.grace_period: %w", err))
		}
	}

	if c.AdminAPI.Start {
		if c.AdminAPI.APIKey == "" && c.AdminAPI.APIKeyHash == "" {
			errs = append(errs, errors.New("admin_api: api_key or api_key_hash is required"))
		}
		if c.AdminAPI.TLS && (c.AdminAPI.TLSCertFile == "" || c.AdminAPI.TLSKeyFile == "") {
			errs = append(errs, errors.New("admin_api: tls_cert_file and tls_key_file are required when tls is enabled"))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) validateProcessors() []error {
	var errs []error
	seen := make(map[string]bool, len(c.Processors))
	for i, p := range c.Processors {
		name := p.Name
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("processor[%d]: name is required", i))
			continue
		case strings.EqualFold(name, ghostState):
			errs = append(errs, fmt.Errorf("processor %q: name is reserved", name))
		case seen[name]:
			errs = append(errs, fmt.Errorf("processor %q: defined more than once", name))
		}
		seen[name] = true

		if len(p.Mailets) == 0 {
			errs = append(errs, fmt.Errorf("processor %q: at least one mailet is required", name))
		}
		for j, m := range p.Mailets {
			if m.Class == "" {
				errs = append(errs, fmt.Errorf("processor %q mailet[%d]: class is required", name, j))
			}
		}
	}

	root := c.Manager.GetRootProcessor()
	if !seen[root] {
		errs = append(errs, fmt.Errorf("root processor %q is not defined", root))
	}
	return errs
}
