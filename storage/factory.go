package storage

import (
	"fmt"

	"github.com/migadu/spoold/config"
	"github.com/migadu/spoold/logger"
)

// NewFromConfig builds the configured body store wrapped in Resilient.
func NewFromConfig(cfg *config.BodyStoreConfig) (*Resilient, error) {
	var store BodyStore
	switch cfg.Type {
	case "", "disk":
		d, err := NewDiskStorage(cfg.GetPath())
		if err != nil {
			return nil, err
		}
		logger.Info("Storage: using disk body store", "path", d.Root())
		store = d
	case "s3":
		s3cfg := cfg.S3
		s, err := NewS3Storage(s3cfg.Endpoint, s3cfg.AccessKey, s3cfg.SecretKey, s3cfg.Bucket, s3cfg.Prefix, !s3cfg.DisableTLS, s3cfg.Debug)
		if err != nil {
			return nil, err
		}
		if s3cfg.Encrypt {
			if err := s.EnableEncryption(s3cfg.EncryptionKey); err != nil {
				return nil, err
			}
		}
		logger.Info("Storage: using S3 body store", "endpoint", s3cfg.Endpoint, "bucket", s3cfg.Bucket)
		store = s
	default:
		return nil, fmt.Errorf("unknown body store type %q", cfg.Type)
	}
	return NewResilient(store, "body_store", cfg.GetMaxRetries()), nil
}
