package storage

import (
	"fmt"

	"github.com/lgulliver/docvault/pkg/config"
)

// NewFromConfig creates a storage backend from configuration
func NewFromConfig(cfg *config.StorageConfig) (BlobStorage, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStorage(cfg.LocalPath)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
