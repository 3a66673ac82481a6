package archive

import (
	"context"
	"fmt"
)

// StoreType selects a BlobStore backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// GCSConfig configures a GCS-backed store. Only builds with the gcp tag
// can open one.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// Config selects and configures the archive backend.
type Config struct {
	Type StoreType `mapstructure:"type"`
	Dir  string    `mapstructure:"dir"`
	S3   S3Config  `mapstructure:"s3"`
	GCS  GCSConfig `mapstructure:"gcs"`
}

// Open returns the BlobStore cfg describes. An empty type means "fs".
func Open(ctx context.Context, cfg Config) (BlobStore, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("fs archive: dir is required")
		}
		return NewFileStore(cfg.Dir)
	case StoreTypeS3:
		return NewS3Store(ctx, cfg.S3)
	case StoreTypeGCS:
		return newGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported archive store type: %q", cfg.Type)
	}
}
