//go:build !gcp

package archive

import (
	"context"
	"errors"
)

func newGCSStore(ctx context.Context, cfg GCSConfig) (BlobStore, error) {
	return nil, errors.New("gcs archive is not enabled in this build (use -tags gcp)")
}
