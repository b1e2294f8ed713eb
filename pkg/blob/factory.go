package blob

import (
	"context"
	"fmt"
)

// StoreType represents the type of blob storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// Options selects and configures a backend.
type Options struct {
	Type StoreType
	Dir  string
	S3   S3StoreConfig
	GCS  GCSStoreConfig
}

// Open creates the store described by opts. An empty type means fs.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Type {
	case StoreTypeFS, "":
		dir := opts.Dir
		if dir == "" {
			dir = "data/oplog-archive"
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		if opts.S3.Region == "" {
			opts.S3.Region = "us-east-1"
		}
		return NewS3Store(ctx, opts.S3)
	case StoreTypeGCS:
		return newGCSStore(ctx, opts.GCS)
	default:
		return nil, fmt.Errorf("unsupported blob storage type: %s", opts.Type)
	}
}
