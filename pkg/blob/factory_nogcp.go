//go:build !gcp

package blob

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, cfg GCSStoreConfig) (Store, error) {
	return nil, fmt.Errorf("GCS storage requires building with -tags gcp")
}
