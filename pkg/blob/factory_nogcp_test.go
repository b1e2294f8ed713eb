//go:build !gcp

package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_GCSRequiresBuildTag(t *testing.T) {
	_, err := Open(context.Background(), Options{Type: StoreTypeGCS, GCS: GCSStoreConfig{Bucket: "b"}})
	require.ErrorContains(t, err, "-tags gcp")
}
