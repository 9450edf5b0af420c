package directory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/danmuck/edgerelay/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNatsKey(t *testing.T) {
	assert.Equal(t, "device.scale-01", natsKey("scale-01"))
	assert.Equal(t, "device-b64.c2NhbGUgMDE", natsKey("scale 01"))
	assert.NotEqual(t, natsKey("a.b"), natsKey("a-b"))
}

func TestNatsStoreConformance(t *testing.T) {
	url := os.Getenv("EDGERELAY_TEST_NATS_URL")
	if url == "" {
		t.Skip("EDGERELAY_TEST_NATS_URL not set")
	}
	testlog.Start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := NewNatsStore(ctx, url, "edgerelay-test-devices")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	runStoreConformance(t, store, uniquePrefix())
}
