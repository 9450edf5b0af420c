package directory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/danmuck/edgerelay/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreConformance(t *testing.T) {
	dsn := os.Getenv("EDGERELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EDGERELAY_TEST_POSTGRES_DSN not set")
	}
	testlog.Start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	runStoreConformance(t, store, uniquePrefix())
}

func TestPostgresStoreRequiresDSN(t *testing.T) {
	_, err := NewPostgresStore(context.Background(), " ")
	require.Error(t, err)
}
