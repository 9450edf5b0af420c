//go:generate mockgen -destination=mock_store.go -package=directory github.com/danmuck/edgerelay/internal/directory Store

package directory

import (
	"context"
	"fmt"
	"strings"
)

// Store is the durable device directory consumed by the relay.
type Store interface {
	// Get returns the record for deviceID, or found=false when absent.
	Get(ctx context.Context, deviceID string) (rec Record, found bool, err error)

	// Upsert creates the record from defaults when absent and returns the
	// stored record. created reports whether this call created it.
	Upsert(ctx context.Context, deviceID string, defaults Record) (rec Record, created bool, err error)

	// Update atomically applies patch to an existing record. It returns
	// ErrNotFound when the record is absent and ErrConflict when the patch
	// precondition does not hold.
	Update(ctx context.Context, deviceID string, patch Patch) (Record, error)

	// ClearFirmware empties FirmwareURL unconditionally.
	ClearFirmware(ctx context.Context, deviceID string) (Record, error)

	// List returns every record ordered by device id.
	List(ctx context.Context) ([]Record, error)

	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
)

// OpenConfig selects and configures a backend.
type OpenConfig struct {
	Backend     string
	NATSURL     string
	NATSBucket  string
	PostgresDSN string
}

// Open constructs the configured backend.
func Open(ctx context.Context, cfg OpenConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendNATS:
		return NewNatsStore(ctx, cfg.NATSURL, cfg.NATSBucket)
	case BackendPostgres:
		return NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("directory: unknown backend %q", cfg.Backend)
	}
}

// Seed upserts every record in recs, keeping existing records intact.
func Seed(ctx context.Context, store Store, recs []Record) (int, error) {
	created := 0
	for _, rec := range recs {
		_, ok, err := store.Upsert(ctx, rec.DeviceID, rec)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}
