package directory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	DefaultNATSBucket = "edgerelay-devices"

	natsKeyPrefix      = "device."
	natsEncodedPrefix  = "device-b64."
	natsMaxCASAttempts = 8
)

var natsKeySafe = regexp.MustCompile(`^[-_=a-zA-Z0-9]+$`)

// NatsStore keeps one JSON record per device in a JetStream KV bucket.
// Updates use the entry revision so concurrent writers never lose a patch.
type NatsStore struct {
	nc  *nats.Conn
	kv  jetstream.KeyValue
	now func() time.Time
}

func NewNatsStore(ctx context.Context, natsURL, bucket string) (*NatsStore, error) {
	if strings.TrimSpace(natsURL) == "" {
		natsURL = nats.DefaultURL
	}
	if strings.TrimSpace(bucket) == "" {
		bucket = DefaultNATSBucket
	}
	nc, err := nats.Connect(natsURL, nats.Name("edgerelay-directory"))
	if err != nil {
		return nil, unavailable("connect nats", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, unavailable("create jetstream context", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "edgerelay device directory",
		History:     1,
	})
	if err != nil {
		nc.Close()
		return nil, unavailable("create kv bucket", err)
	}

	return &NatsStore{nc: nc, kv: kv, now: time.Now}, nil
}

func (n *NatsStore) Get(ctx context.Context, deviceID string) (Record, bool, error) {
	id, err := normalizeID(deviceID)
	if err != nil {
		return Record{}, false, err
	}
	rec, _, err := n.load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (n *NatsStore) Upsert(ctx context.Context, deviceID string, defaults Record) (Record, bool, error) {
	id, err := normalizeID(deviceID)
	if err != nil {
		return Record{}, false, err
	}
	rec, _, err := n.load(ctx, id)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, false, err
	}

	defaults.DeviceID = id
	defaults.UpdatedAt = n.now()
	raw, err := json.Marshal(defaults)
	if err != nil {
		return Record{}, false, fmt.Errorf("directory: encode record %q: %w", id, err)
	}
	if _, err := n.kv.Create(ctx, natsKey(id), raw); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			rec, _, err := n.load(ctx, id)
			return rec, false, err
		}
		return Record{}, false, unavailable("create "+id, err)
	}
	return defaults, true, nil
}

func (n *NatsStore) Update(ctx context.Context, deviceID string, patch Patch) (Record, error) {
	id, err := normalizeID(deviceID)
	if err != nil {
		return Record{}, err
	}
	for attempt := 1; attempt <= natsMaxCASAttempts; attempt++ {
		rec, revision, err := n.load(ctx, id)
		if err != nil {
			return Record{}, err
		}
		next, err := patch.Apply(rec, n.now())
		if err != nil {
			return Record{}, err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return Record{}, fmt.Errorf("directory: encode record %q: %w", id, err)
		}
		if _, err := n.kv.Update(ctx, natsKey(id), raw, revision); err != nil {
			if isRevisionMismatch(err) {
				continue
			}
			return Record{}, unavailable("update "+id, err)
		}
		return next, nil
	}
	return Record{}, unavailable("update "+id, errors.New("revision contention"))
}

func (n *NatsStore) ClearFirmware(ctx context.Context, deviceID string) (Record, error) {
	return n.Update(ctx, deviceID, ClearFirmwarePatch())
}

func (n *NatsStore) List(ctx context.Context) ([]Record, error) {
	lister, err := n.kv.ListKeys(ctx)
	if err != nil {
		return nil, unavailable("list keys", err)
	}
	defer func() { _ = lister.Stop() }()

	out := make([]Record, 0)
	for key := range lister.Keys() {
		entry, err := n.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, unavailable("get "+key, err)
		}
		var rec Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			return nil, fmt.Errorf("directory: decode record %q: %w", key, err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (n *NatsStore) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

func (n *NatsStore) load(ctx context.Context, id string) (Record, uint64, error) {
	entry, err := n.kv.Get(ctx, natsKey(id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Record{}, 0, ErrNotFound
	}
	if err != nil {
		return Record{}, 0, unavailable("get "+id, err)
	}
	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return Record{}, 0, fmt.Errorf("directory: decode record %q: %w", id, err)
	}
	return rec, entry.Revision(), nil
}

// natsKey maps a device id onto the KV key charset. Ids outside it are
// base64url encoded under a separate prefix so the mapping stays injective.
func natsKey(id string) string {
	if natsKeySafe.MatchString(id) {
		return natsKeyPrefix + id
	}
	return natsEncodedPrefix + base64.RawURLEncoding.EncodeToString([]byte(id))
}

func isRevisionMismatch(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
