package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS edgerelay_devices (
	device_id            TEXT PRIMARY KEY,
	seconds_to_read      INTEGER NOT NULL,
	threshold            DOUBLE PRECISION NOT NULL,
	enabled              BOOLEAN NOT NULL,
	firmware_url         TEXT NOT NULL DEFAULT '',
	firmware_version     TEXT NOT NULL DEFAULT '',
	firmware_sha256      TEXT NOT NULL DEFAULT '',
	firmware_size        BIGINT NOT NULL DEFAULT 0,
	firmware_uploaded_at TIMESTAMPTZ,
	updated_at           TIMESTAMPTZ NOT NULL
)`

const postgresColumns = `device_id, seconds_to_read, threshold, enabled, firmware_url,
	firmware_version, firmware_sha256, firmware_size, firmware_uploaded_at, updated_at`

// PostgresStore keeps device records in one table. Updates lock the row for
// the duration of the read-modify-write.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("directory: postgres dsn required")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("directory: parse postgres dsn: %w", err)
	}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = make(map[string]string)
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "edgerelay"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, unavailable("connect postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping postgres", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, unavailable("ensure schema", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (p *PostgresStore) Get(ctx context.Context, deviceID string) (Record, bool, error) {
	id, err := normalizeID(deviceID)
	if err != nil {
		return Record{}, false, err
	}
	rec, err := scanRecord(p.pool.QueryRow(ctx,
		`SELECT `+postgresColumns+` FROM edgerelay_devices WHERE device_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, unavailable("get "+id, err)
	}
	return rec, true, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, deviceID string, defaults Record) (Record, bool, error) {
	id, err := normalizeID(deviceID)
	if err != nil {
		return Record{}, false, err
	}
	defaults.DeviceID = id
	defaults.UpdatedAt = p.now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO edgerelay_devices (`+postgresColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (device_id) DO NOTHING`, recordArgs(defaults)...)
	if err != nil {
		return Record{}, false, unavailable("upsert "+id, err)
	}
	rec, found, err := p.Get(ctx, id)
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		return Record{}, false, ErrNotFound
	}
	return rec, tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) Update(ctx context.Context, deviceID string, patch Patch) (Record, error) {
	id, err := normalizeID(deviceID)
	if err != nil {
		return Record{}, err
	}
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, unavailable("begin "+id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+postgresColumns+` FROM edgerelay_devices WHERE device_id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, unavailable("lock "+id, err)
	}
	next, err := patch.Apply(rec, p.now())
	if err != nil {
		return Record{}, err
	}
	if _, err := tx.Exec(ctx, `
UPDATE edgerelay_devices SET
	seconds_to_read = $2, threshold = $3, enabled = $4, firmware_url = $5,
	firmware_version = $6, firmware_sha256 = $7, firmware_size = $8,
	firmware_uploaded_at = $9, updated_at = $10
WHERE device_id = $1`, recordArgs(next)...); err != nil {
		return Record{}, unavailable("update "+id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, unavailable("commit "+id, err)
	}
	return next, nil
}

func (p *PostgresStore) ClearFirmware(ctx context.Context, deviceID string) (Record, error) {
	return p.Update(ctx, deviceID, ClearFirmwarePatch())
}

func (p *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+postgresColumns+` FROM edgerelay_devices ORDER BY device_id`)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("scan", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return out, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec        Record
		uploadedAt *time.Time
	)
	err := row.Scan(
		&rec.DeviceID,
		&rec.SecondsToRead,
		&rec.Threshold,
		&rec.Enabled,
		&rec.FirmwareURL,
		&rec.FirmwareVersion,
		&rec.FirmwareSHA256,
		&rec.FirmwareSize,
		&uploadedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	if uploadedAt != nil {
		rec.FirmwareUploadedAt = *uploadedAt
	}
	return rec, nil
}

func recordArgs(rec Record) []any {
	var uploadedAt *time.Time
	if !rec.FirmwareUploadedAt.IsZero() {
		uploadedAt = &rec.FirmwareUploadedAt
	}
	return []any{
		rec.DeviceID,
		rec.SecondsToRead,
		rec.Threshold,
		rec.Enabled,
		rec.FirmwareURL,
		rec.FirmwareVersion,
		rec.FirmwareSHA256,
		rec.FirmwareSize,
		uploadedAt,
		rec.UpdatedAt,
	}
}
