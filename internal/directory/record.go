package directory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultSecondsToRead = 30
	DefaultThreshold     = 0.05
)

var (
	ErrNotFound     = errors.New("directory: device not found")
	ErrConflict     = errors.New("directory: precondition failed")
	ErrUnavailable  = errors.New("directory: store unavailable")
	ErrInvalidID    = errors.New("directory: invalid device id")
	ErrInvalidPatch = errors.New("directory: invalid patch")
)

// Record is the durable configuration and firmware assignment of one device.
// A non-empty FirmwareURL means a rollout is pending.
type Record struct {
	DeviceID           string    `json:"deviceId"`
	SecondsToRead      int       `json:"secondsToRead"`
	Threshold          float64   `json:"threshold"`
	Enabled            bool      `json:"enabled"`
	FirmwareURL        string    `json:"firmwareUrl"`
	FirmwareVersion    string    `json:"firmwareVersion"`
	FirmwareSHA256     string    `json:"firmwareSha256"`
	FirmwareSize       int64     `json:"firmwareSize"`
	FirmwareUploadedAt time.Time `json:"firmwareUploadedAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// DefaultRecord is the record created for a device seen for the first time.
func DefaultRecord(deviceID string) Record {
	return Record{
		DeviceID:      deviceID,
		SecondsToRead: DefaultSecondsToRead,
		Threshold:     DefaultThreshold,
		Enabled:       true,
	}
}

// Pending reports whether a firmware rollout is outstanding.
func (r Record) Pending() bool {
	return r.FirmwareURL != ""
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	SecondsToRead      *int
	Threshold          *float64
	Enabled            *bool
	FirmwareURL        *string
	FirmwareVersion    *string
	FirmwareSHA256     *string
	FirmwareSize       *int64
	FirmwareUploadedAt *time.Time

	// IfFirmwareURL, when set, makes the patch apply only while the stored
	// FirmwareURL still equals it. Otherwise Apply returns ErrConflict.
	IfFirmwareURL *string
}

// ClearFirmwarePatch empties the pending firmware url and nothing else.
func ClearFirmwarePatch() Patch {
	return Patch{FirmwareURL: Ptr("")}
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// Validate rejects settings no device can run with.
func (p Patch) Validate() error {
	if p.SecondsToRead != nil && *p.SecondsToRead <= 0 {
		return fmt.Errorf("%w: secondsToRead must be positive", ErrInvalidPatch)
	}
	if p.Threshold != nil && *p.Threshold < 0 {
		return fmt.Errorf("%w: threshold must not be negative", ErrInvalidPatch)
	}
	if p.FirmwareSize != nil && *p.FirmwareSize < 0 {
		return fmt.Errorf("%w: firmwareSize must not be negative", ErrInvalidPatch)
	}
	return nil
}

// Apply returns rec with p applied and UpdatedAt stamped with now.
func (p Patch) Apply(rec Record, now time.Time) (Record, error) {
	if err := p.Validate(); err != nil {
		return Record{}, err
	}
	if p.IfFirmwareURL != nil && rec.FirmwareURL != *p.IfFirmwareURL {
		return Record{}, fmt.Errorf("%w: firmwareUrl is %q, expected %q", ErrConflict, rec.FirmwareURL, *p.IfFirmwareURL)
	}
	if p.SecondsToRead != nil {
		rec.SecondsToRead = *p.SecondsToRead
	}
	if p.Threshold != nil {
		rec.Threshold = *p.Threshold
	}
	if p.Enabled != nil {
		rec.Enabled = *p.Enabled
	}
	if p.FirmwareURL != nil {
		rec.FirmwareURL = *p.FirmwareURL
	}
	if p.FirmwareVersion != nil {
		rec.FirmwareVersion = *p.FirmwareVersion
	}
	if p.FirmwareSHA256 != nil {
		rec.FirmwareSHA256 = *p.FirmwareSHA256
	}
	if p.FirmwareSize != nil {
		rec.FirmwareSize = *p.FirmwareSize
	}
	if p.FirmwareUploadedAt != nil {
		rec.FirmwareUploadedAt = *p.FirmwareUploadedAt
	}
	rec.UpdatedAt = now
	return rec, nil
}

func normalizeID(deviceID string) (string, error) {
	id := strings.TrimSpace(deviceID)
	if id == "" {
		return "", ErrInvalidID
	}
	return id, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
