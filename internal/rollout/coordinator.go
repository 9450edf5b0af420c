// Package rollout applies firmware assignment transitions to the device
// directory and notifies the affected connections.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgerelay/internal/directory"
	"github.com/danmuck/edgerelay/internal/fanout"
	"github.com/danmuck/edgerelay/internal/logging"
	"github.com/danmuck/edgerelay/internal/observability"
	"github.com/danmuck/edgerelay/internal/protocol"
	"github.com/rs/zerolog"
)

// ScopeAll broadcasts an assignment notice to every open connection.
const ScopeAll = "all"

var ErrInvalidAssignment = errors.New("rollout: invalid assignment")

// Transition labels used for metrics and logs.
const (
	TransitionAssign = "assign"
	TransitionClear  = "clear"
	TransitionAck    = "ack"
	TransitionCancel = "cancel"
)

// Sender is the fan-out capability the coordinator notifies through.
type Sender interface {
	Send(msg protocol.Outbound, to fanout.Target) (fanout.Result, error)
}

// Assignment is one firmware rollout request. Nil optional fields leave the
// stored values unchanged.
type Assignment struct {
	DeviceID string
	URL      string
	Version  *string
	SHA256   *string
	Size     *int64
	Scope    string
}

func (a Assignment) Validate() error {
	if strings.TrimSpace(a.DeviceID) == "" {
		return fmt.Errorf("%w: device id required", ErrInvalidAssignment)
	}
	if strings.TrimSpace(a.URL) == "" {
		return fmt.Errorf("%w: firmware url required", ErrInvalidAssignment)
	}
	if a.Size != nil && *a.Size < 0 {
		return fmt.Errorf("%w: size must not be negative", ErrInvalidAssignment)
	}
	return nil
}

func (a Assignment) normalized() Assignment {
	a.DeviceID = strings.TrimSpace(a.DeviceID)
	a.URL = strings.TrimSpace(a.URL)
	a.Scope = strings.TrimSpace(a.Scope)
	return a
}

// target broadcasts only for the exact scope "all".
func (a Assignment) target() fanout.Target {
	if a.Scope == ScopeAll {
		return fanout.All()
	}
	return fanout.Matching(a.DeviceID)
}

// Outcome is the persisted record plus the delivery summary of its notice.
type Outcome struct {
	Record   directory.Record
	Delivery fanout.Result
}

type Coordinator struct {
	store  directory.Store
	sender Sender
	now    func() time.Time
	log    zerolog.Logger
}

func NewCoordinator(store directory.Store, sender Sender) *Coordinator {
	return &Coordinator{
		store:  store,
		sender: sender,
		now:    time.Now,
		log:    logging.Component("rollout"),
	}
}

// Assign records a pending rollout and sends the ota notice. An invalid
// assignment never touches the directory.
func (c *Coordinator) Assign(ctx context.Context, a Assignment) (Outcome, error) {
	if err := a.Validate(); err != nil {
		return Outcome{}, err
	}
	a = a.normalized()
	deviceID := a.DeviceID
	if _, _, err := c.store.Upsert(ctx, deviceID, directory.DefaultRecord(deviceID)); err != nil {
		return Outcome{}, fmt.Errorf("rollout: assign %s: %w", deviceID, err)
	}

	uploadedAt := c.now()
	rec, err := c.store.Update(ctx, deviceID, directory.Patch{
		FirmwareURL:        directory.Ptr(a.URL),
		FirmwareVersion:    a.Version,
		FirmwareSHA256:     a.SHA256,
		FirmwareSize:       a.Size,
		FirmwareUploadedAt: &uploadedAt,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("rollout: assign %s: %w", deviceID, err)
	}
	observability.RecordRolloutTransition(TransitionAssign)

	to := a.target()
	res, err := c.sender.Send(OTANotice(rec), to)
	if err != nil {
		return Outcome{Record: rec}, fmt.Errorf("rollout: notify %s: %w", deviceID, err)
	}
	c.log.Info().
		Str("device_id", deviceID).
		Str("url", rec.FirmwareURL).
		Str("version", rec.FirmwareVersion).
		Str("target", to.String()).
		Int("delivered", res.Delivered).
		Msg("rollout.Coordinator.Assign")
	return Outcome{Record: rec, Delivery: res}, nil
}

// Clear empties the pending url only while it still equals observedURL.
// A newer assignment wins and is reported as directory.ErrConflict.
func (c *Coordinator) Clear(ctx context.Context, deviceID, observedURL string) (directory.Record, error) {
	patch := directory.ClearFirmwarePatch()
	patch.IfFirmwareURL = directory.Ptr(observedURL)
	rec, err := c.store.Update(ctx, deviceID, patch)
	if err != nil {
		return directory.Record{}, fmt.Errorf("rollout: clear %s: %w", deviceID, err)
	}
	observability.RecordRolloutTransition(TransitionClear)
	c.log.Info().Str("device_id", deviceID).Str("version", rec.FirmwareVersion).Msg("rollout.Coordinator.Clear")
	return rec, nil
}

// Acknowledge records version as running and clears any pending url.
func (c *Coordinator) Acknowledge(ctx context.Context, deviceID, version, sha256 string) (directory.Record, error) {
	if _, _, err := c.store.Upsert(ctx, deviceID, directory.DefaultRecord(deviceID)); err != nil {
		return directory.Record{}, fmt.Errorf("rollout: ack %s: %w", deviceID, err)
	}
	patch := directory.Patch{
		FirmwareURL:     directory.Ptr(""),
		FirmwareVersion: directory.Ptr(version),
	}
	if sha256 != "" {
		patch.FirmwareSHA256 = directory.Ptr(sha256)
	}
	rec, err := c.store.Update(ctx, deviceID, patch)
	if err != nil {
		return directory.Record{}, fmt.Errorf("rollout: ack %s: %w", deviceID, err)
	}
	observability.RecordRolloutTransition(TransitionAck)
	c.log.Info().Str("device_id", deviceID).Str("version", version).Msg("rollout.Coordinator.Acknowledge")
	return rec, nil
}

// Cancel drops a pending rollout regardless of its url.
func (c *Coordinator) Cancel(ctx context.Context, deviceID string) (directory.Record, error) {
	rec, err := c.store.ClearFirmware(ctx, deviceID)
	if err != nil {
		return directory.Record{}, fmt.Errorf("rollout: cancel %s: %w", deviceID, err)
	}
	observability.RecordRolloutTransition(TransitionCancel)
	c.log.Info().Str("device_id", deviceID).Msg("rollout.Coordinator.Cancel")
	return rec, nil
}
