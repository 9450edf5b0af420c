package relay

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/edgerelay/internal/directory"
	"github.com/danmuck/edgerelay/internal/fanout"
	"github.com/danmuck/edgerelay/internal/logging"
	"github.com/danmuck/edgerelay/internal/observability"
	"github.com/danmuck/edgerelay/internal/protocol"
	"github.com/danmuck/edgerelay/internal/registry"
	"github.com/danmuck/edgerelay/internal/rollout"
	"github.com/rs/zerolog"
)

// Handler dispatches decoded device frames. It holds no per-connection
// state beyond the device binding kept in the registry.
type Handler struct {
	registry    *registry.Registry
	store       directory.Store
	coordinator *rollout.Coordinator
	sender      rollout.Sender
	now         func() time.Time
	log         zerolog.Logger
}

func NewHandler(reg *registry.Registry, store directory.Store, coord *rollout.Coordinator, sender rollout.Sender) *Handler {
	return &Handler{
		registry:    reg,
		store:       store,
		coordinator: coord,
		sender:      sender,
		now:         time.Now,
		log:         logging.Component("relay"),
	}
}

// Handle processes one frame received on handle. Malformed frames, unknown
// events and directory failures end the dispatch without a reply.
func (h *Handler) Handle(ctx context.Context, handle registry.Handle, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		observability.RecordSessionMessage("malformed")
		h.log.Debug().Err(err).Str("handle", string(handle)).Msg("relay.Handler.Handle dropped frame")
		return
	}
	observability.RecordSessionMessage(msg.Kind().String())

	switch m := msg.(type) {
	case protocol.Hello:
		h.onHello(ctx, handle, m)
	case protocol.OTAAck:
		h.onOTAAck(ctx, handle, m)
	case protocol.Telemetry:
		h.onTelemetry(handle, m)
	case protocol.ConfigRequest:
		h.onConfigRequest(ctx, handle, m)
	case protocol.Unknown:
		h.log.Debug().
			Str("handle", string(handle)).
			Str("event", m.Event).
			Str("device_id", m.DeviceID).
			Msg("relay.Handler.Handle ignored event")
	}
}

func (h *Handler) onHello(ctx context.Context, handle registry.Handle, m protocol.Hello) {
	if !h.registry.Bind(handle, m.DeviceID) {
		return
	}
	h.log.Info().
		Str("handle", string(handle)).
		Str("device_id", m.DeviceID).
		Str("version", m.Version).
		Msg("relay.Handler.onHello announced")

	rec, _, err := h.store.Upsert(ctx, m.DeviceID, directory.DefaultRecord(m.DeviceID))
	if err != nil {
		h.log.Warn().Err(err).Str("device_id", m.DeviceID).Msg("relay.Handler.onHello directory upsert failed")
		return
	}
	rec, err = h.reconcileFirmware(ctx, handle, m, rec)
	if err != nil {
		h.log.Warn().Err(err).Str("device_id", m.DeviceID).Msg("relay.Handler.onHello firmware reconcile failed")
		return
	}
	h.reply(handle, rollout.ConfigNotice(rec))
}

// reconcileFirmware compares the announced version with a pending
// assignment. A matching version clears the assignment and is acknowledged;
// any other version is told to fetch the pending image. A clear that loses
// the race re-reads the record: a newer assignment is announced, an
// assignment already acknowledged at this version is still acknowledged.
func (h *Handler) reconcileFirmware(ctx context.Context, handle registry.Handle, m protocol.Hello, rec directory.Record) (directory.Record, error) {
	if !rec.Pending() {
		return rec, nil
	}
	if m.Version == "" || m.Version != rec.FirmwareVersion {
		h.reply(handle, rollout.OTANotice(rec))
		return rec, nil
	}

	cleared, err := h.coordinator.Clear(ctx, m.DeviceID, rec.FirmwareURL)
	if err == nil {
		h.reply(handle, protocol.NewAckNotice(m.DeviceID, m.Version))
		return cleared, nil
	}
	if !errors.Is(err, directory.ErrConflict) {
		return directory.Record{}, err
	}

	fresh, found, err := h.store.Get(ctx, m.DeviceID)
	if err != nil {
		return directory.Record{}, err
	}
	if !found {
		return directory.DefaultRecord(m.DeviceID), nil
	}
	h.log.Info().
		Str("device_id", m.DeviceID).
		Str("observed_url", rec.FirmwareURL).
		Str("current_url", fresh.FirmwareURL).
		Msg("relay.Handler.reconcileFirmware superseded")
	switch {
	case fresh.Pending():
		h.reply(handle, rollout.OTANotice(fresh))
	case fresh.FirmwareVersion == m.Version:
		// An ota_ack cleared the same assignment first.
		h.reply(handle, protocol.NewAckNotice(m.DeviceID, m.Version))
	}
	return fresh, nil
}

func (h *Handler) onOTAAck(ctx context.Context, handle registry.Handle, m protocol.OTAAck) {
	if _, err := h.coordinator.Acknowledge(ctx, m.DeviceID, m.Version, m.SHA256); err != nil {
		h.log.Warn().
			Err(err).
			Str("handle", string(handle)).
			Str("device_id", m.DeviceID).
			Msg("relay.Handler.onOTAAck failed")
	}
}

func (h *Handler) onTelemetry(handle registry.Handle, m protocol.Telemetry) {
	notice := protocol.NewTelemetryNotice(m, h.now())
	if _, err := h.sender.Send(notice, fanout.Excluding(handle)); err != nil {
		h.log.Warn().Err(err).Str("device_id", m.DeviceID).Msg("relay.Handler.onTelemetry send failed")
	}
}

// onConfigRequest answers with defaults for unknown devices without
// creating a record.
func (h *Handler) onConfigRequest(ctx context.Context, handle registry.Handle, m protocol.ConfigRequest) {
	rec, found, err := h.store.Get(ctx, m.DeviceID)
	if err != nil {
		h.log.Warn().Err(err).Str("device_id", m.DeviceID).Msg("relay.Handler.onConfigRequest directory get failed")
		return
	}
	if !found {
		rec = directory.DefaultRecord(m.DeviceID)
	}
	h.reply(handle, rollout.ConfigNotice(rec))
}

func (h *Handler) reply(handle registry.Handle, msg protocol.Outbound) {
	if _, err := h.sender.Send(msg, fanout.Only(handle)); err != nil {
		h.log.Warn().Err(err).Str("handle", string(handle)).Str("event", msg.EventName()).Msg("relay.Handler.reply failed")
	}
}
