package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Encode serializes one outbound message.
func Encode(msg Outbound) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrUnknownOutbound)
	}
	return json.Marshal(msg)
}

func NewOTANotice(deviceID, url, version, sha256 string, size int64) OTANotice {
	return OTANotice{
		Event:    EventOTA,
		DeviceID: deviceID,
		URL:      url,
		Version:  version,
		SHA256:   sha256,
		Size:     size,
	}
}

func NewAckNotice(deviceID, version string) AckNotice {
	return AckNotice{Event: EventOTAAck, DeviceID: deviceID, Version: version}
}

// NewTelemetryNotice builds the fan-out payload for sample. A sample without
// a device timestamp is stamped with receivedAt in unix milliseconds.
func NewTelemetryNotice(sample Telemetry, receivedAt time.Time) TelemetryNotice {
	ts := sample.Timestamp
	if len(ts) == 0 {
		ts = json.RawMessage(fmt.Sprintf("%d", receivedAt.UnixMilli()))
	}
	return TelemetryNotice{
		Event:     EventTelemetry,
		DeviceID:  sample.DeviceID,
		Weight:    sample.WeightKG,
		Timestamp: ts,
	}
}

func NewTareCommand(at time.Time) CommandNotice {
	return CommandNotice{Event: EventCommand, Cmd: CommandTare, TS: at.UnixMilli()}
}

// PeekEvent returns the event discriminator of an outbound frame.
func PeekEvent(raw []byte) (string, error) {
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return head.Event, nil
}

// DecodeOutbound parses a relay->socket frame into its concrete type.
func DecodeOutbound(raw []byte) (Outbound, error) {
	event, err := PeekEvent(raw)
	if err != nil {
		return nil, err
	}
	switch event {
	case EventConfig:
		return decodeAs[ConfigNotice](raw)
	case EventOTA:
		return decodeAs[OTANotice](raw)
	case EventOTAAck:
		return decodeAs[AckNotice](raw)
	case EventTelemetry:
		return decodeAs[TelemetryNotice](raw)
	case EventCommand:
		return decodeAs[CommandNotice](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOutbound, event)
	}
}

func decodeAs[T Outbound](raw []byte) (Outbound, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}
