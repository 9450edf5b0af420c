package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type fieldSet map[string]json.RawMessage

// Decode classifies one inbound frame. Shapes are tried in a fixed order:
// hello, ota_ack, telemetry (by shape, no event needed), cfg. Anything else
// is returned as Unknown. Unparseable bodies and known events missing a
// required field return an error wrapping ErrMalformed or ErrMissingField.
func Decode(raw []byte) (Inbound, error) {
	var fields fieldSet
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: null body", ErrMalformed)
	}

	event, _ := fields.text("event")
	switch event {
	case EventHello:
		return decodeHello(fields)
	case EventOTAAck:
		return decodeOTAAck(fields)
	}
	if sample, ok := matchTelemetry(fields); ok {
		return sample, nil
	}
	if event == EventConfigRequest {
		return decodeConfigRequest(fields)
	}
	deviceID, _ := fields.deviceID()
	return Unknown{Event: event, DeviceID: deviceID}, nil
}

func decodeHello(fields fieldSet) (Inbound, error) {
	deviceID, ok := fields.deviceID()
	if !ok {
		return nil, fmt.Errorf("%w: hello.deviceId", ErrMissingField)
	}
	version, _ := fields.text("version")
	return Hello{DeviceID: deviceID, Version: version}, nil
}

func decodeOTAAck(fields fieldSet) (Inbound, error) {
	deviceID, ok := fields.deviceID()
	if !ok {
		return nil, fmt.Errorf("%w: ota_ack.deviceId", ErrMissingField)
	}
	version, ok := fields.text("version")
	if !ok {
		return nil, fmt.Errorf("%w: ota_ack.version", ErrMissingField)
	}
	sha, ok := fields.text("sha")
	if !ok {
		sha, _ = fields.text("firmwareSha256")
	}
	return OTAAck{DeviceID: deviceID, Version: version, SHA256: sha}, nil
}

func decodeConfigRequest(fields fieldSet) (Inbound, error) {
	deviceID, ok := fields.deviceID()
	if !ok {
		return nil, fmt.Errorf("%w: cfg.deviceId", ErrMissingField)
	}
	return ConfigRequest{DeviceID: deviceID}, nil
}

// matchTelemetry recognizes a sample by a device id plus one numeric weight
// field, checked as weight, kg, grams. Lower-priority fields are ignored.
func matchTelemetry(fields fieldSet) (Telemetry, bool) {
	deviceID, ok := fields.deviceID()
	if !ok {
		return Telemetry{}, false
	}
	sample := Telemetry{DeviceID: deviceID}
	if v, ok := fields.number("weight"); ok {
		sample.WeightKG, sample.Unit = v, UnitWeight
	} else if v, ok := fields.number("kg"); ok {
		sample.WeightKG, sample.Unit = v, UnitKilograms
	} else if v, ok := fields.number("grams"); ok {
		sample.WeightKG, sample.Unit = GramsToKilograms(v), UnitGrams
	} else {
		return Telemetry{}, false
	}
	if ts, ok := fields.present("timestamp"); ok {
		sample.Timestamp = append(json.RawMessage(nil), ts...)
	}
	return sample, true
}

// GramsToKilograms converts a gram reading to kilograms.
func GramsToKilograms(grams float64) float64 {
	return grams / 1000
}

// deviceID reads deviceId, falling back to the long form deviceIdentifier.
func (f fieldSet) deviceID() (string, bool) {
	if id, ok := f.text("deviceId"); ok {
		return id, true
	}
	return f.text("deviceIdentifier")
}

func (f fieldSet) present(key string) (json.RawMessage, bool) {
	raw, ok := f[key]
	if !ok {
		return nil, false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	return raw, true
}

// text accepts a non-empty JSON string, or a JSON number as its literal text.
func (f fieldSet) text(key string) (string, bool) {
	raw, ok := f.present(key)
	if !ok {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	if isNumberLiteral(raw) {
		return string(raw), true
	}
	return "", false
}

func (f fieldSet) number(key string) (float64, bool) {
	raw, ok := f.present(key)
	if !ok || !isNumberLiteral(raw) {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

func isNumberLiteral(raw json.RawMessage) bool {
	c := raw[0]
	return c == '-' || (c >= '0' && c <= '9')
}
