package protocol

import "encoding/json"

// Inbound event discriminators.
const (
	EventHello         = "hello"
	EventOTAAck        = "ota_ack"
	EventConfigRequest = "cfg"
)

// Outbound event discriminators.
const (
	EventConfig    = "config"
	EventOTA       = "ota"
	EventTelemetry = "telemetry"
	EventCommand   = "cmd"
)

const CommandTare = "tare"

// Kind classifies one decoded inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindHello
	KindOTAAck
	KindTelemetry
	KindConfigRequest
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindOTAAck:
		return "ota_ack"
	case KindTelemetry:
		return "telemetry"
	case KindConfigRequest:
		return "cfg"
	default:
		return "unknown"
	}
}

// Inbound is one classified device frame.
type Inbound interface {
	Kind() Kind
	Device() string
}

// Hello binds a connection to a device identifier.
type Hello struct {
	DeviceID string
	Version  string
}

// OTAAck reports the firmware version a device is now running.
type OTAAck struct {
	DeviceID string
	Version  string
	SHA256   string
}

// WeightUnit records which telemetry field carried the reading.
type WeightUnit string

const (
	UnitWeight    WeightUnit = "weight"
	UnitKilograms WeightUnit = "kg"
	UnitGrams     WeightUnit = "grams"
)

// Telemetry is one weight sample normalized to kilograms.
type Telemetry struct {
	DeviceID string
	WeightKG float64
	Unit     WeightUnit
	// Timestamp is the device-supplied timestamp, verbatim. Nil when absent.
	Timestamp json.RawMessage
}

// ConfigRequest asks for the device's current configuration.
type ConfigRequest struct {
	DeviceID string
}

// Unknown is any frame that matched no known shape.
type Unknown struct {
	Event    string
	DeviceID string
}

func (Hello) Kind() Kind         { return KindHello }
func (OTAAck) Kind() Kind        { return KindOTAAck }
func (Telemetry) Kind() Kind     { return KindTelemetry }
func (ConfigRequest) Kind() Kind { return KindConfigRequest }
func (Unknown) Kind() Kind       { return KindUnknown }

func (m Hello) Device() string         { return m.DeviceID }
func (m OTAAck) Device() string        { return m.DeviceID }
func (m Telemetry) Device() string     { return m.DeviceID }
func (m ConfigRequest) Device() string { return m.DeviceID }
func (m Unknown) Device() string       { return m.DeviceID }

// Outbound is one relay->socket message.
type Outbound interface {
	EventName() string
}

// ConfigNotice carries device settings and, optionally, its firmware state.
type ConfigNotice struct {
	Event           string  `json:"event"`
	DeviceID        string  `json:"deviceId"`
	SecondsToRead   int     `json:"secondsToRead"`
	Threshold       float64 `json:"threshold"`
	Enabled         bool    `json:"enabled"`
	FirmwareURL     string  `json:"firmwareUrl,omitempty"`
	FirmwareVersion string  `json:"firmwareVersion,omitempty"`
	FirmwareSHA256  string  `json:"firmwareSha256,omitempty"`
}

// OTANotice tells a device to fetch a firmware image.
type OTANotice struct {
	Event    string `json:"event"`
	DeviceID string `json:"deviceId"`
	URL      string `json:"url"`
	Version  string `json:"version"`
	SHA256   string `json:"firmwareSha256"`
	Size     int64  `json:"firmwareSize,omitempty"`
}

// AckNotice confirms a device already runs its assigned version.
type AckNotice struct {
	Event    string `json:"event"`
	DeviceID string `json:"deviceId"`
	Version  string `json:"version"`
}

// TelemetryNotice is the fan-out shape of one sample.
type TelemetryNotice struct {
	Event     string          `json:"event"`
	DeviceID  string          `json:"deviceId"`
	Weight    float64         `json:"weight"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// CommandNotice is an operator command addressed to a device.
type CommandNotice struct {
	Event string `json:"event"`
	Cmd   string `json:"cmd"`
	TS    int64  `json:"ts"`
}

func (ConfigNotice) EventName() string    { return EventConfig }
func (OTANotice) EventName() string       { return EventOTA }
func (AckNotice) EventName() string       { return EventOTAAck }
func (TelemetryNotice) EventName() string { return EventTelemetry }
func (CommandNotice) EventName() string   { return EventCommand }
