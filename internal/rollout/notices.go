package rollout

import (
	"github.com/danmuck/edgerelay/internal/directory"
	"github.com/danmuck/edgerelay/internal/protocol"
)

// OTANotice announces the pending assignment held by rec.
func OTANotice(rec directory.Record) protocol.OTANotice {
	return protocol.NewOTANotice(rec.DeviceID, rec.FirmwareURL, rec.FirmwareVersion, rec.FirmwareSHA256, rec.FirmwareSize)
}

// ConfigNotice carries the settings of rec. Firmware fields are included
// when set.
func ConfigNotice(rec directory.Record) protocol.ConfigNotice {
	return protocol.ConfigNotice{
		Event:           protocol.EventConfig,
		DeviceID:        rec.DeviceID,
		SecondsToRead:   rec.SecondsToRead,
		Threshold:       rec.Threshold,
		Enabled:         rec.Enabled,
		FirmwareURL:     rec.FirmwareURL,
		FirmwareVersion: rec.FirmwareVersion,
		FirmwareSHA256:  rec.FirmwareSHA256,
	}
}
