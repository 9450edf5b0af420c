package config

import (
	"strings"

	"github.com/danmuck/edgerelay/internal/directory"
)

// DeviceRecords converts seed entries into directory records.
func DeviceRecords(entries []DeviceEntry) []directory.Record {
	recs := make([]directory.Record, 0, len(entries))
	for _, entry := range entries {
		id := strings.TrimSpace(entry.ID)
		rec := directory.DefaultRecord(id)
		if entry.SecondsToRead != nil {
			rec.SecondsToRead = *entry.SecondsToRead
		}
		if entry.Threshold != nil {
			rec.Threshold = *entry.Threshold
		}
		if entry.Enabled != nil {
			rec.Enabled = *entry.Enabled
		}
		rec.FirmwareURL = strings.TrimSpace(entry.FirmwareURL)
		rec.FirmwareVersion = strings.TrimSpace(entry.FirmwareVersion)
		rec.FirmwareSHA256 = strings.TrimSpace(entry.FirmwareSHA256)
		rec.FirmwareSize = entry.FirmwareSize
		recs = append(recs, rec)
	}
	return recs
}
