// Package protocol owns the device socket wire contract.
//
// Ownership boundary:
// - inbound frame classification (hello, ota_ack, telemetry, cfg)
// - outbound message shapes (config, ota, ota_ack, telemetry, cmd)
// - unit normalization for telemetry weights
//
// Frames are JSON objects. Inbound frames carry an "event" discriminator,
// except telemetry, which is recognized by shape.
package protocol
