// Package relay terminates device and observer WebSocket sessions.
//
// Each connection gets one read goroutine, which decodes frames and hands
// them to Handler strictly in arrival order, and one write goroutine, which
// drains a bounded send queue. Handler implements the hello, ota_ack,
// telemetry and cfg sub-protocols on top of the registry, the device
// directory, the rollout coordinator and the fan-out broadcaster.
package relay
