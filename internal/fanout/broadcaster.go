// Package fanout delivers one outbound message to a filtered subset of the
// open connections held by a registry.
package fanout

import (
	"fmt"

	"github.com/danmuck/edgerelay/internal/logging"
	"github.com/danmuck/edgerelay/internal/observability"
	"github.com/danmuck/edgerelay/internal/protocol"
	"github.com/danmuck/edgerelay/internal/registry"
	"github.com/rs/zerolog"
)

type targetKind int

const (
	targetAll targetKind = iota
	targetMatching
	targetExcluding
	targetOnly
)

// Target selects the recipients of one Send.
type Target struct {
	kind     targetKind
	deviceID string
	handle   registry.Handle
}

// All selects every open connection.
func All() Target { return Target{kind: targetAll} }

// Matching selects open connections bound to deviceID.
func Matching(deviceID string) Target {
	return Target{kind: targetMatching, deviceID: deviceID}
}

// Excluding selects every open connection except h.
func Excluding(h registry.Handle) Target {
	return Target{kind: targetExcluding, handle: h}
}

// Only selects h, if it is still open.
func Only(h registry.Handle) Target {
	return Target{kind: targetOnly, handle: h}
}

func (t Target) predicate() func(registry.Session) bool {
	switch t.kind {
	case targetMatching:
		return registry.DeviceIs(t.deviceID)
	case targetExcluding:
		return registry.Not(t.handle)
	case targetOnly:
		return registry.Is(t.handle)
	default:
		return nil
	}
}

func (t Target) String() string {
	switch t.kind {
	case targetMatching:
		return "matching:" + t.deviceID
	case targetExcluding:
		return "excluding:" + string(t.handle)
	case targetOnly:
		return "only:" + string(t.handle)
	default:
		return "all"
	}
}

// Result summarizes one Send.
type Result struct {
	Matched   int
	Delivered int
	Failed    int
}

// Broadcaster writes messages to registry sessions.
type Broadcaster struct {
	registry *registry.Registry
	log      zerolog.Logger
}

func NewBroadcaster(reg *registry.Registry) *Broadcaster {
	return &Broadcaster{
		registry: reg,
		log:      logging.Component("fanout"),
	}
}

// Send encodes msg once and writes it to every session selected by to.
// A failed write is logged and counted; it never stops delivery to the
// remaining recipients. Only an encode failure is returned.
func (b *Broadcaster) Send(msg protocol.Outbound, to Target) (Result, error) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return Result{}, fmt.Errorf("fanout: encode %s: %w", eventName(msg), err)
	}
	event := msg.EventName()

	var res Result
	b.registry.ForEach(to.predicate(), func(s registry.Session) {
		res.Matched++
		if err := s.Conn.Send(payload); err != nil {
			res.Failed++
			observability.RecordDelivery(event, false)
			b.log.Warn().
				Err(err).
				Str("event", event).
				Str("handle", string(s.Handle)).
				Str("device_id", s.DeviceID).
				Str("remote", s.Conn.RemoteAddr()).
				Msg("fanout.Broadcaster.Send write failed")
			return
		}
		res.Delivered++
		observability.RecordDelivery(event, true)
	})

	b.log.Debug().
		Str("event", event).
		Str("target", to.String()).
		Int("matched", res.Matched).
		Int("delivered", res.Delivered).
		Int("failed", res.Failed).
		Msg("fanout.Broadcaster.Send")
	return res, nil
}

func eventName(msg protocol.Outbound) string {
	if msg == nil {
		return "<nil>"
	}
	return msg.EventName()
}
