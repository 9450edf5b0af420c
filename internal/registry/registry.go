// Package registry owns the set of live device and observer connections.
//
// The registry is the only holder of the connection set. Callers never see
// the underlying map; they iterate through ForEach with a predicate, and the
// liveness of each connection is checked at iteration time.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is the opaque identity of one registered connection.
type Handle string

// NewHandle returns a fresh random handle.
func NewHandle() Handle {
	return Handle(uuid.NewString())
}

// Conn is one duplex channel that can be written to.
type Conn interface {
	Send(payload []byte) error
	Open() bool
	Close() error
	RemoteAddr() string
}

// State is the session lifecycle of one connection.
type State string

const (
	StateUnannounced State = "unannounced"
	StateAnnounced   State = "announced"
	StateClosed      State = "closed"
)

// Session is a point-in-time view of one registered connection.
type Session struct {
	Handle      Handle
	DeviceID    string
	Conn        Conn
	ConnectedAt time.Time
}

type entry struct {
	conn        Conn
	deviceID    string
	connectedAt time.Time
}

// Registry tracks live connections by handle.
type Registry struct {
	mu      sync.RWMutex
	entries map[Handle]*entry
	now     func() time.Time
}

func New() *Registry {
	return &Registry{
		entries: make(map[Handle]*entry),
		now:     time.Now,
	}
}

// Register adds conn and returns its handle.
func (r *Registry) Register(conn Conn) Handle {
	h := NewHandle()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[h] = &entry{conn: conn, connectedAt: r.now()}
	return h
}

// Bind tags h with deviceID. Rebinding overwrites silently; several handles
// may carry the same device id. Returns false when h is not registered.
func (r *Registry) Bind(h Handle, deviceID string) bool {
	deviceID = strings.TrimSpace(deviceID)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return false
	}
	e.deviceID = deviceID
	return true
}

// Release drops h from the registry. Release of an unknown handle is a no-op.
func (r *Registry) Release(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, h)
}

// Lookup returns the session for h if it is still registered.
func (r *Registry) Lookup(h Handle) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[h]
	if !ok {
		return Session{}, false
	}
	return e.session(h), true
}

// State reports the lifecycle state of h.
func (r *Registry) State(h Handle) State {
	s, ok := r.Lookup(h)
	if !ok || !s.Conn.Open() {
		return StateClosed
	}
	if s.DeviceID == "" {
		return StateUnannounced
	}
	return StateAnnounced
}

// ForEach calls fn for every open session accepted by pred. A nil pred
// accepts all. fn runs outside the registry lock.
func (r *Registry) ForEach(pred func(Session) bool, fn func(Session)) {
	for _, s := range r.snapshot() {
		if !s.Conn.Open() {
			continue
		}
		if pred != nil && !pred(s) {
			continue
		}
		fn(s)
	}
}

// Snapshot returns all registered sessions that are open, ordered by connect time.
func (r *Registry) Snapshot() []Session {
	out := make([]Session, 0)
	r.ForEach(nil, func(s Session) {
		out = append(out, s)
	})
	return out
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	n := 0
	r.ForEach(nil, func(Session) { n++ })
	return n
}

// CloseAll closes and releases every registered connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.entries))
	for h, e := range r.entries {
		conns = append(conns, e.conn)
		delete(r.entries, h)
	}
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (r *Registry) snapshot() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.entries))
	for h, e := range r.entries {
		out = append(out, e.session(h))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].Handle < out[j].Handle
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (e *entry) session(h Handle) Session {
	return Session{
		Handle:      h,
		DeviceID:    e.deviceID,
		Conn:        e.conn,
		ConnectedAt: e.connectedAt,
	}
}

// DeviceIs matches sessions bound to deviceID.
func DeviceIs(deviceID string) func(Session) bool {
	return func(s Session) bool {
		return s.DeviceID != "" && s.DeviceID == deviceID
	}
}

// Not excludes the session with handle h.
func Not(h Handle) func(Session) bool {
	return func(s Session) bool {
		return s.Handle != h
	}
}

// Is matches only the session with handle h.
func Is(h Handle) func(Session) bool {
	return func(s Session) bool {
		return s.Handle == h
	}
}
