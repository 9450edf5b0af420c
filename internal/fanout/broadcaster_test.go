package fanout

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgerelay/internal/protocol"
	"github.com/danmuck/edgerelay/internal/registry"
	"github.com/danmuck/edgerelay/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	mu      sync.Mutex
	open    bool
	failErr error
	frames  [][]byte
}

func newConn() *recordingConn { return &recordingConn{open: true} }

func (c *recordingConn) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	c.frames = append(c.frames, p)
	return nil
}

func (c *recordingConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

func (c *recordingConn) RemoteAddr() string { return "test" }

func (c *recordingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestSendAllSkipsClosed(t *testing.T) {
	testlog.Start(t)
	reg := registry.New()
	a, b, closed := newConn(), newConn(), newConn()
	reg.Register(a)
	reg.Register(b)
	reg.Register(closed)
	_ = closed.Close()

	res, err := NewBroadcaster(reg).Send(protocol.NewTareCommand(time.Now()), All())
	require.NoError(t, err)
	assert.Equal(t, Result{Matched: 2, Delivered: 2}, res)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 0, closed.count())
}

func TestSendMatchingDevice(t *testing.T) {
	testlog.Start(t)
	reg := registry.New()
	dev1, dev2, observer := newConn(), newConn(), newConn()
	reg.Bind(reg.Register(dev1), "dev-1")
	reg.Bind(reg.Register(dev2), "dev-2")
	reg.Register(observer)

	res, err := NewBroadcaster(reg).Send(protocol.NewOTANotice("dev-1", "http://x/fw.bin", "2.0", "", 0), Matching("dev-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, dev1.count())
	assert.Zero(t, dev2.count())
	assert.Zero(t, observer.count())

	res, err = NewBroadcaster(reg).Send(protocol.NewTareCommand(time.Now()), Matching("dev-9"))
	require.NoError(t, err)
	assert.Zero(t, res.Matched)
}

func TestSendExcludingOrigin(t *testing.T) {
	testlog.Start(t)
	reg := registry.New()
	origin, peer, observer := newConn(), newConn(), newConn()
	ho := reg.Register(origin)
	reg.Bind(ho, "dev-1")
	reg.Bind(reg.Register(peer), "dev-2")
	reg.Register(observer)

	notice := protocol.NewTelemetryNotice(protocol.Telemetry{DeviceID: "dev-1", WeightKG: 2.5}, time.Now())
	res, err := NewBroadcaster(reg).Send(notice, Excluding(ho))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Zero(t, origin.count())
	require.Equal(t, 1, observer.count())

	var out map[string]any
	require.NoError(t, json.Unmarshal(observer.frames[0], &out))
	assert.Equal(t, 2.5, out["weight"])
}

func TestSendOnlyClosedIsDropped(t *testing.T) {
	testlog.Start(t)
	reg := registry.New()
	c := newConn()
	h := reg.Register(c)
	_ = c.Close()

	res, err := NewBroadcaster(reg).Send(protocol.NewAckNotice("dev-1", "2.0"), Only(h))
	require.NoError(t, err)
	assert.Zero(t, res.Matched)
	assert.Zero(t, c.count())
}

func TestSendFailureIsolated(t *testing.T) {
	testlog.Start(t)
	reg := registry.New()
	bad, good := newConn(), newConn()
	bad.failErr = errors.New("broken pipe")
	reg.Register(bad)
	reg.Register(good)

	res, err := NewBroadcaster(reg).Send(protocol.NewTareCommand(time.Now()), All())
	require.NoError(t, err)
	assert.Equal(t, Result{Matched: 2, Delivered: 1, Failed: 1}, res)
	assert.Equal(t, 1, good.count())
}

func TestSendNilMessage(t *testing.T) {
	testlog.Start(t)
	_, err := NewBroadcaster(registry.New()).Send(nil, All())
	assert.ErrorIs(t, err, protocol.ErrUnknownOutbound)
}
