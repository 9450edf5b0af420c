package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgerelay/internal/deviceclient"
	"github.com/danmuck/edgerelay/internal/directory"
	"github.com/danmuck/edgerelay/internal/protocol"
	"github.com/danmuck/edgerelay/internal/rollout"
	"github.com/danmuck/edgerelay/internal/testutil/testlog"
	"github.com/danmuck/edgerelay/internal/testutil/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type liveRelay struct {
	svc    *Service
	server *httptest.Server
	url    string
}

func startRelay(t *testing.T) *liveRelay {
	t.Helper()
	testlog.Start(t)
	svc := NewService(DefaultServiceConfig(), directory.NewMemoryStore())
	srv := httptest.NewServer(http.HandlerFunc(svc.ServeWS))
	t.Cleanup(func() {
		svc.Shutdown()
		srv.Close()
	})
	return &liveRelay{svc: svc, server: srv, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (r *liveRelay) dial(t *testing.T, ctx context.Context, deviceID string) *deviceclient.Client {
	t.Helper()
	c, err := deviceclient.Dial(ctx, deviceclient.Config{URL: r.url, DeviceID: deviceID})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// settle round-trips a cfg request so the relay has registered c.
func settle(t *testing.T, ctx context.Context, c *deviceclient.Client) {
	t.Helper()
	require.NoError(t, c.RequestConfig())
	expectEvent(t, ctx, c, protocol.EventConfig)
}

func expectEvent(t *testing.T, ctx context.Context, c *deviceclient.Client, event string) protocol.Outbound {
	t.Helper()
	msg, err := c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, event, msg.EventName())
	return msg
}

func TestServiceRolloutScenario(t *testing.T) {
	r := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := r.svc.Store()
	_, _, err := store.Upsert(ctx, "dev-1", directory.DefaultRecord("dev-1"))
	require.NoError(t, err)
	_, err = store.Update(ctx, "dev-1", directory.Patch{
		FirmwareURL:     directory.Ptr("http://x/fw.bin"),
		FirmwareVersion: directory.Ptr("2.0"),
	})
	require.NoError(t, err)

	old := r.dial(t, ctx, "dev-1")
	require.NoError(t, old.Hello("1.0"))
	ota := expectEvent(t, ctx, old, protocol.EventOTA).(protocol.OTANotice)
	assert.Equal(t, "http://x/fw.bin", ota.URL)
	assert.Equal(t, "2.0", ota.Version)
	expectEvent(t, ctx, old, protocol.EventConfig)
	require.NoError(t, old.Close())

	upgraded := r.dial(t, ctx, "dev-1")
	require.NoError(t, upgraded.Hello("2.0"))
	expectEvent(t, ctx, upgraded, protocol.EventOTAAck)
	expectEvent(t, ctx, upgraded, protocol.EventConfig)

	rec, _, err := store.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, rec.FirmwareURL)
}

func TestServiceTelemetryExcludesOrigin(t *testing.T) {
	r := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	observer := r.dial(t, ctx, "observer")
	settle(t, ctx, observer)
	device := r.dial(t, ctx, "dev-1")
	settle(t, ctx, device)

	require.NoError(t, device.SendGrams(2500))
	sample := expectEvent(t, ctx, observer, protocol.EventTelemetry).(protocol.TelemetryNotice)
	assert.Equal(t, "dev-1", sample.DeviceID)
	assert.InDelta(t, 2.5, sample.Weight, 1e-9)

	// Frames from one connection are handled in order, so an echo of the
	// sample would arrive before this config reply.
	settle(t, ctx, device)
}

func TestServiceAssignNotifiesConnectedDevice(t *testing.T) {
	r := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	device := r.dial(t, ctx, "dev-1")
	require.NoError(t, device.Hello("1.0"))
	expectEvent(t, ctx, device, protocol.EventConfig)

	out, err := r.svc.Coordinator().Assign(ctx, rollout.Assignment{
		DeviceID: "dev-1",
		URL:      "http://x/fw-3.bin",
		Version:  directory.Ptr("3.0"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Delivery.Delivered)
	ota := expectEvent(t, ctx, device, protocol.EventOTA).(protocol.OTANotice)
	assert.Equal(t, "http://x/fw-3.bin", ota.URL)

	require.NoError(t, device.Ack("3.0", ""))
	settle(t, ctx, device)
	rec, _, err := r.svc.Store().Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, rec.Pending())
	assert.Equal(t, "3.0", rec.FirmwareVersion)
}

func TestServiceTare(t *testing.T) {
	r := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := r.svc.Tare("dev-1")
	require.ErrorIs(t, err, ErrDeviceNotConnected)

	device := r.dial(t, ctx, "dev-1")
	require.NoError(t, device.Hello(""))
	expectEvent(t, ctx, device, protocol.EventConfig)

	res, err := r.svc.Tare("dev-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	cmd := expectEvent(t, ctx, device, protocol.EventCommand).(protocol.CommandNotice)
	assert.Equal(t, protocol.CommandTare, cmd.Cmd)
}

func TestServiceTareFullQueueIsDeliveryFailure(t *testing.T) {
	r := startRelay(t)
	handle := r.svc.Registry().Register(&fakeConn{name: "stuck", fail: true})
	require.True(t, r.svc.Registry().Bind(handle, "dev-9"))

	res, err := r.svc.Tare("dev-9")
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.False(t, errors.Is(err, ErrDeviceNotConnected))
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, res.Failed)
}

func TestServicePushConfig(t *testing.T) {
	r := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	device := r.dial(t, ctx, "dev-1")
	require.NoError(t, device.Hello(""))
	expectEvent(t, ctx, device, protocol.EventConfig)

	rec, err := r.svc.Store().Update(ctx, "dev-1", directory.Patch{SecondsToRead: directory.Ptr(7)})
	require.NoError(t, err)
	_, err = r.svc.PushConfig(rec)
	require.NoError(t, err)
	cfg := expectEvent(t, ctx, device, protocol.EventConfig).(protocol.ConfigNotice)
	assert.Equal(t, 7, cfg.SecondsToRead)
}

func TestServiceReleasesClosedSessions(t *testing.T) {
	r := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	device := r.dial(t, ctx, "dev-1")
	settle(t, ctx, device)
	require.Equal(t, 1, r.svc.Registry().Count())
	require.NoError(t, device.Close())

	require.Eventually(t, func() bool { return r.svc.Registry().Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServeShutsDownOnContext(t *testing.T) {
	testlog.Start(t)
	svc := NewService(DefaultServiceConfig(), directory.NewMemoryStore())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln, nil) }()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	device, err := deviceclient.DialWithRetry(dialCtx, deviceclient.Config{
		URL:         "ws://" + ln.Addr().String() + "/ws",
		DeviceID:    "dev-1",
		MaxAttempts: 20,
		Backoff:     deviceclient.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1},
	})
	require.NoError(t, err)
	defer device.Close()
	settle(t, dialCtx, device)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return")
	}
	_, err = device.Next(dialCtx)
	assert.Error(t, err)
	assert.Zero(t, svc.Registry().Count())
}

func TestListenServesTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "edgerelay-test-ca")
	certFile, keyFile := ca.IssueServerCert(t, t.TempDir())

	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TLS = TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}
	svc := NewService(cfg, directory.NewMemoryStore())
	ln, err := svc.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln, nil) }()
	defer func() {
		cancel()
		<-done
	}()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	device, err := deviceclient.Dial(dialCtx, deviceclient.Config{
		URL:      "wss://" + ln.Addr().String() + "/ws",
		DeviceID: "dev-1",
		TLS:      ca.ClientConfig(),
	})
	require.NoError(t, err)
	defer device.Close()
	settle(t, dialCtx, device)

	_, err = deviceclient.Dial(dialCtx, deviceclient.Config{URL: "ws://" + ln.Addr().String() + "/ws"})
	assert.Error(t, err)
}

func TestServiceConfigValidate(t *testing.T) {
	cfg := DefaultServiceConfig()
	require.NoError(t, cfg.Validate())

	cfg.TLS.Enabled = true
	require.ErrorIs(t, cfg.Validate(), ErrTLSCertFileRequired)
	cfg.TLS.CertFile = "cert.pem"
	require.ErrorIs(t, cfg.Validate(), ErrTLSKeyFileRequired)

	cfg = DefaultServiceConfig()
	cfg.WSPath = "ws"
	require.ErrorIs(t, cfg.Validate(), ErrInvalidWSPath)

	filled := ServiceConfig{}.WithDefaults()
	assert.Equal(t, DefaultServiceConfig(), filled)
	assert.Less(t, filled.PingPeriod(), filled.PongWait)
}
