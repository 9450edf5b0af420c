package deviceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgerelay/internal/protocol"
	"github.com/danmuck/edgerelay/internal/testutil/testlog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoRelay answers every hello with a config notice and records frames.
func echoRelay(t *testing.T, frames chan<- map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				continue
			}
			frames <- m
			if m["event"] == protocol.EventHello {
				reply, _ := protocol.Encode(protocol.ConfigNotice{
					Event:         protocol.EventConfig,
					DeviceID:      m["deviceId"].(string),
					SecondsToRead: 30,
					Enabled:       true,
				})
				_ = ws.WriteMessage(websocket.TextMessage, reply)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientFrames(t *testing.T) {
	testlog.Start(t)
	frames := make(chan map[string]any, 8)
	srv := echoRelay(t, frames)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{URL: wsURL(srv), DeviceID: "scale-7"})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello("1.2.0"))
	msg, err := c.Next(ctx)
	require.NoError(t, err)
	cfg, ok := msg.(protocol.ConfigNotice)
	require.True(t, ok)
	assert.Equal(t, "scale-7", cfg.DeviceID)

	require.NoError(t, c.SendGrams(1500))
	require.NoError(t, c.Ack("1.3.0", "abc"))
	require.NoError(t, c.RequestConfig())

	hello := <-frames
	assert.Equal(t, map[string]any{"event": "hello", "deviceId": "scale-7", "version": "1.2.0"}, hello)
	grams := <-frames
	assert.Equal(t, 1500.0, grams["grams"])
	assert.NotContains(t, grams, "event")
	ack := <-frames
	assert.Equal(t, "abc", ack["sha"])
	cfgReq := <-frames
	assert.Equal(t, "cfg", cfgReq["event"])
}

func TestHelloOmitsEmptyVersion(t *testing.T) {
	testlog.Start(t)
	frames := make(chan map[string]any, 2)
	srv := echoRelay(t, frames)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{URL: wsURL(srv), DeviceID: "scale-8"})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello(""))
	hello := <-frames
	assert.NotContains(t, hello, "version")
}

func TestDialWithRetryGivesUp(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := DialWithRetry(ctx, Config{
		URL:         url,
		MaxAttempts: 3,
		Backoff:     BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1},
	})
	require.Error(t, err)
}

func TestDialWithRetryStopsOnContext(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := DialWithRetry(ctx, Config{
		URL:     url,
		Backoff: BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
