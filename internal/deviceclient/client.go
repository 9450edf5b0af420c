// Package deviceclient is the device side of the relay socket protocol. The
// simulator and the end-to-end tests use it.
package deviceclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgerelay/internal/logging"
	"github.com/danmuck/edgerelay/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrInvalidConfig = errors.New("deviceclient: invalid config")

type Config struct {
	URL              string
	DeviceID         string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// MaxAttempts bounds DialWithRetry. Zero retries until ctx ends.
	MaxAttempts int
	Backoff     BackoffConfig
	// TLS is used for wss:// URLs. Nil means the system roots.
	TLS *tls.Config
}

func DefaultConfig() Config {
	return Config{
		URL:              "ws://127.0.0.1:8080/ws",
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		Backoff:          DefaultBackoff(),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.URL) == "" {
		c.URL = def.URL
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// Client is one device connection. Writes are serialized; Next must be
// called from a single goroutine.
type Client struct {
	cfg Config
	ws  *websocket.Conn
	wmu sync.Mutex
	log zerolog.Logger
}

// Dial opens one connection without retrying.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		TLSClientConfig:  cfg.TLS,
	}
	ws, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("deviceclient: dial %s: %w", cfg.URL, err)
	}
	return &Client{
		cfg: cfg,
		ws:  ws,
		log: logging.Component("deviceclient"),
	}, nil
}

// DialWithRetry dials with exponential backoff until it connects, ctx ends,
// or MaxAttempts is exhausted.
func DialWithRetry(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	log := logging.Component("deviceclient")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; cfg.MaxAttempts <= 0 || attempt <= cfg.MaxAttempts; attempt++ {
		c, err := Dial(ctx, cfg)
		if err == nil {
			return c, nil
		}
		lastErr = err
		delay := NextBackoffDelay(cfg.Backoff, attempt, rng)
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("deviceclient.DialWithRetry failed")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

type helloFrame struct {
	Event    string `json:"event"`
	DeviceID string `json:"deviceId"`
	Version  string `json:"version,omitempty"`
}

type ackFrame struct {
	Event    string `json:"event"`
	DeviceID string `json:"deviceId"`
	Version  string `json:"version"`
	SHA256   string `json:"sha,omitempty"`
}

type cfgFrame struct {
	Event    string `json:"event"`
	DeviceID string `json:"deviceId"`
}

type gramsFrame struct {
	DeviceID  string  `json:"deviceId"`
	Grams     float64 `json:"grams"`
	Timestamp any     `json:"timestamp,omitempty"`
}

type kgFrame struct {
	DeviceID  string  `json:"deviceId"`
	KG        float64 `json:"kg"`
	Timestamp any     `json:"timestamp,omitempty"`
}

func (c *Client) DeviceID() string { return c.cfg.DeviceID }

// Hello announces the device. An empty version is omitted.
func (c *Client) Hello(version string) error {
	return c.SendJSON(helloFrame{Event: protocol.EventHello, DeviceID: c.cfg.DeviceID, Version: version})
}

func (c *Client) Ack(version, sha256 string) error {
	return c.SendJSON(ackFrame{Event: protocol.EventOTAAck, DeviceID: c.cfg.DeviceID, Version: version, SHA256: sha256})
}

func (c *Client) RequestConfig() error {
	return c.SendJSON(cfgFrame{Event: protocol.EventConfigRequest, DeviceID: c.cfg.DeviceID})
}

func (c *Client) SendGrams(grams float64) error {
	return c.SendJSON(gramsFrame{DeviceID: c.cfg.DeviceID, Grams: grams})
}

// SendKilograms reports a reading with an optional device timestamp.
func (c *Client) SendKilograms(kg float64, timestamp any) error {
	return c.SendJSON(kgFrame{DeviceID: c.cfg.DeviceID, KG: kg, Timestamp: timestamp})
}

// SendJSON writes v as one text frame.
func (c *Client) SendJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("deviceclient: encode: %w", err)
	}
	return c.SendRaw(raw)
}

func (c *Client) SendRaw(raw []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("deviceclient: write: %w", err)
	}
	return nil
}

// Next blocks for the next relay message. The ctx deadline, if any, bounds
// the read; a timed out client must be closed.
func (c *Client) Next(ctx context.Context) (protocol.Outbound, error) {
	deadline, _ := ctx.Deadline()
	_ = c.ws.SetReadDeadline(deadline)
	for {
		kind, raw, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("deviceclient: read: %w", err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.DecodeOutbound(raw)
		if err != nil {
			c.log.Debug().Err(err).Msg("deviceclient.Client.Next skipped frame")
			continue
		}
		return msg, nil
	}
}

func (c *Client) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}
