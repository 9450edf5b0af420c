package relay

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrTLSCertFileRequired = errors.New("relay: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("relay: tls key file required")
	ErrInvalidWSPath       = errors.New("relay: websocket path must start with /")
)

// TLSConfig enables TLS on the relay listener.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// ServiceConfig configures the socket endpoint.
type ServiceConfig struct {
	ListenAddr   string
	WSPath       string
	SendQueue    int
	ReadLimit    int64
	WriteTimeout time.Duration
	PongWait     time.Duration
	TLS          TLSConfig
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:   ":8080",
		WSPath:       "/ws",
		SendQueue:    64,
		ReadLimit:    64 << 10,
		WriteTimeout: 10 * time.Second,
		PongWait:     60 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultServiceConfig.
func (c ServiceConfig) WithDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(c.WSPath) == "" {
		c.WSPath = def.WSPath
	}
	if c.SendQueue <= 0 {
		c.SendQueue = def.SendQueue
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	return c
}

// PingPeriod is how often the write pump pings; it must stay below PongWait.
func (c ServiceConfig) PingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

func (c ServiceConfig) Validate() error {
	if !strings.HasPrefix(strings.TrimSpace(c.WSPath), "/") {
		return ErrInvalidWSPath
	}
	if c.TLS.Enabled {
		if strings.TrimSpace(c.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}
