package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgerelay/internal/directory"
	"github.com/danmuck/edgerelay/internal/fanout"
	"github.com/danmuck/edgerelay/internal/logging"
	"github.com/danmuck/edgerelay/internal/observability"
	"github.com/danmuck/edgerelay/internal/protocol"
	"github.com/danmuck/edgerelay/internal/registry"
	"github.com/danmuck/edgerelay/internal/rollout"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrDeviceNotConnected = errors.New("relay: device not connected")
	// ErrDeliveryFailed means matching connections exist but none took the frame.
	ErrDeliveryFailed = errors.New("relay: delivery failed")
)

// Service wires the registry, broadcaster, coordinator and handler behind a
// WebSocket endpoint.
type Service struct {
	cfg ServiceConfig

	registry    *registry.Registry
	store       directory.Store
	broadcaster *fanout.Broadcaster
	coordinator *rollout.Coordinator
	handler     *Handler

	upgrader websocket.Upgrader
	sessions sync.WaitGroup
	now      func() time.Time
	log      zerolog.Logger
}

func NewService(cfg ServiceConfig, store directory.Store) *Service {
	cfg = cfg.WithDefaults()
	reg := registry.New()
	b := fanout.NewBroadcaster(reg)
	coord := rollout.NewCoordinator(store, b)
	return &Service{
		cfg:         cfg,
		registry:    reg,
		store:       store,
		broadcaster: b,
		coordinator: coord,
		handler:     NewHandler(reg, store, coord, b),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: time.Now,
		log: logging.Component("relay"),
	}
}

func (s *Service) Config() ServiceConfig             { return s.cfg }
func (s *Service) Registry() *registry.Registry      { return s.registry }
func (s *Service) Store() directory.Store            { return s.store }
func (s *Service) Coordinator() *rollout.Coordinator { return s.coordinator }

// ServeWS upgrades one request and serves the session until it closes.
func (s *Service) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("relay.Service.ServeWS upgrade failed")
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()

	conn := newWSConn(ws, s.cfg)
	handle := s.registry.Register(conn)
	observability.SessionOpened()
	s.log.Info().
		Str("handle", string(handle)).
		Str("remote", conn.RemoteAddr()).
		Int("active", s.registry.Count()).
		Msg("relay.Service.ServeWS connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		_ = conn.Close()
		s.registry.Release(handle)
		observability.SessionClosed()
		s.log.Info().
			Str("handle", string(handle)).
			Str("remote", conn.RemoteAddr()).
			Int("active", s.registry.Count()).
			Msg("relay.Service.ServeWS disconnected")
	}()

	go conn.writePump()
	err = conn.readPump(ctx, func(ctx context.Context, raw []byte) {
		s.handler.Handle(ctx, handle, raw)
	})
	if err != nil && !isExpectedClose(err) {
		s.log.Debug().Err(err).Str("handle", string(handle)).Msg("relay.Service.ServeWS read ended")
	}
}

// Tare sends a tare command to every open connection bound to deviceID.
func (s *Service) Tare(deviceID string) (fanout.Result, error) {
	deviceID = strings.TrimSpace(deviceID)
	res, err := s.broadcaster.Send(protocol.NewTareCommand(s.now()), fanout.Matching(deviceID))
	if err != nil {
		return res, err
	}
	if res.Matched == 0 {
		return res, fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}
	if res.Delivered == 0 {
		return res, fmt.Errorf("%w: tare %s", ErrDeliveryFailed, deviceID)
	}
	return res, nil
}

// PushConfig sends the config notice for rec to its device's connections.
func (s *Service) PushConfig(rec directory.Record) (fanout.Result, error) {
	return s.broadcaster.Send(rollout.ConfigNotice(rec), fanout.Matching(rec.DeviceID))
}

// httpHandler returns h, or a mux serving only the WebSocket path when h is nil.
func (s *Service) httpHandler(h http.Handler) http.Handler {
	if h != nil {
		return h
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WSPath, s.ServeWS)
	return mux
}

// Run listens on the configured address and serves until ctx ends.
func (s *Service) Run(ctx context.Context, h http.Handler) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	s.log.Warn().Str("addr", ln.Addr().String()).Bool("tls", s.cfg.TLS.Enabled).Msg("relay.Service.Run listening")
	return s.Serve(ctx, ln, h)
}

// Listen binds ListenAddr, wrapping it in TLS when enabled.
func (s *Service) Listen() (net.Listener, error) {
	if !s.cfg.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("relay: load tls keypair: %w", err)
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
}

// Serve serves h on ln until ctx ends, then closes every session.
func (s *Service) Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	if err := s.cfg.Validate(); err != nil {
		_ = ln.Close()
		return err
	}
	srv := &http.Server{
		Handler:           s.httpHandler(h),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		s.Shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Shutdown()
	<-serveErr
	return err
}

// Shutdown closes every registered session and waits for their handlers.
func (s *Service) Shutdown() {
	s.registry.CloseAll()
	s.sessions.Wait()
}

func isExpectedClose(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
