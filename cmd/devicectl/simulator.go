package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/edgerelay/internal/deviceclient"
	"github.com/danmuck/edgerelay/internal/protocol"
	"github.com/rs/zerolog/log"
)

type simulator struct {
	opts simOptions
	rng  *rand.Rand

	mu              sync.Mutex
	version         string
	offsetGrams     float64
	secondsToRead   int
	enabled         bool
	intervalChanged chan struct{}
}

func newSimulator(opts simOptions) *simulator {
	return &simulator{
		opts:            opts,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		version:         opts.Version,
		secondsToRead:   30,
		enabled:         true,
		intervalChanged: make(chan struct{}, 1),
	}
}

func (s *simulator) interval() time.Duration {
	if s.opts.Interval > 0 {
		return s.opts.Interval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.secondsToRead) * time.Second
}

func (s *simulator) currentVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// reading returns the simulated load with a little noise, minus the tare
// offset. A disabled device reports zero.
func (s *simulator) reading() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return 0
	}
	return s.opts.BaseGrams + s.rng.Float64()*10 - 5 - s.offsetGrams
}

// receive applies relay messages until the connection fails.
func (s *simulator) receive(ctx context.Context, client *deviceclient.Client) error {
	for {
		msg, err := client.Next(ctx)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case protocol.ConfigNotice:
			s.applyConfig(m)
		case protocol.OTANotice:
			s.adopt(m)
			if err := client.Ack(m.Version, m.SHA256); err != nil {
				return err
			}
		case protocol.AckNotice:
			log.Info().Str("version", m.Version).Msg("devicectl firmware confirmed")
		case protocol.CommandNotice:
			if m.Cmd == protocol.CommandTare {
				s.tare()
			}
		case protocol.TelemetryNotice:
			log.Debug().Str("from", m.DeviceID).Float64("kg", m.Weight).Msg("devicectl peer telemetry")
		}
	}
}

func (s *simulator) applyConfig(m protocol.ConfigNotice) {
	s.mu.Lock()
	changed := m.SecondsToRead > 0 && m.SecondsToRead != s.secondsToRead
	if m.SecondsToRead > 0 {
		s.secondsToRead = m.SecondsToRead
	}
	s.enabled = m.Enabled
	s.mu.Unlock()
	log.Info().Int("seconds_to_read", m.SecondsToRead).Bool("enabled", m.Enabled).Msg("devicectl config applied")
	if changed {
		select {
		case s.intervalChanged <- struct{}{}:
		default:
		}
	}
}

// adopt pretends to flash the announced image.
func (s *simulator) adopt(m protocol.OTANotice) {
	s.mu.Lock()
	s.version = m.Version
	s.mu.Unlock()
	log.Warn().Str("url", m.URL).Str("version", m.Version).Msg("devicectl firmware adopted")
}

func (s *simulator) tare() {
	s.mu.Lock()
	s.offsetGrams = s.opts.BaseGrams
	s.mu.Unlock()
	log.Info().Msg("devicectl tared")
}
