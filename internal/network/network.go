// Package network tracks whether the backend is reachable.
package network

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Observer reports connectivity and publishes changes.
type Observer interface {
	Online() bool
	// Subscribe returns a channel receiving the new state on every change
	// and a func that ends the subscription.
	Subscribe() (<-chan bool, func())
}

// Pinger checks the backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// hub holds state and subscribers for both observers.
type hub struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

func (h *hub) Online() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

func (h *hub) Subscribe() (<-chan bool, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]chan bool)
	}
	id := h.nextID
	h.nextID++
	ch := make(chan bool, 4)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
		})
	}
}

// set stores the state and reports whether it changed. Slow subscribers
// miss notifications rather than block the caller.
func (h *hub) set(online bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.online == online {
		return false
	}
	h.online = online
	for _, ch := range h.subs {
		select {
		case ch <- online:
		default:
		}
	}
	return true
}

// Manual is an observer whose state is set by hand.
type Manual struct {
	hub
}

// NewManual returns a Manual starting in state online.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.online = online
	return m
}

// Set changes the state, notifying subscribers on a change.
func (m *Manual) Set(online bool) {
	m.set(online)
}

// Prober derives connectivity from periodic pings.
type Prober struct {
	hub
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewProber builds a Prober. assumeOnline is the state reported before the
// first probe completes.
func NewProber(pinger Pinger, interval, timeout time.Duration, assumeOnline bool, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prober{pinger: pinger, interval: interval, timeout: timeout, logger: logger}
	p.online = assumeOnline
	return p
}

// Probe pings once and updates the state.
func (p *Prober) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.pinger.Ping(pctx)
	online := err == nil
	if p.set(online) {
		if online {
			p.logger.Info("backend reachable")
		} else {
			p.logger.Warn("backend unreachable", slog.Any("error", err))
		}
	}
	return online
}

// Run probes immediately and then every interval until ctx is done. A
// zero interval probes once.
func (p *Prober) Run(ctx context.Context) {
	p.Probe(ctx)
	if p.interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
