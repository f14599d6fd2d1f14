// Package bootstrap sequences cache refreshes and sync passes in response
// to startup, connectivity changes, timers and operator requests.
package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/freshfare/freshfare-pos/internal/network"
	"github.com/freshfare/freshfare-pos/internal/refresh"
	"github.com/freshfare/freshfare-pos/internal/syncer"
)

// Kind names what caused a trigger.
type Kind string

const (
	// Startup refreshes the cache and then syncs.
	Startup Kind = "startup"
	// Online requeues retryable failures, syncs and then refreshes after
	// connectivity returns.
	Online Kind = "online"
	// Manual is the operator's "sync now"; same sequence as Online.
	Manual Kind = "manual"
	// Poll requeues retryable failures and then syncs.
	Poll Kind = "poll"
	// Refresh refreshes the cache only.
	Refresh Kind = "refresh"
)

// Kinds lists every trigger kind.
var Kinds = []Kind{Startup, Online, Manual, Poll, Refresh}

// Syncer is the engine surface the orchestrator drives.
type Syncer interface {
	SyncPending(ctx context.Context) (syncer.Summary, error)
	RequeueFailed(ctx context.Context, maxAttempts int) (int, error)
	RecoverInterrupted(ctx context.Context) (int, error)
}

// Refresher refreshes the local catalog.
type Refresher interface {
	Refresh(ctx context.Context) (refresh.Result, error)
}

// Config tunes the orchestrator. Zero intervals disable the timers.
type Config struct {
	MaxAttempts     int
	PollInterval    time.Duration
	RefreshInterval time.Duration
}

// Orchestrator runs every sequence on one worker, so sequences never
// overlap. Triggers of a kind already waiting are coalesced.
type Orchestrator struct {
	sync      Syncer
	refresher Refresher
	observer  network.Observer
	cfg       Config
	logger    *slog.Logger

	triggers chan Kind
	mu       sync.Mutex
	queued   map[Kind]bool
	// ran is signalled after each sequence; tests use it.
	ran func(Kind)
}

// New builds Orchestrator. observer may be nil.
func New(s Syncer, r Refresher, observer network.Observer, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Orchestrator{
		sync:      s,
		refresher: r,
		observer:  observer,
		cfg:       cfg,
		logger:    logger,
		triggers:  make(chan Kind, len(Kinds)),
		queued:    make(map[Kind]bool, len(Kinds)),
	}
}

// Trigger schedules the sequence for kind without blocking. It returns false
// when that kind is already waiting to run.
func (o *Orchestrator) Trigger(kind Kind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queued[kind] {
		return false
	}
	select {
	case o.triggers <- kind:
		o.queued[kind] = true
		return true
	default:
		return false
	}
}

// Run fires Startup and then processes triggers until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	o.Trigger(Startup)

	var changes <-chan bool
	if o.observer != nil {
		ch, unsubscribe := o.observer.Subscribe()
		defer unsubscribe()
		changes = ch
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.watch(ctx, changes)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case kind := <-o.triggers:
			o.mu.Lock()
			delete(o.queued, kind)
			o.mu.Unlock()
			o.run(ctx, kind)
			if o.ran != nil {
				o.ran(kind)
			}
		}
	}
}

// watch turns connectivity changes and timer ticks into triggers.
func (o *Orchestrator) watch(ctx context.Context, changes <-chan bool) {
	poll, stopPoll := ticker(o.cfg.PollInterval)
	defer stopPoll()
	refreshTick, stopRefresh := ticker(o.cfg.RefreshInterval)
	defer stopRefresh()

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-changes:
			if online {
				o.Trigger(Online)
			}
		case <-poll:
			o.Trigger(Poll)
		case <-refreshTick:
			o.Trigger(Refresh)
		}
	}
}

// ticker returns a nil channel for a disabled interval.
func ticker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func (o *Orchestrator) run(ctx context.Context, kind Kind) {
	log := o.logger.With(slog.String("trigger", string(kind)))
	switch kind {
	case Startup:
		if n, err := o.sync.RecoverInterrupted(ctx); err != nil {
			o.report(log, "recover interrupted", err)
		} else if n > 0 {
			log.Warn("recovered interrupted sales", slog.Int("count", n))
		}
		o.doRefresh(ctx, log)
		o.doSync(ctx, log)
	case Online, Manual:
		o.doRequeue(ctx, log)
		o.doSync(ctx, log)
		o.doRefresh(ctx, log)
	case Poll:
		o.doRequeue(ctx, log)
		o.doSync(ctx, log)
	case Refresh:
		o.doRefresh(ctx, log)
	default:
		log.Warn("unknown trigger")
	}
}

// online reports the observer's state; without an observer the backend is
// assumed reachable.
func (o *Orchestrator) online() bool {
	return o.observer == nil || o.observer.Online()
}

// doRequeue and doSync do nothing while offline: a pass against an
// unreachable backend would only spend attempts.
func (o *Orchestrator) doRequeue(ctx context.Context, log *slog.Logger) {
	if !o.online() {
		log.Debug("requeue skipped, offline")
		return
	}
	if _, err := o.sync.RequeueFailed(ctx, o.cfg.MaxAttempts); err != nil {
		o.report(log, "requeue failed", err)
	}
}

func (o *Orchestrator) doSync(ctx context.Context, log *slog.Logger) {
	if !o.online() {
		log.Debug("sync skipped, offline")
		return
	}
	if _, err := o.sync.SyncPending(ctx); err != nil {
		o.report(log, "sync", err)
	}
}

func (o *Orchestrator) doRefresh(ctx context.Context, log *slog.Logger) {
	if _, err := o.refresher.Refresh(ctx); err != nil {
		o.report(log, "refresh", err)
	}
}

// report logs and swallows a sequence error.
func (o *Orchestrator) report(log *slog.Logger, step string, err error) {
	switch {
	case errors.Is(err, syncer.ErrPassInProgress):
		log.Debug(step+" skipped, pass in progress")
	case errors.Is(err, context.Canceled):
		log.Debug(step+" cancelled")
	default:
		log.Warn(step+" failed", slog.Any("error", err))
	}
}
