package downloader

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Fast polling when downloads are active
	activeInterval = 1 * time.Second
	// Slow polling when nothing is queued
	idleInterval = 30 * time.Second

	// StateMessageType is the websocket message carrying a Snapshot.
	StateMessageType = "downloads:state"
)

// Broadcaster defines the interface for broadcasting messages.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{}) error
}

// StateBroadcaster periodically pushes download snapshots to websocket clients.
// Uses adaptive polling: fast while items are downloading, slow when idle.
// Trigger forces an immediate push, e.g. on a tick event.
type StateBroadcaster struct {
	service   *Service
	hub       Broadcaster
	logger    zerolog.Logger
	stopCh    chan struct{}
	stoppedCh chan struct{}
	triggerCh chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewStateBroadcaster creates a new state broadcaster.
func NewStateBroadcaster(service *Service, hub Broadcaster, logger zerolog.Logger) *StateBroadcaster {
	return &StateBroadcaster{
		service: service,
		hub:     hub,
		logger:  logger.With().Str("component", "state-broadcaster").Logger(),
	}
}

// Start begins the periodic broadcasting.
func (b *StateBroadcaster) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.stoppedCh = make(chan struct{})
	b.triggerCh = make(chan struct{}, 1)
	b.mu.Unlock()

	go b.run()
	b.logger.Info().
		Dur("activeInterval", activeInterval).
		Dur("idleInterval", idleInterval).
		Msg("State broadcaster started with adaptive polling")
}

// Stop stops the periodic broadcasting.
func (b *StateBroadcaster) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	<-b.stoppedCh
	b.logger.Info().Msg("State broadcaster stopped")
}

// Trigger causes an immediate broadcast and switches to fast polling.
func (b *StateBroadcaster) Trigger() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	ch := b.triggerCh
	b.mu.Unlock()

	// Non-blocking send - if channel is full, a trigger is already pending
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (b *StateBroadcaster) run() {
	defer close(b.stoppedCh)

	interval := idleInterval
	if b.broadcast() {
		interval = activeInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-b.triggerCh:
			b.broadcast()
			if interval != activeInterval {
				interval = activeInterval
				ticker.Reset(interval)
			}
		case <-ticker.C:
			newInterval := idleInterval
			if b.broadcast() {
				newInterval = activeInterval
			}
			if newInterval != interval {
				interval = newInterval
				ticker.Reset(interval)
			}
		}
	}
}

// broadcast pushes the current snapshot. Returns true if anything is in flight.
func (b *StateBroadcaster) broadcast() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := b.service.Snapshot(ctx)
	if err != nil {
		b.logger.Debug().Err(err).Msg("Failed to get snapshot for broadcast")
		return false
	}

	if err := b.hub.Broadcast(StateMessageType, snap.Public()); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to broadcast download state")
	}

	for _, item := range snap.Items {
		if item.Status == ItemDownloading || item.Status == ItemExtracting {
			return true
		}
	}
	return false
}
