// Package control implements the one-shot pause/cancel fan-out used to stop
// running transfer jobs cooperatively.
package control

import (
	"sync"
)

// Signal is a control message delivered to a running job.
type Signal int

const (
	// Pause stops the job and keeps its partial output.
	Pause Signal = iota + 1
	// Cancel stops the job and removes its partial output.
	Cancel
)

func (s Signal) String() string {
	switch s {
	case Pause:
		return "pause"
	case Cancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Receiver is the job side of a registration.
type Receiver <-chan Signal

// Poll returns the pending signal, if any, without blocking.
func (r Receiver) Poll() (Signal, bool) {
	if r == nil {
		return 0, false
	}
	select {
	case sig := <-r:
		return sig, true
	default:
		return 0, false
	}
}

// Registry maps transfer keys to the channels of the jobs listening on them.
// Send clears the key, so each registration observes at most one signal.
type Registry struct {
	mu        sync.Mutex
	listeners map[string][]chan Signal
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[string][]chan Signal)}
}

// Register adds a listener for key and returns its receiving end.
func (r *Registry) Register(key string) Receiver {
	ch := make(chan Signal, 1)

	r.mu.Lock()
	r.listeners[key] = append(r.listeners[key], ch)
	r.mu.Unlock()

	return ch
}

// Send delivers sig to every listener registered for key and clears the key.
// It returns the number of listeners signalled.
func (r *Registry) Send(key string, sig Signal) int {
	r.mu.Lock()
	chans := r.listeners[key]
	delete(r.listeners, key)
	r.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- sig:
		default:
			// already holds an unread signal
		}
	}
	return len(chans)
}

// Release drops every registration for key without signalling, used when
// the job finished on its own.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	delete(r.listeners, key)
	r.mu.Unlock()
}

// Has reports whether key has live listeners.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[key]) > 0
}

// Len returns the number of registered keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}
