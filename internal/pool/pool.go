// Package pool provides named, fixed-width worker pools with an unbounded
// FIFO backlog. Submit never blocks the caller.
package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrClosed is returned when submitting to a stopped pool.
var ErrClosed = errors.New("pool: closed")

// Job is a unit of work. The context is the pool's context and is cancelled
// on shutdown.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed number of goroutines.
type Pool struct {
	name   string
	width  int
	logger zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	backlog []Job
	active  int
	closed  bool

	ctx context.Context
	wg  sync.WaitGroup
}

// New starts a pool of `width` workers bound to ctx. Width below one is
// treated as one.
func New(ctx context.Context, name string, width int, logger zerolog.Logger) *Pool {
	if width < 1 {
		width = 1
	}
	p := &Pool{
		name:   name,
		width:  width,
		ctx:    ctx,
		logger: logger.With().Str("component", "pool").Str("pool", name).Logger(),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < width; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	// Wake idle workers on shutdown so they can exit.
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.cond.Broadcast()
	}()

	p.logger.Debug().Int("width", width).Msg("Pool started")
	return p
}

// Name returns the pool's name.
func (p *Pool) Name() string { return p.name }

// Width returns the number of workers.
func (p *Pool) Width() int { return p.width }

// Submit queues a job.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.backlog = append(p.backlog, job)
	p.mu.Unlock()

	p.cond.Signal()
	return nil
}

// Pending returns the number of queued jobs not yet started.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

// Active returns the number of running jobs.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Close stops accepting jobs, drops the backlog and waits for running jobs.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	dropped := len(p.backlog)
	p.backlog = nil
	p.mu.Unlock()
	p.cond.Broadcast()

	p.wg.Wait()
	p.logger.Debug().Int("dropped", dropped).Msg("Pool stopped")
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.backlog) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		job := p.backlog[0]
		p.backlog[0] = nil
		p.backlog = p.backlog[1:]
		p.active++
		p.mu.Unlock()

		p.run(job)

		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("Job panicked")
		}
	}()
	job(p.ctx)
}
