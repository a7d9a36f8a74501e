package tracker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Poller calls tick on a fixed interval until stopped. A tick that is still
// running when the next one is due is not overlapped; the due tick is skipped.
type Poller struct {
	interval time.Duration
	tick     func(ctx context.Context)
	gate     *semaphore.Weighted
	trigger  chan struct{}

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPoller creates a stopped poller.
func NewPoller(interval time.Duration, tick func(ctx context.Context)) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		interval: interval,
		tick:     tick,
		gate:     semaphore.NewWeighted(1),
		trigger:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the loop. The first tick fires immediately. Calling Start more
// than once has no effect.
func (p *Poller) Start() {
	p.once.Do(func() { go p.loop() })
}

// Stop ends the loop and cancels any in-flight tick. It does not wait.
func (p *Poller) Stop() {
	p.cancel()
}

// Stopped reports whether Stop has been called.
func (p *Poller) Stopped() bool {
	return p.ctx.Err() != nil
}

// Trigger asks for an immediate tick.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Poller) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.fire()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.fire()
		case <-p.trigger:
			p.fire()
		}
	}
}

func (p *Poller) fire() {
	if !p.gate.TryAcquire(1) {
		return
	}
	go func() {
		defer p.gate.Release(1)
		if p.ctx.Err() != nil {
			return
		}
		p.tick(p.ctx)
	}()
}
