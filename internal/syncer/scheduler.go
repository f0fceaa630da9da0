package syncer

import (
	"log/slog"
	"sync"
	"time"
)

// Poller runs a callback on a fixed interval while armed. Arm and Disarm
// are idempotent: arming an armed poller or disarming a disarmed one is a
// no-op, so callers never need to track its state.
type Poller struct {
	mu       sync.Mutex
	armed    bool
	stop     chan struct{}
	interval time.Duration
	fn       func()
	logger   *slog.Logger
}

// NewPoller creates a disarmed poller. It does not tick until Arm is
// called.
func NewPoller(interval time.Duration, fn func(), logger *slog.Logger) *Poller {
	return &Poller{
		interval: interval,
		fn:       fn,
		logger:   logger,
	}
}

// Arm starts the polling loop if it is not already running.
func (p *Poller) Arm() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.armed {
		return
	}

	p.armed = true
	p.stop = make(chan struct{})

	go p.run(p.stop)

	p.logger.Debug("auto-poll armed", slog.Duration("interval", p.interval))
}

// Disarm stops the polling loop if it is running. A tick already in
// flight completes; no further ticks fire.
func (p *Poller) Disarm() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.armed {
		return
	}

	p.armed = false
	close(p.stop)
	p.stop = nil

	p.logger.Debug("auto-poll disarmed")
}

// Armed reports whether the polling loop is currently running.
func (p *Poller) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.armed
}

func (p *Poller) run(stop chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.fn()
		}
	}
}
