package client

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/session"
)

// Lister fetches the session catalog.
type Lister interface {
	List(ctx context.Context) ([]session.Info, error)
}

type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthFailed   Health = "failed"
)

// Poller keeps a session.Store fresh. Failures leave the previous listing in
// place; they only move the poller's health.
type Poller struct {
	lister    Lister
	interval  time.Duration
	threshold int
	store     *session.Store
	onUpdate  func([]session.Info)
	refresh   chan struct{}

	mu       sync.Mutex
	failures int
	lastErr  string
}

// NewPoller creates a poller. onUpdate, if set, receives every successful
// listing.
func NewPoller(lister Lister, cfg config.ClientConfig, onUpdate func([]session.Info)) *Poller {
	return &Poller{
		lister:    lister,
		interval:  cfg.PollInterval,
		threshold: cfg.FailureThreshold,
		store:     session.NewStore(),
		onUpdate:  onUpdate,
		refresh:   make(chan struct{}, 1),
	}
}

func (p *Poller) Store() *session.Store { return p.store }

// Run polls immediately, then on every interval tick and Refresh request,
// until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		case <-p.refresh:
			p.poll(ctx)
		}
	}
}

// Refresh asks Run for an extra poll, e.g. after a create or kill. Requests
// made while one is pending coalesce.
func (p *Poller) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Poll fetches one listing. On success the store is replaced; on failure it
// is left untouched and the error is returned.
func (p *Poller) Poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	infos, err := p.lister.List(ctx)
	if err != nil {
		p.recordFailure(err)
		return err
	}
	p.recordSuccess()
	p.store.Replace(infos, time.Now())
	if p.onUpdate != nil {
		p.onUpdate(infos)
	}
	return nil
}

func (p *Poller) poll(ctx context.Context) {
	if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
		log.Printf("Directory poll failed: %v", err)
	}
}

func (p *Poller) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
	p.lastErr = ""
}

func (p *Poller) recordFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	p.lastErr = err.Error()
}

// Health reports the poller's status from its consecutive failure count.
func (p *Poller) Health() (status Health, failures int, lastErr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.failures == 0:
		status = HealthHealthy
	case p.failures >= p.threshold:
		status = HealthFailed
	default:
		status = HealthDegraded
	}
	return status, p.failures, p.lastErr
}
