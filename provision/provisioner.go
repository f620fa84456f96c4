// Package provision fetches the map-provider keys once at startup and
// publishes them to everything that must wait for them.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Nxdus/asf-fieldmap/services"
)

// ErrKeysUnavailable means the provisioning run finished without keys. Map
// and geocoding features stay blocked for the rest of the process.
var ErrKeysUnavailable = errors.New("map provider keys unavailable")

type KeySource interface {
	Keys(ctx context.Context) (services.ProvisionedKeys, error)
}

type Options struct {
	// MaxAttempts bounds the number of requests; 1 disables retry.
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

type Provisioner struct {
	source KeySource
	opts   Options

	once sync.Once
	done chan struct{}

	mu      sync.RWMutex
	keys    services.ProvisionedKeys
	ok      bool
	lastErr error
}

func New(source KeySource, opts Options) *Provisioner {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = opts.Backoff
	}
	return &Provisioner{
		source: source,
		opts:   opts,
		done:   make(chan struct{}),
	}
}

// Run performs the provisioning request. Only the first call does any work.
func (p *Provisioner) Run(ctx context.Context) {
	p.once.Do(func() {
		defer close(p.done)
		p.run(ctx)
	})
}

func (p *Provisioner) run(ctx context.Context) {
	delay := p.opts.Backoff

	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		keys, err := p.source.Keys(ctx)
		if err == nil && !keys.Complete() {
			err = errors.New("response is missing a key")
		}
		if err == nil {
			p.mu.Lock()
			p.keys, p.ok = keys, true
			p.mu.Unlock()
			slog.Info("map provider keys provisioned", "attempt", attempt)
			return
		}

		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		slog.Error("error fetching keys", "attempt", attempt, "max_attempts", p.opts.MaxAttempts, "error", err)

		if attempt == p.opts.MaxAttempts {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.opts.MaxBackoff {
			delay = p.opts.MaxBackoff
		}
	}
}

// Keys returns the provisioned keys and whether they are present.
func (p *Provisioner) Keys() (services.ProvisionedKeys, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keys, p.ok
}

// Done is closed once Run has finished, with or without keys.
func (p *Provisioner) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until Run finishes or ctx ends.
func (p *Provisioner) Wait(ctx context.Context) (services.ProvisionedKeys, error) {
	select {
	case <-ctx.Done():
		return services.ProvisionedKeys{}, ctx.Err()
	case <-p.done:
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.ok {
		if p.lastErr != nil {
			return services.ProvisionedKeys{}, fmt.Errorf("%w: %w", ErrKeysUnavailable, p.lastErr)
		}
		return services.ProvisionedKeys{}, ErrKeysUnavailable
	}
	return p.keys, nil
}
