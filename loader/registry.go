// Package loader makes sure a third-party script resource is loaded at most
// once per process and that its feature namespace is installed before
// anything that depends on it runs.
//
// Every distinct script URL has exactly one LoadState. Concurrent callers of
// EnsureLoaded for the same URL share one pending load. A load, once started,
// runs to completion even if every caller stops waiting.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type LoadState int

const (
	NotStarted LoadState = iota
	Loading
	Ready
)

func (s LoadState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "not_started"
	}
}

// Injector performs the network load of a script and installs whatever
// namespaces the script provides into env.
type Injector interface {
	Inject(ctx context.Context, url string, env *Environment) error
}

type Registry struct {
	env      *Environment
	injector Injector
	timeout  time.Duration

	group singleflight.Group

	mu     sync.Mutex
	states map[string]LoadState
}

func NewRegistry(env *Environment, injector Injector, timeout time.Duration) *Registry {
	if env == nil {
		env = NewEnvironment()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Registry{
		env:      env,
		injector: injector,
		timeout:  timeout,
		states:   make(map[string]LoadState),
	}
}

func (r *Registry) Environment() *Environment {
	return r.env
}

// Handle is a shared view of one load. Any number of handles may wait on
// the same underlying load.
type Handle struct {
	done chan struct{}
	err  error
}

// Wait blocks until the load resolves or ctx ends. A canceled ctx only stops
// this caller from waiting; the load itself keeps going.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.err
	}
}

// Acquire returns a handle for the load of rawURL providing namespace,
// starting the load if none is in flight.
func (r *Registry) Acquire(rawURL, namespace string) *Handle {
	h := &Handle{done: make(chan struct{})}

	if r.env.Has(namespace) {
		r.setState(rawURL, Ready)
		close(h.done)
		return h
	}

	ch := r.group.DoChan(rawURL, func() (any, error) {
		return nil, r.load(rawURL, namespace)
	})
	go func() {
		res := <-ch
		h.err = res.Err
		close(h.done)
	}()
	return h
}

// EnsureLoaded resolves once namespace is available, or fails with a *LoadError.
func (r *Registry) EnsureLoaded(ctx context.Context, rawURL, namespace string) error {
	return r.Acquire(rawURL, namespace).Wait(ctx)
}

func (r *Registry) State(rawURL string) LoadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[rawURL]
}

func (r *Registry) load(rawURL, namespace string) error {
	// A load that finished between Acquire's check and this call already
	// installed the namespace.
	if r.env.Has(namespace) {
		r.setState(rawURL, Ready)
		return nil
	}

	r.setState(rawURL, Loading)
	slog.Info("loading script", "url", redact(rawURL), "namespace", namespace)

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.injector.Inject(ctx, rawURL, r.env); err != nil {
		r.setState(rawURL, NotStarted)
		loadErr := &LoadError{URL: redact(rawURL), Namespace: namespace, Err: fmt.Errorf("%w: %w", ErrLoadFailed, err)}
		slog.Error("error loading script", "url", loadErr.URL, "error", err)
		return loadErr
	}

	if !r.env.Has(namespace) {
		r.setState(rawURL, NotStarted)
		loadErr := &LoadError{URL: redact(rawURL), Namespace: namespace, Err: ErrNamespaceMissing}
		slog.Error("script loaded without its namespace", "url", loadErr.URL, "namespace", namespace)
		return loadErr
	}

	r.setState(rawURL, Ready)
	slog.Info("script loaded", "url", redact(rawURL), "namespace", namespace)
	return nil
}

func (r *Registry) setState(rawURL string, s LoadState) {
	r.mu.Lock()
	r.states[rawURL] = s
	r.mu.Unlock()
}

// redact drops the query string, which carries the provider key.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url"
	}
	u.RawQuery = ""
	return u.String()
}
