package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Environment is the process-wide set of installed feature namespaces.
type Environment struct {
	mu        sync.RWMutex
	installed map[string]struct{}
}

func NewEnvironment() *Environment {
	return &Environment{installed: make(map[string]struct{})}
}

func (e *Environment) Has(namespace string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.installed[namespace]
	return ok
}

func (e *Environment) Install(namespaces ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ns := range namespaces {
		e.installed[ns] = struct{}{}
	}
}

const maxScriptSize = 4 << 20

// HTTPInjector fetches a script over HTTP and installs each namespace whose
// marker appears in the script body.
type HTTPInjector struct {
	client  *http.Client
	markers map[string]string
}

// NewHTTPInjector maps body markers to the namespaces they provide.
func NewHTTPInjector(timeout time.Duration, markers map[string]string) *HTTPInjector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPInjector{
		client:  &http.Client{Timeout: timeout},
		markers: markers,
	}
}

func (h *HTTPInjector) Inject(ctx context.Context, rawURL string, env *Environment) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("script server returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptSize))
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	for marker, ns := range h.markers {
		if bytes.Contains(body, []byte(marker)) {
			env.Install(ns)
		}
	}
	return nil
}
