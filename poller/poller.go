// Package poller keeps the in-memory case collection in sync with the
// backend by fetching it on a fixed interval.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Nxdus/asf-fieldmap/services"
)

const DefaultInterval = 10 * time.Second

var ErrAlreadyRunning = errors.New("poller already running")

// FetchError is a failed poll tick. It is transient: the previous
// collection stays in place.
type FetchError struct {
	At  time.Time
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("poll cases: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type Status struct {
	Running     bool      `json:"running"`
	Count       int       `json:"count"`
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
}

type Poller struct {
	fetcher  services.CaseFetcher
	cache    services.SnapshotCache
	interval time.Duration

	mu          sync.Mutex
	cases       []services.CaseRecord
	etag        string
	lastSuccess time.Time
	lastErr     *FetchError
	task        *TaskHandle

	subMu  sync.Mutex
	nextID int
	subs   map[int]func([]services.CaseRecord)
}

// New returns a poller. cache may be nil.
func New(fetcher services.CaseFetcher, cache services.SnapshotCache, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		fetcher:  fetcher,
		cache:    cache,
		interval: interval,
		cases:    []services.CaseRecord{},
		subs:     make(map[int]func([]services.CaseRecord)),
	}
}

// TaskHandle is one running poll loop.
type TaskHandle struct {
	p        *Poller
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	canceled bool // guarded by p.mu
}

// Cancel stops future ticks. Results that arrive afterwards are discarded.
func (h *TaskHandle) Cancel() {
	h.once.Do(func() {
		h.p.mu.Lock()
		h.canceled = true
		if h.p.task == h {
			h.p.task = nil
		}
		h.p.mu.Unlock()
		h.cancel()
	})
}

// Done is closed when the loop goroutine has exited.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Start fetches immediately and then on every interval until the handle is
// canceled, Stop is called, or ctx ends.
func (p *Poller) Start(ctx context.Context) (*TaskHandle, error) {
	p.mu.Lock()
	if p.task != nil {
		p.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	taskCtx, cancel := context.WithCancel(ctx)
	h := &TaskHandle{p: p, cancel: cancel, done: make(chan struct{})}
	p.task = h
	p.mu.Unlock()

	go p.run(taskCtx, h)
	slog.Info("case poller started", "interval", p.interval)
	return h, nil
}

// Stop cancels the running task, if any. Calling it again is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	h := p.task
	p.mu.Unlock()

	if h != nil {
		h.Cancel()
		slog.Info("case poller stopped")
	}
}

// Cases returns a copy of the current collection.
func (p *Poller) Cases() []services.CaseRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]services.CaseRecord, len(p.cases))
	copy(out, p.cases)
	return out
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		Running:     p.task != nil,
		Count:       len(p.cases),
		LastSuccess: p.lastSuccess,
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	return s
}

// Subscribe registers fn to receive every replacement collection.
func (p *Poller) Subscribe(fn func([]services.CaseRecord)) (unsubscribe func()) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.nextID++
	id := p.nextID
	p.subs[id] = fn
	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

func (p *Poller) run(ctx context.Context, h *TaskHandle) {
	defer close(h.done)
	// the parent ctx may end without Cancel; the poller must be restartable
	defer h.Cancel()

	p.seed(ctx, h)
	p.tick(ctx, h)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, h)
		}
	}
}

func (p *Poller) seed(ctx context.Context, h *TaskHandle) {
	if p.cache == nil {
		return
	}

	p.mu.Lock()
	empty := len(p.cases) == 0 && p.etag == ""
	p.mu.Unlock()
	if !empty {
		return
	}

	cases, etag, err := p.cache.Load(ctx)
	if err != nil {
		if !errors.Is(err, services.ErrCacheMiss) {
			slog.Warn("case snapshot unavailable", "error", err)
		}
		return
	}
	if p.commit(h, cases, etag) {
		slog.Info("case collection seeded from snapshot", "count", len(cases))
	}
}

func (p *Poller) tick(ctx context.Context, h *TaskHandle) {
	p.mu.Lock()
	etag := p.etag
	p.mu.Unlock()

	cases, newETag, notModified, err := p.fetcher.Fetch(ctx, etag)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		if !h.canceled {
			p.lastErr = &FetchError{At: time.Now(), Err: err}
		}
		p.mu.Unlock()
		slog.Error("error fetching cases", "error", err)
		return
	}

	if notModified {
		p.mu.Lock()
		if !h.canceled {
			p.lastSuccess = time.Now()
			p.lastErr = nil
		}
		p.mu.Unlock()
		return
	}

	if p.commit(h, cases, newETag) && p.cache != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.cache.Save(saveCtx, cases, newETag); err != nil {
			slog.Warn("failed to save case snapshot", "error", err)
		}
	}
}

// commit replaces the whole collection unless h was canceled meanwhile.
func (p *Poller) commit(h *TaskHandle, cases []services.CaseRecord, etag string) bool {
	next := make([]services.CaseRecord, len(cases))
	copy(next, cases)

	p.mu.Lock()
	if h.canceled {
		p.mu.Unlock()
		slog.Debug("discarding case fetch that finished after stop")
		return false
	}
	p.cases = next
	p.etag = etag
	p.lastSuccess = time.Now()
	p.lastErr = nil
	p.mu.Unlock()

	p.notify(next)
	return true
}

func (p *Poller) notify(cases []services.CaseRecord) {
	p.subMu.Lock()
	fns := make([]func([]services.CaseRecord), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.subMu.Unlock()

	for _, fn := range fns {
		out := make([]services.CaseRecord, len(cases))
		copy(out, cases)
		fn(out)
	}
}
