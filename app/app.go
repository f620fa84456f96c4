// Package app wires the field console together: key provisioning, the
// geocoding script, the case poller and the per-browser workspaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Nxdus/asf-fieldmap/config"
	"github.com/Nxdus/asf-fieldmap/geocode"
	"github.com/Nxdus/asf-fieldmap/loader"
	"github.com/Nxdus/asf-fieldmap/mapview"
	"github.com/Nxdus/asf-fieldmap/poller"
	"github.com/Nxdus/asf-fieldmap/priority"
	"github.com/Nxdus/asf-fieldmap/provision"
	"github.com/Nxdus/asf-fieldmap/services"
	"github.com/Nxdus/asf-fieldmap/session"
)

var ErrGeocodeUnavailable = errors.New("map features unavailable")

// Backend is the slice of the ASF backend the console talks to.
type Backend interface {
	provision.KeySource
	session.Backend
	Counts(ctx context.Context) (services.Counts, error)
	Images(ctx context.Context) ([]services.GalleryImage, error)
}

type Deps struct {
	Backend Backend
	Fetcher services.CaseFetcher
	// Snapshot and Sessions are optional.
	Snapshot services.SnapshotCache
	Sessions session.Store
	// Injector defaults to an HTTPInjector keyed on the configured namespace.
	Injector loader.Injector
	// NewWidget builds the geocoding widget once the script is loaded.
	NewWidget func(geocodeKey string) *geocode.PlacesWidget
}

type App struct {
	cfg       config.Config
	backend   Backend
	keys      *provision.Provisioner
	scripts   *loader.Registry
	poller    *poller.Poller
	sessions  session.Store
	newWidget func(string) *geocode.PlacesWidget

	ready chan struct{}

	mu         sync.Mutex
	started    bool
	cancel     context.CancelFunc
	scriptURL  string
	scriptErr  error
	widget     *geocode.PlacesWidget
	workspaces map[string]*Workspace
}

func New(cfg config.Config, deps Deps) *App {
	injector := deps.Injector
	if injector == nil {
		injector = loader.NewHTTPInjector(cfg.Map.LoadTimeout, map[string]string{
			"google.maps": "google.maps",
			"places":      cfg.Map.Namespace,
		})
	}

	newWidget := deps.NewWidget
	if newWidget == nil {
		newWidget = func(key string) *geocode.PlacesWidget {
			return geocode.NewPlacesWidget(cfg.Map.PlacesURL, key, cfg.HTTPTimeout)
		}
	}

	sessions := deps.Sessions
	if sessions == nil {
		sessions = session.NewMemoryStore(cfg.SessionTTL)
	}

	return &App{
		cfg:     cfg,
		backend: deps.Backend,
		keys: provision.New(deps.Backend, provision.Options{
			MaxAttempts: cfg.Keys.MaxAttempts,
			Backoff:     cfg.Keys.Backoff,
			MaxBackoff:  cfg.Keys.MaxBackoff,
		}),
		scripts:    loader.NewRegistry(loader.NewEnvironment(), injector, cfg.Map.LoadTimeout),
		poller:     poller.New(deps.Fetcher, deps.Snapshot, cfg.Poll.Interval),
		sessions:   sessions,
		newWidget:  newWidget,
		ready:      make(chan struct{}),
		workspaces: make(map[string]*Workspace),
	}
}

// Start launches the case poller, then provisions keys and loads the
// geocoding script in the background. The poller does not wait for either.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	a.started = true
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	if _, err := a.poller.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start case poller: %w", err)
	}

	go a.bootMap(runCtx)
	go a.sweep(runCtx)
	return nil
}

// Ready is closed once the map boot sequence has finished, with or without
// a geocoding widget.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

func (a *App) bootMap(ctx context.Context) {
	defer close(a.ready)

	a.keys.Run(ctx)
	keys, ok := a.keys.Keys()
	if !ok {
		slog.Warn("map features disabled until restart", "error", provision.ErrKeysUnavailable)
		return
	}

	// the script URL is only ever built with a real key
	scriptURL := fmt.Sprintf(a.cfg.Map.ScriptURL, url.QueryEscape(keys.GeocodeKey))
	a.mu.Lock()
	a.scriptURL = scriptURL
	a.mu.Unlock()

	if err := a.scripts.EnsureLoaded(ctx, scriptURL, a.cfg.Map.Namespace); err != nil {
		var le *loader.LoadError
		if errors.As(err, &le) {
			slog.Error("geocoding script unavailable",
				"namespace", le.Namespace,
				"namespace_missing", le.NamespaceMissing(),
				"error", le.Err,
			)
		} else {
			slog.Error("geocoding script unavailable", "error", err)
		}
		a.mu.Lock()
		a.scriptErr = err
		a.mu.Unlock()
		return
	}

	w := a.newWidget(keys.GeocodeKey)

	a.mu.Lock()
	a.widget = w
	list := make([]*Workspace, 0, len(a.workspaces))
	for _, ws := range a.workspaces {
		list = append(list, ws)
	}
	a.mu.Unlock()

	for _, ws := range list {
		ws.Binder.ScriptReady(w)
	}
	slog.Info("geocoding ready", "workspaces", len(list))
}

// Widget returns the geocoding widget once the script is ready.
func (a *App) Widget() (*geocode.PlacesWidget, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.widget == nil {
		return nil, ErrGeocodeUnavailable
	}
	return a.widget, nil
}

// Workspace returns the workspace for id, creating one with a fresh id when
// id is empty or unknown.
func (a *App) Workspace(ctx context.Context, id string) (*Workspace, error) {
	now := time.Now()

	a.mu.Lock()
	if ws, ok := a.workspaces[id]; ok && id != "" {
		a.mu.Unlock()
		ws.touch(now)
		return ws, nil
	}
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	ws := &Workspace{
		ID:       id,
		Gate:     session.NewGate(id, a.backend, a.sessions),
		Binder:   geocode.NewBinder(),
		lastSeen: now,
	}
	a.workspaces[id] = ws
	w := a.widget
	a.mu.Unlock()

	if err := ws.Gate.Restore(ctx); err != nil {
		slog.Warn("session restore failed", "session", id, "error", err)
	}
	if w != nil {
		ws.Binder.ScriptReady(w)
	}
	return ws, nil
}

type expiringStore interface {
	PurgeExpired(now time.Time) int
}

func (a *App) sweep(ctx context.Context) {
	every := a.cfg.SessionTTL / 4
	if every < time.Minute {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.sweepIdle(now)
		}
	}
}

func (a *App) sweepIdle(now time.Time) int {
	a.mu.Lock()
	var idle []*Workspace
	for id, ws := range a.workspaces {
		if now.Sub(ws.idleSince()) > a.cfg.SessionTTL {
			idle = append(idle, ws)
			delete(a.workspaces, id)
		}
	}
	a.mu.Unlock()

	for _, ws := range idle {
		ws.release()
	}
	if len(idle) > 0 {
		slog.Debug("idle workspaces released", "count", len(idle))
	}

	// Redis expires its own keys
	if p, ok := a.sessions.(expiringStore); ok {
		if n := p.PurgeExpired(now); n > 0 {
			slog.Debug("expired sessions purged", "count", n)
		}
	}
	return len(idle)
}

func (a *App) Config() config.Config {
	return a.cfg
}

func (a *App) Cases() []services.CaseRecord {
	return a.poller.Cases()
}

func (a *App) MapView() mapview.View {
	keys, _ := a.keys.Keys()
	return mapview.Render(a.poller.Cases(), keys.MapTileKey, a.viewOptions())
}

func (a *App) viewOptions() mapview.Options {
	return mapview.Options{
		TileURL:         a.cfg.Map.TileURL,
		ClusterRadiusKm: a.cfg.Map.ClusterRadiusKm,
	}
}

type PrioritizedCase struct {
	services.CaseRecord
	Priority priority.Result `json:"priority"`
}

// Priorities scores the current cases and returns them highest first. level
// filters by priority level unless empty or "all"; limit <= 0 means no limit.
func (a *App) Priorities(level string, limit int) []PrioritizedCase {
	return Rank(a.poller.Cases(), a.cfg.Map.ClusterRadiusKm, time.Now(), level, limit)
}

func Rank(cases []services.CaseRecord, radiusKm float64, now time.Time, level string, limit int) []PrioritizedCase {
	idx := mapview.NewIndex(cases)
	items := make([]PrioritizedCase, 0, len(cases))
	for i, c := range cases {
		items = append(items, PrioritizedCase{
			CaseRecord: c,
			Priority:   priority.Calculate(c, priority.Factors{Now: now, NearbyCases: idx.Nearby(i, radiusKm)}),
		})
	}

	level = strings.ToLower(strings.TrimSpace(level))
	if level != "" && level != "all" {
		filtered := make([]PrioritizedCase, 0, len(items))
		for _, it := range items {
			if it.Priority.Level == level {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority.Score == items[j].Priority.Score {
			ti, _ := priority.ParseDate(items[i].Date)
			tj, _ := priority.ParseDate(items[j].Date)
			return ti.After(tj)
		}
		return items[i].Priority.Score > items[j].Priority.Score
	})

	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (a *App) Stats(ctx context.Context) (services.Counts, error) {
	return a.backend.Counts(ctx)
}

func (a *App) Gallery(ctx context.Context) ([]services.GalleryImage, error) {
	return a.backend.Images(ctx)
}

type Status struct {
	KeysReady  bool          `json:"keysReady"`
	Script     string        `json:"script"`
	ScriptErr  string        `json:"scriptError,omitempty"`
	Geocoding  bool          `json:"geocoding"`
	Poller     poller.Status `json:"poller"`
	Workspaces int           `json:"workspaces"`
}

func (a *App) Status() Status {
	_, keysOK := a.keys.Keys()

	a.mu.Lock()
	s := Status{
		KeysReady:  keysOK,
		Script:     loader.NotStarted.String(),
		Geocoding:  a.widget != nil,
		Workspaces: len(a.workspaces),
	}
	scriptURL := a.scriptURL
	if a.scriptErr != nil {
		s.ScriptErr = a.scriptErr.Error()
	}
	a.mu.Unlock()

	if scriptURL != "" {
		s.Script = a.scripts.State(scriptURL).String()
	}
	s.Poller = a.poller.Status()
	return s
}

// Stop cancels the poller and background work and releases every binding.
// Script loads already in flight are left to finish.
func (a *App) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	list := make([]*Workspace, 0, len(a.workspaces))
	for _, ws := range a.workspaces {
		list = append(list, ws)
	}
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.poller.Stop()
	for _, ws := range list {
		ws.release()
	}
}
