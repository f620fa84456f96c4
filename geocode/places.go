package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotBound      = errors.New("no listener bound to input")
	ErrPlaceNotFound = errors.New("place not found")
)

type Suggestion struct {
	Description string `json:"description"`
	PlaceID     string `json:"place_id"`
}

// PlacesWidget is the Places-backed Widget. It resolves suggestions and
// place details over the Places web service and dispatches selection events
// to the listeners attached to each input.
type PlacesWidget struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	mu        sync.Mutex
	nextID    uint64
	listeners map[string]map[uint64]func(Place)
}

func NewPlacesWidget(baseURL, apiKey string, timeout time.Duration) *PlacesWidget {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PlacesWidget{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		listeners:  make(map[string]map[uint64]func(Place)),
	}
}

func (w *PlacesWidget) Attach(el Element, onPlace func(Place)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	elementID := el.ID()
	if w.listeners[elementID] == nil {
		w.listeners[elementID] = make(map[uint64]func(Place))
	}
	w.listeners[elementID][id] = onPlace

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.listeners[elementID], id)
		if len(w.listeners[elementID]) == 0 {
			delete(w.listeners, elementID)
		}
	}
}

func (w *PlacesWidget) ListenerCount(elementID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.listeners[elementID])
}

// Suggest returns city suggestions for partial input.
func (w *PlacesWidget) Suggest(ctx context.Context, input string) ([]Suggestion, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return []Suggestion{}, nil
	}

	params := url.Values{}
	params.Add("input", input)
	params.Add("types", "(cities)")
	params.Add("key", w.apiKey)

	var result struct {
		Status       string       `json:"status"`
		ErrorMessage string       `json:"error_message"`
		Predictions  []Suggestion `json:"predictions"`
	}
	if err := w.get(ctx, "/autocomplete/json", params, &result); err != nil {
		return nil, err
	}

	switch result.Status {
	case "OK":
		return result.Predictions, nil
	case "ZERO_RESULTS":
		return []Suggestion{}, nil
	default:
		return nil, fmt.Errorf("places autocomplete %s: %s", result.Status, result.ErrorMessage)
	}
}

// Select resolves placeID and dispatches it as a selection on elementID.
func (w *PlacesWidget) Select(ctx context.Context, elementID, placeID string) (Place, error) {
	params := url.Values{}
	params.Add("place_id", placeID)
	params.Add("fields", "name,geometry,formatted_address")
	params.Add("key", w.apiKey)

	var result struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
		Result       struct {
			Name             string `json:"name"`
			FormattedAddress string `json:"formatted_address"`
			Geometry         *struct {
				Location struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
			} `json:"geometry"`
		} `json:"result"`
	}
	if err := w.get(ctx, "/details/json", params, &result); err != nil {
		return Place{}, err
	}

	switch result.Status {
	case "OK":
	case "NOT_FOUND", "ZERO_RESULTS", "INVALID_REQUEST":
		return Place{}, ErrPlaceNotFound
	default:
		return Place{}, fmt.Errorf("places details %s: %s", result.Status, result.ErrorMessage)
	}

	place := Place{
		Name:             result.Result.Name,
		FormattedAddress: result.Result.FormattedAddress,
	}
	if g := result.Result.Geometry; g != nil {
		place.Geometry = &Geometry{Lat: g.Location.Lat, Lng: g.Location.Lng}
	}

	if err := w.dispatch(elementID, place); err != nil {
		return Place{}, err
	}
	return place, nil
}

// Commit dispatches free text that was not picked from the suggestions.
func (w *PlacesWidget) Commit(elementID, text string) error {
	return w.dispatch(elementID, Place{Name: strings.TrimSpace(text)})
}

func (w *PlacesWidget) dispatch(elementID string, p Place) error {
	w.mu.Lock()
	fns := make([]func(Place), 0, len(w.listeners[elementID]))
	for _, fn := range w.listeners[elementID] {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	if len(fns) == 0 {
		return ErrNotBound
	}
	// listeners run outside the lock so they may detach or re-attach
	for _, fn := range fns {
		fn(p)
	}
	return nil
}

func (w *PlacesWidget) get(ctx context.Context, path string, params url.Values, out any) error {
	if w.apiKey == "" {
		return errors.New("places API key not set")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call Places API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("Places API error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse Places response: %w", err)
	}
	slog.Debug("places request", "path", path)
	return nil
}
