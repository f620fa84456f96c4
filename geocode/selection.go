// Package geocode binds a location input to the Places widget and turns
// place-selection events into LocationSelection values.
package geocode

import (
	"sync"

	"github.com/google/uuid"
)

// UndefinedLabel is written into the input when a place has no geometry.
const UndefinedLabel = "Undefined"

type LocationSelection struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

type SelectionState int

const (
	SelectionNone SelectionState = iota
	SelectionSelected
	// SelectionUndefined is the sentinel for free text that did not resolve
	// to a place. It never carries a location.
	SelectionUndefined
)

func (s SelectionState) String() string {
	switch s {
	case SelectionSelected:
		return "selected"
	case SelectionUndefined:
		return "undefined"
	default:
		return "none"
	}
}

func (s SelectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Geometry struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a widget-native selection event payload.
type Place struct {
	Name             string    `json:"name"`
	FormattedAddress string    `json:"formatted_address"`
	Geometry         *Geometry `json:"geometry,omitempty"`
}

// Element is a bound text input.
type Element interface {
	ID() string
	SetValue(v string)
}

// Widget is the namespace a loaded geocoding script exposes.
type Widget interface {
	// Attach registers onPlace for el and returns the matching detach func.
	Attach(el Element, onPlace func(Place)) (detach func())
}

// Input is an in-memory Element, one per rendered location field.
type Input struct {
	id string

	mu    sync.RWMutex
	value string
}

func NewInput() *Input {
	return &Input{id: uuid.NewString()}
}

func NewInputWithID(id string) *Input {
	return &Input{id: id}
}

func (i *Input) ID() string {
	return i.id
}

func (i *Input) SetValue(v string) {
	i.mu.Lock()
	i.value = v
	i.mu.Unlock()
}

func (i *Input) Value() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.value
}
