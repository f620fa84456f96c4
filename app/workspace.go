package app

import (
	"sync"
	"time"

	"github.com/Nxdus/asf-fieldmap/geocode"
	"github.com/Nxdus/asf-fieldmap/session"
)

// Workspace is the per-browser state: the session gate, the location input
// and the binder that ties the input to the geocoding widget.
type Workspace struct {
	ID     string
	Gate   *session.Gate
	Binder *geocode.Binder

	mu       sync.Mutex
	input    *geocode.Input
	lastSeen time.Time
}

// BindInput mounts the location input with the given element id. Mounting
// the same id again keeps the existing input and its listener. Element ids
// are scoped to the workspace so browsers never share a listener.
func (w *Workspace) BindInput(elementID string) *geocode.Input {
	if elementID != "" {
		elementID = w.ID + "/" + elementID
	}

	// the binder is updated under w.mu so input and binding never diverge
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.input != nil && w.input.ID() == elementID {
		return w.input
	}
	var in *geocode.Input
	if elementID == "" {
		in = geocode.NewInput()
	} else {
		in = geocode.NewInputWithID(elementID)
	}
	w.input = in
	w.Binder.SetElement(in)
	return in
}

func (w *Workspace) Input() *geocode.Input {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.input
}

func (w *Workspace) touch(now time.Time) {
	w.mu.Lock()
	w.lastSeen = now
	w.mu.Unlock()
}

func (w *Workspace) idleSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen
}

func (w *Workspace) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Binder.Release()
	w.input = nil
}
