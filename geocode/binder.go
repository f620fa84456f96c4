package geocode

import (
	"log/slog"
	"sync"
)

// Binding is one attached listener. Release is safe to call more than once.
type Binding struct {
	elementID string
	once      sync.Once
	detach    func()
}

func (b *Binding) ElementID() string {
	return b.elementID
}

func (b *Binding) Release() {
	b.once.Do(func() {
		if b.detach != nil {
			b.detach()
		}
	})
}

// Binder owns the listener for one location input and the LocationSelection
// it produces. The widget and the element may arrive in either order; the
// binder attaches exactly once when both are present.
type Binder struct {
	mu      sync.Mutex
	widget  Widget
	el      Element
	binding *Binding

	state SelectionState
	loc   LocationSelection
}

func NewBinder() *Binder {
	return &Binder{}
}

// ScriptReady hands the binder the loaded widget.
func (b *Binder) ScriptReady(w Widget) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.widget == w {
		return
	}
	b.releaseLocked()
	b.widget = w
	b.bindLocked()
}

// SetElement (re)binds to el. A different element releases the old listener
// before the new one is attached; the same element is a no-op.
func (b *Binder) SetElement(el Element) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.el != nil && el != nil && b.el.ID() == el.ID() {
		return
	}
	b.releaseLocked()
	if b.el != nil {
		// the old selection belongs to the old input's text
		b.state = SelectionNone
		b.loc = LocationSelection{}
	}
	b.el = el
	b.bindLocked()
}

// Release detaches the listener and forgets the element.
func (b *Binder) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked()
	b.el = nil
}

func (b *Binder) Bound() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binding != nil
}

func (b *Binder) Element() Element {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.el
}

// Current returns the last selection and its state.
func (b *Binder) Current() (LocationSelection, SelectionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loc, b.state
}

// Location reports the selection only when one is committed.
func (b *Binder) Location() (LocationSelection, bool) {
	loc, state := b.Current()
	return loc, state == SelectionSelected
}

// Reset clears the selection and the input text.
func (b *Binder) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = SelectionNone
	b.loc = LocationSelection{}
	if b.el != nil {
		b.el.SetValue("")
	}
}

func (b *Binder) bindLocked() {
	if b.widget == nil || b.el == nil || b.binding != nil {
		return
	}

	el := b.el
	detach := b.widget.Attach(el, func(p Place) {
		b.handlePlace(el, p)
	})
	b.binding = &Binding{elementID: el.ID(), detach: detach}
	slog.Debug("location input bound", "element", el.ID())
}

func (b *Binder) releaseLocked() {
	if b.binding == nil {
		return
	}
	b.binding.Release()
	slog.Debug("location input released", "element", b.binding.ElementID())
	b.binding = nil
}

func (b *Binder) handlePlace(el Element, p Place) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// events for an element that has since been replaced are dropped
	if b.el == nil || b.el.ID() != el.ID() {
		return
	}

	if p.Geometry == nil {
		b.state = SelectionUndefined
		b.loc = LocationSelection{}
		el.SetValue(UndefinedLabel)
		return
	}

	name := p.Name
	if name == "" {
		name = p.FormattedAddress
	}
	b.loc = LocationSelection{Name: name, Lat: p.Geometry.Lat, Lng: p.Geometry.Lng}
	b.state = SelectionSelected

	label := p.FormattedAddress
	if label == "" {
		label = p.Name
	}
	if label == "" {
		label = "Location selected"
	}
	el.SetValue(label)
}
