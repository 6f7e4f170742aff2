// Package state tracks whether the inference pipeline can take a new request.
package state

import "sync"

// Availability derives "available" from two independent flags:
// available = modelLoaded && !busy.
//
// Setters recompute under mu and then publish to observers synchronously.
// pubMu serializes publications so observers see them in mutation order,
// while Get only needs mu and stays callable from inside an observer.
type Availability struct {
	pubMu sync.Mutex

	mu          sync.RWMutex
	busy        bool
	modelLoaded bool
	available   bool
	nextID      int
	observers   map[int]func(bool)
}

func NewAvailability() *Availability {
	return &Availability{observers: make(map[int]func(bool))}
}

// Get returns the current derived value.
func (a *Availability) Get() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.available
}

func (a *Availability) Busy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.busy
}

func (a *Availability) ModelLoaded() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.modelLoaded
}

func (a *Availability) SetBusy(busy bool) {
	a.update(func() { a.busy = busy })
}

func (a *Availability) SetModelLoaded(loaded bool) {
	a.update(func() { a.modelLoaded = loaded })
}

// Subscribe registers an observer. Observers run on the setter's goroutine
// and must return quickly. Publications are serialized, so an observer must
// not call SetBusy or SetModelLoaded: that deadlocks. Get, Busy and
// ModelLoaded are safe. The returned func removes the observer.
func (a *Availability) Subscribe(fn func(available bool)) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.observers[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

func (a *Availability) update(mutate func()) {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	a.mu.Lock()
	mutate()
	a.available = a.modelLoaded && !a.busy
	value := a.available
	observers := make([]func(bool), 0, len(a.observers))
	for id := 0; id < a.nextID; id++ {
		if fn, ok := a.observers[id]; ok {
			observers = append(observers, fn)
		}
	}
	a.mu.Unlock()

	for _, fn := range observers {
		fn(value)
	}
}
