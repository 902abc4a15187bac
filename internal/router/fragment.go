package router

import (
	"strings"
	"sync"
)

// InMemory is a Fragment held in process memory, standing in for the
// browser address bar. Writes notify registered watchers, mirroring
// hashchange semantics: watchers fire only when the value actually
// changes.
type InMemory struct {
	mu       sync.Mutex
	value    string
	watchers map[int]func()
	nextID   int
}

// NewInMemory creates a fragment holding the given initial value. A
// leading '#' is stripped.
func NewInMemory(initial string) *InMemory {
	return &InMemory{
		value:    strings.TrimPrefix(initial, "#"),
		watchers: make(map[int]func()),
	}
}

func (f *InMemory) Read() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *InMemory) Write(v string) {
	v = strings.TrimPrefix(v, "#")
	f.mu.Lock()
	if f.value == v {
		f.mu.Unlock()
		return
	}
	f.value = v
	fns := make([]func(), 0, len(f.watchers))
	for _, fn := range f.watchers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Watch registers a change watcher. The returned function removes it.
func (f *InMemory) Watch(fn func()) (remove func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.watchers[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
	}
}
