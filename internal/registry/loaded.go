package registry

import (
	"io"
	"sync"

	"compiled/internal/backend"
)

// Loaded is a live backend together with the module that provides it.
//
// A Loaded starts with one reference, held by the registry's live-instance
// map. Every artifact compiled by it takes another. The module is closed
// when the last reference is released.
type Loaded struct {
	Desc    Descriptor
	Backend backend.Backend

	module io.Closer

	mu     sync.Mutex
	refs   int
	closed bool
}

// NewLoaded wraps a constructed backend. module may be nil for in-process
// backends.
func NewLoaded(desc Descriptor, b backend.Backend, module io.Closer) *Loaded {
	return &Loaded{Desc: desc.clone(), Backend: b, module: module, refs: 1}
}

// Retain adds a reference.
func (l *Loaded) Retain() {
	l.mu.Lock()
	l.refs++
	l.mu.Unlock()
}

// TryRetain adds a reference unless the module has already been closed.
// A closed Loaded has been removed from the registry; callers look the
// device up again.
func (l *Loaded) TryRetain() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.refs++
	return true
}

// Release drops a reference and closes the module when none remain.
func (l *Loaded) Release() error {
	l.mu.Lock()
	if l.refs == 0 {
		l.mu.Unlock()
		return nil
	}
	l.refs--
	if l.refs > 0 || l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	if l.module != nil {
		return l.module.Close()
	}
	return nil
}

// Refs returns the current reference count.
func (l *Loaded) Refs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs
}

// Closed reports whether the module has been closed.
func (l *Loaded) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
