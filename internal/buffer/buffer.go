// Package buffer provides the in-memory byte sink that receives muxer output.
//
// A buffer is shared through reference-counted handles. Writers append under
// a mutex and never remove or reorder bytes; once the buffer is finalized it
// is read-only. The owner of the last handle can move the bytes out without a
// copy, every other holder copies them.
package buffer

import (
	"errors"
	"sync"
)

// Errors returned by buffer operations.
var (
	ErrFinalized = errors.New("buffer finalized")
	ErrReleased  = errors.New("buffer handle released")
)

type shared struct {
	mu        sync.Mutex
	data      []byte
	refs      int
	finalized bool
	taken     bool
}

// Handle is one reference to a shared buffer. A Handle must not be used after
// Release.
type Handle struct {
	s        *shared
	mu       sync.Mutex
	released bool
}

// New creates an empty buffer and returns its first handle.
func New() *Handle {
	return &Handle{s: &shared{refs: 1}}
}

// Clone returns an additional handle to the same buffer.
func (h *Handle) Clone() *Handle {
	h.s.mu.Lock()
	h.s.refs++
	h.s.mu.Unlock()
	return &Handle{s: h.s}
}

// Release drops this handle's reference. Releasing twice is a no-op.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true

	h.s.mu.Lock()
	h.s.refs--
	h.s.mu.Unlock()
}

// Write appends p. It implements io.Writer.
func (h *Handle) Write(p []byte) (int, error) {
	if h.isReleased() {
		return 0, ErrReleased
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.s.finalized {
		return 0, ErrFinalized
	}
	h.s.data = append(h.s.data, p...)
	return len(p), nil
}

// Finalize makes the buffer read-only.
func (h *Handle) Finalize() {
	h.s.mu.Lock()
	h.s.finalized = true
	h.s.mu.Unlock()
}

// Finalized reports whether the buffer is read-only.
func (h *Handle) Finalized() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.finalized
}

// Len returns the number of bytes written so far.
func (h *Handle) Len() int {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return len(h.s.data)
}

// Refs returns the number of live handles.
func (h *Handle) Refs() int {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.refs
}

// TryTakeExclusive moves the contents out when h is the only live handle.
// The buffer is finalized and left empty; the handle is released. It returns
// false, leaving everything untouched, while other handles exist.
func (h *Handle) TryTakeExclusive() ([]byte, bool) {
	if h.isReleased() {
		return nil, false
	}
	h.s.mu.Lock()
	if h.s.refs != 1 || h.s.taken {
		h.s.mu.Unlock()
		return nil, false
	}
	data := h.s.data
	h.s.data = nil
	h.s.taken = true
	h.s.finalized = true
	h.s.mu.Unlock()

	h.Release()
	if data == nil {
		data = []byte{}
	}
	return data, true
}

// CloneContents returns a copy of the bytes written so far.
func (h *Handle) CloneContents() []byte {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	out := make([]byte, len(h.s.data))
	copy(out, h.s.data)
	return out
}

func (h *Handle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}
