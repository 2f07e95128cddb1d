package cache

import (
	"context"
	"sync"
)

// Recorder wraps a Store and remembers every invalidated key.
type Recorder struct {
	Store
	mu          sync.Mutex
	invalidated []string
}

// NewRecorder wraps store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{Store: store}
}

func (r *Recorder) Invalidate(ctx context.Context, keys ...string) error {
	r.mu.Lock()
	r.invalidated = append(r.invalidated, keys...)
	r.mu.Unlock()
	return r.Store.Invalidate(ctx, keys...)
}

// Invalidated returns the keys invalidated since the last Reset.
func (r *Recorder) Invalidated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]string, len(r.invalidated))
	copy(result, r.invalidated)
	return result
}

// Reset forgets recorded keys.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.invalidated = nil
	r.mu.Unlock()
}
