package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemorySize = 65536

// Memory is a bounded in-process Store.
type Memory struct {
	entries *lru.Cache[string, []byte]
}

// NewMemory builds a Memory store holding at most size views.
func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = defaultMemorySize
	}
	entries, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Memory{entries: entries}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, ok := m.entries.Get(key)
	return value, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.entries.Add(key, value)
	return nil
}

func (m *Memory) Invalidate(_ context.Context, keys ...string) error {
	for _, key := range keys {
		m.entries.Remove(key)
	}
	return nil
}

// Len returns the number of cached views.
func (m *Memory) Len() int {
	return m.entries.Len()
}
