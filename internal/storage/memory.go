package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryProvider keeps objects in memory. It backs tests and local development.
type MemoryProvider struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{objects: map[string][]byte{}}
}

func (p *MemoryProvider) Store(_ context.Context, data []byte, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	p.objects[name] = buf
	return name, nil
}

func (p *MemoryProvider) PresignedURL(_ context.Context, key string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.objects[key]; !ok {
		return "", fmt.Errorf("object not found: %s", key)
	}
	return "memory://" + key, nil
}

// Get returns a stored object, for test assertions.
func (p *MemoryProvider) Get(key string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.objects[key]
	return data, ok
}
