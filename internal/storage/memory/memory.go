// Package memory stores artifacts in memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Provider keeps artifacts in a map and returns memory:// URIs.
type Provider struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an in-memory provider.
func New() *Provider {
	return &Provider{data: make(map[string][]byte)}
}

// PutObject persists the content and returns its URI.
func (p *Provider) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read artifact data: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[path] = append([]byte(nil), content...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns a stored artifact for assertions in tests.
func (p *Provider) Get(path string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	content, ok := p.data[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), content...), true
}

// Len reports how many artifacts are stored.
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.data)
}
