// Package storage defines the interface for storing export artifacts and
// batch reports. The abstraction keeps the engine independent of a specific
// backend (Google Cloud Storage, the local filesystem, or memory).
package storage

import (
	"context"
	"io"
)

// Provider persists artifact blobs and returns a URI the caller can hand to
// users or store alongside the owning session.
type Provider interface {
	// PutObject writes data under the object path and returns its URI.
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// NopProvider discards artifacts, for dry runs where exports are rendered
// but not kept.
type NopProvider struct{}

// PutObject drains the reader and reports a null URI.
func (NopProvider) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, data); err != nil {
		return "", err
	}
	return "null://" + path, nil
}
