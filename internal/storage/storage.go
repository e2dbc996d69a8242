// Package storage defines the Provider interface for object storage backends
// used to re-host message attachments.
package storage

import "context"

// Provider abstracts object storage operations.
type Provider interface {
	// Store writes data under a name and returns the storage key.
	Store(ctx context.Context, data []byte, name string) (string, error)
	// PresignedURL returns a time-limited download URL for a storage key.
	PresignedURL(ctx context.Context, key string) (string, error)
}
