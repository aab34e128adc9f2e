package storage

import (
	"context"
	"io"
)

// BlobStorage defines the interface for document content storage
type BlobStorage interface {
	// Store saves content at the given path and returns the number of bytes
	// written together with the SHA-256 checksum of the content.
	Store(ctx context.Context, path string, content io.Reader) (int64, string, error)

	// Retrieve gets content from the given path
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes content at the given path
	Delete(ctx context.Context, path string) error

	// Exists checks if content exists at the given path
	Exists(ctx context.Context, path string) (bool, error)

	// GetSize returns the size of content at the given path
	GetSize(ctx context.Context, path string) (int64, error)
}
