// SPDX-License-Identifier: MIT

// Package storage provides the durable object store and the ephemeral chunk
// store backing upload assembly and job outputs.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound indicates the requested object or chunk does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrInvalidKey indicates a key that could escape the store root or is empty.
	ErrInvalidKey = errors.New("invalid object key")
)

// ObjectRef identifies a stored object.
type ObjectRef struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// ObjectStore is durable whole-object storage keyed by string.
type ObjectStore interface {
	// Put streams r into the object at key, replacing any previous content
	// atomically.
	Put(ctx context.Context, key string, r io.Reader) (ObjectRef, error)

	// Get opens the object for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// PresignedURL returns a self-authenticating download path valid for ttl.
	PresignedURL(key string, ttl time.Duration) (string, error)
}

// ChunkStore holds raw upload chunks keyed by (uploadID, index). It is
// assumed cheaper and more ephemeral than the object store; chunks are
// deleted after a successful merge.
type ChunkStore interface {
	// PutChunk stores one chunk. Writing the same index twice overwrites.
	PutChunk(ctx context.Context, uploadID string, index int, data []byte) error

	GetChunk(ctx context.Context, uploadID string, index int) ([]byte, error)

	// ChunkIndices lists the distinct stored indices for an upload, ascending.
	ChunkIndices(ctx context.Context, uploadID string) ([]int, error)

	// DeleteChunks removes every chunk of the upload.
	DeleteChunks(ctx context.Context, uploadID string) error
}
