// Package blobstore stores opaque documents such as state snapshots. It
// defines the BlobStore interface with an in-memory implementation for
// development and tests and an S3 implementation for deployments.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrBlobExists   = errors.New("blob already exists")
	ErrFileTooLarge = errors.New("blob exceeds maximum allowed size")
	ErrMissingKey   = errors.New("blob key is required")
)

// MaxBlobSize is the largest blob accepted (256 MB).
const MaxBlobSize = 256 * 1024 * 1024

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Hash        string            `json:"hash,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CreatedBy   string            `json:"created_by,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// BlobStore is the contract for blob storage backends. Keys are
// create-only: writing an existing key fails with ErrBlobExists.
type BlobStore interface {
	Put(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error)
	List(ctx context.Context, prefix string) ([]*BlobMetadata, error)
}

// readBlob reads content up to MaxBlobSize and returns it with its SHA-256.
func readBlob(content io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxBlobSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxBlobSize {
		return nil, "", ErrFileTooLarge
	}
	return data, fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe BlobStore for development and tests.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
	now   func() time.Time
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryBlobStore) Put(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if meta.Key == "" {
		return nil, ErrMissingKey
	}
	data, hash, err := readBlob(content)
	if err != nil {
		return nil, err
	}

	meta.Size = int64(len(data))
	meta.Hash = hash
	meta.CreatedAt = s.now()
	meta.Tags = copyTags(meta.Tags)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[meta.Key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobExists, meta.Key)
	}
	s.blobs[meta.Key] = &storedBlob{metadata: meta, content: data}

	out := meta
	out.Tags = copyTags(meta.Tags)
	return &out, nil
}

func (s *InMemoryBlobStore) Get(_ context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}

	meta := blob.metadata
	meta.Tags = copyTags(blob.metadata.Tags)
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

// List returns blobs whose key starts with prefix, sorted by key.
func (s *InMemoryBlobStore) List(_ context.Context, prefix string) ([]*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*BlobMetadata, 0)
	for key, b := range s.blobs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		m := b.metadata
		m.Tags = copyTags(b.metadata.Tags)
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func copyTags(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
