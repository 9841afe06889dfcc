// Package blobstore keeps rule pack bundle documents in object storage so
// they can be imported by key. It defines the Store interface, an in-memory
// implementation for tests and local runs, a MinIO/S3 implementation, and
// Echo handlers for uploading, listing, downloading and deleting bundles.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrObjectNotFound = fmt.Errorf("bundle object not found: %w", fs.ErrNotExist)
	ErrObjectTooLarge = errors.New("bundle object exceeds maximum allowed size")
	ErrInvalidKey     = errors.New("invalid bundle object key")
)

// MaxObjectSize is the largest bundle document accepted (16 MB).
const MaxObjectSize = 16 << 20

// AllowedContentTypes lists the media types a bundle may be stored as.
var AllowedContentTypes = map[string]bool{
	"application/yaml":   true,
	"application/x-yaml": true,
	"text/yaml":          true,
	"application/json":   true,
	"text/plain":         true,
}

// ObjectInfo describes a stored bundle document.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	Hash         string    `json:"hash"`
	LastModified time.Time `json:"last_modified"`
}

// Store is a bundle document backend.
type Store interface {
	Put(ctx context.Context, key, contentType string, content io.Reader) (*ObjectInfo, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ValidateKey accepts 1 to 256 characters of letters, digits, '.', '_', '-'
// and '/', without leading slashes or ".." segments.
func ValidateKey(key string) error {
	if key == "" || len(key) > 256 || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ErrInvalidKey
		}
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-', r == '/':
		default:
			return ErrInvalidKey
		}
	}
	return nil
}

// readLimited reads content fully, failing once it exceeds MaxObjectSize.
// It returns the data and its hex SHA-256.
func readLimited(content io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxObjectSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxObjectSize {
		return nil, "", ErrObjectTooLarge
	}
	return data, fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

type storedObject struct {
	info    ObjectInfo
	content []byte
}

// InMemoryStore is a thread-safe Store backed by a map.
type InMemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		objects: make(map[string]*storedObject),
		now:     time.Now,
	}
}

func (s *InMemoryStore) Put(_ context.Context, key, contentType string, content io.Reader) (*ObjectInfo, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, hash, err := readLimited(content)
	if err != nil {
		return nil, err
	}

	info := ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  contentType,
		Hash:         hash,
		LastModified: s.now().UTC(),
	}

	s.mu.Lock()
	s.objects[key] = &storedObject{info: info, content: data}
	s.mu.Unlock()

	out := info
	return &out, nil
}

func (s *InMemoryStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.content)), nil
}

func (s *InMemoryStore) Stat(_ context.Context, key string) (*ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	info := obj.info
	return &info, nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return ErrObjectNotFound
	}
	delete(s.objects, key)
	return nil
}

// List returns objects whose key starts with prefix, ordered by key.
func (s *InMemoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ObjectInfo, 0, len(s.objects))
	for k, obj := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, obj.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
