package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rendis/runengine/pkg/schema"
)

// BlobStore holds artifact bytes addressed by digest. Put is idempotent:
// writing a digest that already exists is a no-op.
type BlobStore interface {
	Put(ctx context.Context, digest string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
}

// refFor maps "sha256:abcd..." to "sha256/ab/abcd...".
func refFor(digest string) (string, error) {
	algo, hex, ok := strings.Cut(digest, ":")
	if !ok || algo != digestAlgo || len(hex) < 3 {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "malformed digest %q", digest)
	}
	return algo + "/" + hex[:2] + "/" + hex, nil
}

// FSBlobStore keeps blobs under a root directory.
type FSBlobStore struct {
	root string
}

// NewFSBlobStore creates the root directory if needed.
func NewFSBlobStore(root string) (*FSBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FSBlobStore{root: root}, nil
}

func (b *FSBlobStore) Put(_ context.Context, digest string, data []byte) (string, error) {
	ref, err := refFor(digest)
	if err != nil {
		return "", err
	}
	path := filepath.Join(b.root, filepath.FromSlash(ref))
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	// Write to a temp file in the same directory, then rename into place so
	// readers never observe a partial blob.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return ref, nil
}

func (b *FSBlobStore) Get(_ context.Context, ref string) ([]byte, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid blob ref %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(b.root, clean))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "blob %q not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (b *FSBlobStore) Exists(_ context.Context, digest string) (bool, error) {
	ref, err := refFor(digest)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(b.root, filepath.FromSlash(ref)))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// MemoryBlobStore keeps blobs in a map. Used by tests and the memory backend.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (b *MemoryBlobStore) Put(_ context.Context, digest string, data []byte) (string, error) {
	ref, err := refFor(digest)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.blobs[ref]; !ok {
		b.blobs[ref] = append([]byte(nil), data...)
	}
	return ref, nil
}

func (b *MemoryBlobStore) Get(_ context.Context, ref string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[ref]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "blob %q not found", ref)
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBlobStore) Exists(_ context.Context, digest string) (bool, error) {
	ref, err := refFor(digest)
	if err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blobs[ref]
	return ok, nil
}

// Len returns the number of distinct blobs held.
func (b *MemoryBlobStore) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}

var (
	_ BlobStore = (*FSBlobStore)(nil)
	_ BlobStore = (*MemoryBlobStore)(nil)
)
