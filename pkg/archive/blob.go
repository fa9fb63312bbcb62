// Package archive exports evidence bundles: sealed ranges of the
// constitutional ledger, with their epoch roots, packaged into
// content-addressed blobs for off-site custody. Backends: local
// filesystem, S3 and GCS.
package archive

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"lukechampine.com/blake3"
)

const hashPrefix = "blake3:"

// BlobStore is content-addressed storage for evidence bundles.
type BlobStore interface {
	// Store persists data and returns its content address.
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content address.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists checks whether a blob exists.
	Exists(ctx context.Context, ref string) (bool, error)
	// Delete removes a blob.
	Delete(ctx context.Context, ref string) error
}

// blobRef computes the content address of a blob.
func blobRef(data []byte) string {
	sum := blake3.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

// parseRef validates a content address and returns the bare hex digest.
func parseRef(ref string) (string, error) {
	if len(ref) <= len(hashPrefix) || ref[:len(hashPrefix)] != hashPrefix {
		return "", fmt.Errorf("invalid blob ref format: %s", ref)
	}
	raw := ref[len(hashPrefix):]
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid blob ref hex: %w", err)
	}
	return raw, nil
}

// FileStore is a filesystem-backed BlobStore.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a blob store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Store(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := blobRef(data)
	raw, _ := parseRef(ref)
	path := filepath.Join(s.baseDir, raw+".blob")

	// Idempotent: content addressing makes a re-store a no-op.
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	// Write to temp, then rename.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}

	return ref, nil
}

func (s *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.baseDir, raw+".blob"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found: %s", ref)
		}
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseRef(ref)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(filepath.Join(s.baseDir, raw+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := parseRef(ref)
	if err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(s.baseDir, raw+".blob")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
