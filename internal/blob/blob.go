// Package blob stores uploaded document bytes on the local filesystem,
// keyed per user. Paths recorded in the database are relative to the root so
// the data directory can move.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store is a filesystem blob store rooted at a data directory.
type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// clean rejects path escapes in stored keys.
func (s *Store) resolve(key string) (string, error) {
	cleaned := filepath.Clean(key)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	return filepath.Join(s.root, cleaned), nil
}

// Save writes the content under users/<userID>/<docID><ext> and returns the
// relative key and byte count.
func (s *Store) Save(userID, docID, ext string, r io.Reader) (string, int64, error) {
	key := filepath.Join("users", userID, docID+ext)
	full, err := s.resolve(key)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", 0, fmt.Errorf("blob: create dir: %w", err)
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("blob: create: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(full)
		return "", 0, fmt.Errorf("blob: write: %w", err)
	}
	return key, n, nil
}

// Open returns a reader for a stored key.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("blob: open: %w", err)
	}
	return f, nil
}

// Path returns the absolute filesystem path for a key, for readers that need
// random access (PDF parsing).
func (s *Store) Path(key string) (string, error) {
	return s.resolve(key)
}

// Delete removes a stored blob. Missing blobs are not an error.
func (s *Store) Delete(key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete: %w", err)
	}
	return nil
}
