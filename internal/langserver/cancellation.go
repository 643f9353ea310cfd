package langserver

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// FileCancellationStrategy signals request cancellation to the server
// through the filesystem instead of the transport. The sender creates a
// marker file named after the request ID inside a per-session temp folder;
// the server polls for the marker while handling the request. This keeps
// cancellation deliverable even when the transport itself is backed up.
//
// The strategy is owned by exactly one Proxy for the lifetime of one
// session and is recreated fresh for each session.
type FileCancellationStrategy struct {
	mu       sync.Mutex
	folder   string
	disposed bool
}

// NewFileCancellationStrategy creates the backing folder for a session.
func NewFileCancellationStrategy() (*FileCancellationStrategy, error) {
	folder := filepath.Join(os.TempDir(), "python-languageserver-cancellation", uuid.NewString())
	if err := os.MkdirAll(folder, 0o700); err != nil {
		return nil, fmt.Errorf("create cancellation folder: %w", err)
	}
	return &FileCancellationStrategy{folder: folder}, nil
}

// Folder returns the cancellation folder path, passed to the server so it
// knows where to look for markers.
func (s *FileCancellationStrategy) Folder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folder
}

// CancelRequest drops a cancellation marker for the given request ID.
func (s *FileCancellationStrategy) CancelRequest(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrStrategyDisposed
	}
	f, err := os.Create(filepath.Join(s.folder, fmt.Sprintf("cancellation-%d.tmp", id)))
	if err != nil {
		return fmt.Errorf("write cancellation marker: %w", err)
	}
	return f.Close()
}

// IsCancelled reports whether a marker exists for the given request ID.
func (s *FileCancellationStrategy) IsCancelled(id int64) bool {
	s.mu.Lock()
	folder := s.folder
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return false
	}
	_, err := os.Stat(filepath.Join(folder, fmt.Sprintf("cancellation-%d.tmp", id)))
	return err == nil
}

// Dispose removes the backing folder. Safe to call multiple times.
func (s *FileCancellationStrategy) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	s.disposed = true
	if err := os.RemoveAll(s.folder); err != nil {
		return fmt.Errorf("remove cancellation folder: %w", err)
	}
	return nil
}
