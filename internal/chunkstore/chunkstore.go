// Package chunkstore stages uploaded file chunks on the local filesystem,
// one directory per upload session, and reassembles them in ascending
// numeric chunk-index order into a single merged file.
package chunkstore

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidSession is returned when a session id does not correspond to an
// existing staging directory.
var ErrInvalidSession = errors.New("invalid upload session")

const (
	chunkPrefix = "chunk_"

	// copyBufferSize bounds the per-request memory used while streaming
	// chunk and merge I/O, independent of chunk or file size.
	copyBufferSize = 1 << 20
)

// Store persists chunks under root. Session ids are UUIDs; anything else is
// rejected before it can touch the filesystem.
type Store struct {
	root string
}

// NewStore creates the upload root if needed and returns a Store over it.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("upload root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the upload root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.root, id)
}

// CreateSession allocates a fresh staging directory and returns its id.
func (s *Store) CreateSession() (string, error) {
	id := uuid.NewString()
	if err := os.Mkdir(s.sessionDir(id), 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	return id, nil
}

// SessionExists reports whether id names an existing staging directory.
func (s *Store) SessionExists(id string) bool {
	if _, err := uuid.Parse(id); err != nil {
		return false
	}
	info, err := os.Stat(s.sessionDir(id))
	return err == nil && info.IsDir()
}

// WriteChunk streams r into the chunk file for (id, index), overwriting any
// previous chunk at that index. The body is copied in bounded increments.
func (s *Store) WriteChunk(id string, index int, r io.Reader) error {
	if !s.SessionExists(id) {
		return ErrInvalidSession
	}

	name := filepath.Join(s.sessionDir(id), fmt.Sprintf("%s%d", chunkPrefix, index))
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}

	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(f, r, buf); err != nil {
		f.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write chunk %d: %w", index, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close chunk file: %w", err)
	}
	return nil
}

// Reassemble concatenates the session's chunks into a merged file named
// "<id>_<filename>" in the upload root and returns the merged file's path.
// Chunks are ordered by the numeric value of their index, not lexically:
// chunk_10 must sort after chunk_9.
func (s *Store) Reassemble(id, filename string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrInvalidSession
	}

	dir := s.sessionDir(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrInvalidSession
		}
		return "", fmt.Errorf("list staging dir: %w", err)
	}

	type chunk struct {
		index int
		name  string
	}
	var chunks []chunk
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, chunkPrefix) {
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(name, chunkPrefix))
		if err != nil {
			slog.Warn("Skipping chunk file with unparseable index", "session", id, "name", name)
			continue
		}
		chunks = append(chunks, chunk{index: index, name: name})
	}

	slices.SortFunc(chunks, func(a, b chunk) int {
		return cmp.Compare(a.index, b.index)
	})

	mergedPath := filepath.Join(s.root, id+"_"+filepath.Base(filename))
	merged, err := os.Create(mergedPath)
	if err != nil {
		return "", fmt.Errorf("create merged file: %w", err)
	}

	buf := make([]byte, copyBufferSize)
	for _, c := range chunks {
		if err := appendChunk(merged, filepath.Join(dir, c.name), buf); err != nil {
			merged.Close()
			_ = os.Remove(mergedPath)
			return "", err
		}
	}
	if err := merged.Close(); err != nil {
		_ = os.Remove(mergedPath)
		return "", fmt.Errorf("close merged file: %w", err)
	}
	return mergedPath, nil
}

func appendChunk(dst io.Writer, chunkPath string, buf []byte) error {
	f, err := os.Open(chunkPath)
	if err != nil {
		return fmt.Errorf("open chunk: %w", err)
	}
	defer f.Close()

	if _, err := io.CopyBuffer(dst, f, buf); err != nil {
		return fmt.Errorf("merge chunk %s: %w", filepath.Base(chunkPath), err)
	}
	return nil
}

// DiscardSession removes the session's staging directory. Best-effort:
// failures are logged, never returned, so cleanup cannot mask the outcome
// of the operation that triggered it.
func (s *Store) DiscardSession(id string) {
	if _, err := uuid.Parse(id); err != nil {
		return
	}
	if err := os.RemoveAll(s.sessionDir(id)); err != nil {
		slog.Error("Failed to remove staging dir", "session", id, "err", err)
	}
}

// RemoveMerged deletes a merged artifact, best-effort.
func (s *Store) RemoveMerged(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Error("Failed to remove merged file", "path", path, "err", err)
	}
}
