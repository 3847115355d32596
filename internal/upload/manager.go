// Package upload implements the chunked upload session engine: the session
// state machine, its HTTP surface, and the handoff of reassembled files to
// the object-storage backend.
package upload

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"sync"
	"time"

	"stash/internal/chunkstore"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// Session states recorded in the metadata database.
const (
	StateCreated    = "created"
	StateCompleting = "completing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// ObjectStore is the slice of the storage backend the Manager needs. It is
// implemented by *s3.Client; tests substitute a fake.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, data []byte) error
	MultipartUpload(ctx context.Context, bucket, key, filePath string) error
}

// Config holds the settings for the upload session engine.
type Config struct {
	// UploadDir is the root under which staging directories, merged files,
	// and the session metadata database live.
	UploadDir string
	// Bucket is the destination bucket on the storage backend.
	Bucket string
	// KeyPrefix, when set, is prepended to object keys derived from
	// client-supplied filenames.
	KeyPrefix string
	// TransferTimeout bounds a single backend transfer. Defaults to 5m.
	TransferTimeout time.Duration
}

// Manager owns the upload session state machine: create, receive chunks,
// complete. It coordinates the chunk store, the session metadata database,
// and the storage backend, and guarantees staging cleanup on every exit
// path of a completion.
type Manager struct {
	cfg     Config
	store   *chunkstore.Store
	db      *sql.DB
	objects ObjectStore

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// initSchema applies all SQL files in the embedded migrations directory in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(p)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Info("Running migration", "path", p)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// NewManager creates the upload root, opens the session metadata database,
// and returns a Manager that transfers completed uploads through objects.
func NewManager(ctx context.Context, cfg Config, objects ObjectStore) (*Manager, error) {
	if cfg.UploadDir == "" {
		return nil, errors.New("UploadDir must not be empty")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("Bucket must not be empty")
	}
	if objects == nil {
		return nil, errors.New("object store must not be nil")
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 5 * time.Minute
	}

	store, err := chunkstore.NewStore(cfg.UploadDir)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", filepath.Join(cfg.UploadDir, "sessions.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Manager{
		cfg:     cfg,
		store:   store,
		db:      db,
		objects: objects,
		locks:   make(map[string]*sync.RWMutex),
	}, nil
}

// Close closes the session metadata database.
func (m *Manager) Close() error {
	return m.db.Close()
}

// sessionLock returns the mutex guarding the given session, creating it on
// first use. Chunk writes take the read side so writes to distinct indices
// proceed concurrently; Complete and the reaper take the write side so
// reassembly and cleanup never interleave with in-flight chunk writes.
func (m *Manager) sessionLock(id string) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) forgetLock(id string) {
	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()
}

func (m *Manager) objectKey(filename string) string {
	if m.cfg.KeyPrefix == "" {
		return filename
	}
	return path.Join(m.cfg.KeyPrefix, filename)
}

// setState records a session state transition. Metadata is advisory; a
// failed update is logged, not propagated.
func (m *Manager) setState(ctx context.Context, id, state string) {
	if _, err := m.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UTC(), id,
	); err != nil {
		slog.Error("Failed to update session state", "session", id, "state", state, "err", err)
	}
}

// Init starts a new upload session and returns its id. The declared
// filename and size are recorded as client metadata only; nothing enforces
// them against the bytes actually received.
func (m *Manager) Init(ctx context.Context, filename string, fileSize int64) (string, error) {
	id, err := m.store.CreateSession()
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	now := time.Now().UTC()
	if _, err := m.db.ExecContext(ctx,
		`INSERT INTO sessions(id, filename, file_size, state, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		id, filename, fileSize, StateCreated, now, now,
	); err != nil {
		m.store.DiscardSession(id)
		return "", fmt.Errorf("record session: %w", err)
	}

	return id, nil
}

// ReceiveChunk stages one chunk for the session. It returns
// chunkstore.ErrInvalidSession when the session is unknown; the chunk file
// is never partially visible under a bad session id because validation
// happens before any write.
func (m *Manager) ReceiveChunk(ctx context.Context, id string, index int, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := m.sessionLock(id)
	lock.RLock()
	defer lock.RUnlock()

	return m.store.WriteChunk(id, index, r)
}

// Complete reassembles the session's chunks in ascending index order and
// transfers the merged file to the backend under the key derived from
// filename. The staging directory and the merged artifact are removed on
// every exit path past reassembly, including transfer failure and
// cancellation.
func (m *Manager) Complete(ctx context.Context, id, filename string) error {
	lock := m.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	if !m.store.SessionExists(id) {
		return chunkstore.ErrInvalidSession
	}

	m.setState(ctx, id, StateCompleting)

	mergedPath, err := m.store.Reassemble(id, filename)
	if err != nil {
		m.setState(ctx, id, StateFailed)
		return err
	}

	defer func() {
		m.store.DiscardSession(id)
		m.store.RemoveMerged(mergedPath)
		m.forgetLock(id)
	}()

	if err := m.objects.MultipartUpload(ctx, m.cfg.Bucket, m.objectKey(filename), mergedPath); err != nil {
		m.setState(ctx, id, StateFailed)
		return fmt.Errorf("transfer merged file: %w", err)
	}

	m.setState(ctx, id, StateCompleted)
	return nil
}

// UploadFile is the single-shot path: the whole file arrives in one request
// and goes straight to the backend with a header-signed PUT.
func (m *Manager) UploadFile(ctx context.Context, filename string, data []byte) error {
	return m.objects.PutObject(ctx, m.cfg.Bucket, m.objectKey(filename), data)
}

// ReapExpired removes sessions created before now-ttl that never completed,
// along with their staging directories, and prunes metadata rows of old
// completed sessions. It returns the number of abandoned sessions reaped.
func (m *Manager) ReapExpired(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)

	rows, err := m.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE state IN (?, ?) AND created_at < ?`,
		StateCreated, StateFailed, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired sessions: %w", err)
	}

	for _, id := range ids {
		lock := m.sessionLock(id)
		lock.Lock()
		m.store.DiscardSession(id)
		if _, err := m.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			slog.Error("Failed to delete session row", "session", id, "err", err)
		}
		m.forgetLock(id)
		lock.Unlock()
		slog.Info("Reaped abandoned upload session", "session", id)
	}

	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE state = ? AND created_at < ?`,
		StateCompleted, cutoff,
	); err != nil {
		slog.Error("Failed to prune completed session rows", "err", err)
	}

	return len(ids), nil
}
