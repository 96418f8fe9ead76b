package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// DefaultKey identifies the persisted profile in every store.
const DefaultKey = "attention:calibration:profile"

// Store persists the calibration profile. Last write wins.
type Store interface {
	// Save persists p, replacing any previous profile.
	Save(ctx context.Context, p Profile) error

	// Load returns the stored profile and whether one exists.
	Load(ctx context.Context) (Profile, bool, error)

	// Clear removes the stored profile.
	Clear(ctx context.Context) error
}

func encode(p Profile) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal profile: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Profile, error) {
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("unmarshal profile: %w", err)
	}
	return p, nil
}

// MemoryStore keeps the profile in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	profile *Profile
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = &p
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return Profile{}, false, nil
	}
	return *s.profile, true, nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = nil
	return nil
}

// JSONStore persists the profile as a JSON file.
type JSONStore struct {
	FilePath string
}

// NewJSONStore creates a file store at path.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{FilePath: path}
}

// Save writes the profile through a temp file and rename.
func (s *JSONStore) Save(ctx context.Context, p Profile) error {
	data, err := encode(p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.FilePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	tmp := s.FilePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, s.FilePath); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func (s *JSONStore) Load(ctx context.Context) (Profile, bool, error) {
	data, err := os.ReadFile(s.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Profile{}, false, nil
		}
		return Profile{}, false, fmt.Errorf("read file: %w", err)
	}
	p, err := decode(data)
	if err != nil {
		return Profile{}, false, err
	}
	return p, true, nil
}

func (s *JSONStore) Clear(ctx context.Context) error {
	if err := os.Remove(s.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// RedisStore keeps the profile under a single Redis key.
type RedisStore struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisStore uses client with key (DefaultKey when empty). A zero ttl
// keeps the profile forever.
func NewRedisStore(client redis.Cmdable, key string, ttl time.Duration) *RedisStore {
	if key == "" {
		key = DefaultKey
	}
	return &RedisStore{client: client, key: key, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, p Profile) error {
	data, err := encode(p)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (Profile, bool, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	p, err := decode(data)
	if err != nil {
		return Profile{}, false, err
	}
	return p, true, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", s.key, err)
	}
	return nil
}

// Schema is the DDL for the calibration_profiles table. Apply it with
// [PostgresStore.Migrate] or during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS calibration_profiles (
    id          TEXT PRIMARY KEY,
    profile     JSONB NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the subset of *pgxpool.Pool and *pgx.Conn used by PostgresStore.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps the profile as one JSONB row.
type PostgresStore struct {
	db DB
	id string
}

// NewPostgresStore uses db with row id (DefaultKey when empty).
func NewPostgresStore(db DB, id string) *PostgresStore {
	if id == "" {
		id = DefaultKey
	}
	return &PostgresStore{db: db, id: id}
}

// Migrate creates the table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("calibration: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, p Profile) error {
	data, err := encode(p)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO calibration_profiles (id, profile, recorded_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET profile = EXCLUDED.profile, recorded_at = EXCLUDED.recorded_at, updated_at = now()`
	if _, err := s.db.Exec(ctx, query, s.id, data, p.RecordedAt); err != nil {
		return fmt.Errorf("calibration: save: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (Profile, bool, error) {
	const query = `SELECT profile FROM calibration_profiles WHERE id = $1`
	var data []byte
	if err := s.db.QueryRow(ctx, query, s.id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, false, nil
		}
		return Profile{}, false, fmt.Errorf("calibration: load: %w", err)
	}
	p, err := decode(data)
	if err != nil {
		return Profile{}, false, err
	}
	return p, true, nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	const query = `DELETE FROM calibration_profiles WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, s.id); err != nil {
		return fmt.Errorf("calibration: clear: %w", err)
	}
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*JSONStore)(nil)
	_ Store = (*RedisStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
