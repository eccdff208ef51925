package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/redis"
)

// ErrCorrupt marks a checkpoint document that exists but cannot be decoded.
// Callers treat it as fatal rather than silently starting over.
var ErrCorrupt = errors.New("checkpoint: corrupt document")

// Store loads and saves a Record. Save must replace the previous document
// atomically: readers see either the old or the new version, never a mix.
type Store interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, rec *Record) error
}

// FileStore keeps the record as a JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a FileStore writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the checkpoint file location.
func (s *FileStore) Path() string { return s.path }

// Load reads the record. A missing file yields an empty record.
func (s *FileStore) Load(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", s.path, err)
	}
	return decode(data, s.path)
}

// Save writes the record to a temporary file in the same directory, syncs it
// and renames it over the previous document.
func (s *FileStore) Save(ctx context.Context, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("checkpoint: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("checkpoint: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("checkpoint: replace %s: %w", s.path, err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

func decode(data []byte, source string) (*Record, error) {
	rec := New()
	if len(data) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, source, err)
	}
	return rec, nil
}

// MemoryStore keeps the record in process memory only. Saves are encoded so
// later mutations of the caller's record do not leak into the stored copy.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decode(s.data, "memory")
}

func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// RedisStore keeps the record as a JSON string under a single key.
type RedisStore struct {
	rds *redis.Redis
	key string
}

// NewRedisStore returns a RedisStore using key.
func NewRedisStore(rds *redis.Redis, key string) *RedisStore {
	return &RedisStore{rds: rds, key: key}
}

// Load reads the record. A missing key yields an empty record.
func (s *RedisStore) Load(ctx context.Context) (*Record, error) {
	val, err := s.rds.GetCtx(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: redis get %s: %w", s.key, err)
	}
	return decode([]byte(val), "redis:"+s.key)
}

// Save overwrites the key; SET replaces the value atomically.
func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	if err := s.rds.SetCtx(ctx, s.key, string(data)); err != nil {
		return fmt.Errorf("checkpoint: redis set %s: %w", s.key, err)
	}
	return nil
}

// Mirror pairs an authoritative store with a best-effort secondary. Load
// merges both so that whichever copy is further ahead wins per stream; Save
// fails only when the primary fails.
type Mirror struct {
	Primary   Store
	Secondary Store
}

func (m *Mirror) Load(ctx context.Context) (*Record, error) {
	rec, err := m.Primary.Load(ctx)
	if err != nil {
		return nil, err
	}
	if m.Secondary == nil {
		return rec, nil
	}
	other, err := m.Secondary.Load(ctx)
	if err != nil {
		logx.WithContext(ctx).Errorf("checkpoint: secondary load failed, using primary only: %v", err)
		return rec, nil
	}
	rec.Merge(other)
	return rec, nil
}

func (m *Mirror) Save(ctx context.Context, rec *Record) error {
	if err := m.Primary.Save(ctx, rec); err != nil {
		return err
	}
	if m.Secondary != nil {
		if err := m.Secondary.Save(ctx, rec); err != nil {
			logx.WithContext(ctx).Errorf("checkpoint: secondary save failed: %v", err)
		}
	}
	return nil
}
