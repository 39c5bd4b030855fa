package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultPersistInterval = time.Minute

type fileEntry struct {
	Value     []byte     `json:"value"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// FileStore keeps entries in memory and persists them to a single JSON file.
// A missing or unreadable file starts an empty cache.
type FileStore struct {
	mu      sync.Mutex
	saveMu  sync.Mutex // orders snapshot and rename across concurrent Saves
	path    string
	entries map[string]fileEntry
	dirty   bool
	now     func() time.Time
}

// NewFileStore loads path if it exists.
func NewFileStore(path string) (*FileStore, error) {
	return newFileStore(path, func() time.Time {
		return time.Now().UTC()
	})
}

func newFileStore(path string, now func() time.Time) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("cache: empty file path")
	}
	s := &FileStore{
		path:    path,
		entries: make(map[string]fileEntry),
		now:     now,
	}
	s.load()
	return s, nil
}

func (s *FileStore) load() {
	data, errRead := os.ReadFile(s.path)
	if errRead != nil {
		if !errors.Is(errRead, fs.ErrNotExist) {
			log.WithError(errRead).Warnf("cache: read %s failed, starting empty", s.path)
		}
		return
	}
	var entries map[string]fileEntry
	if errUnmarshal := json.Unmarshal(data, &entries); errUnmarshal != nil {
		log.WithError(errUnmarshal).Warnf("cache: %s is corrupt, starting empty", s.path)
		return
	}
	now := s.now()
	for key, entry := range entries {
		if entry.expired(now) {
			continue
		}
		s.entries[key] = entry
	}
}

// Start launches the periodic persist loop. The final flush happens when ctx is done.
func (s *FileStore) Start(ctx context.Context, interval time.Duration) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = defaultPersistInterval
	}
	go s.run(ctx, interval)
	log.Infof("file cache started (path=%s interval=%s)", s.path, interval)
}

func (s *FileStore) run(ctx context.Context, interval time.Duration) {
	for {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errSave := s.Save(context.Background()); errSave != nil {
				log.WithError(errSave).Warn("file cache: final save failed")
			}
			return
		case <-timer.C:
		}
		if errSave := s.Save(ctx); errSave != nil {
			log.WithError(errSave).Warn("file cache: periodic save failed")
		}
	}
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if entry.expired(s.now()) {
		delete(s.entries, key)
		s.dirty = true
		return nil, false, nil
	}
	out := make([]byte, len(entry.Value))
	copy(out, entry.Value)
	return out, true, nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	entry := fileEntry{Value: stored}
	if ttl > 0 {
		expiresAt := s.now().Add(ttl)
		entry.ExpiresAt = &expiresAt
	}
	s.entries[key] = entry
	s.dirty = true
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.dirty = true
	}
	return nil
}

// Save writes live entries to disk through a temp file and rename. It is a
// no-op when nothing changed since the last save.
func (s *FileStore) Save(_ context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	now := s.now()
	snapshot := make(map[string]fileEntry, len(s.entries))
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			continue
		}
		snapshot[key] = entry
	}
	data, errMarshal := json.Marshal(snapshot)
	if errMarshal != nil {
		s.mu.Unlock()
		return fmt.Errorf("cache: encode: %w", errMarshal)
	}
	s.dirty = false
	s.mu.Unlock()

	if errWrite := writeFileAtomic(s.path, data); errWrite != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return errWrite
	}
	return nil
}

func (s *FileStore) Close() error {
	return s.Save(context.Background())
}

func (e fileEntry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if errMkdir := os.MkdirAll(dir, 0o755); errMkdir != nil {
		return fmt.Errorf("cache: create dir: %w", errMkdir)
	}
	tmp, errTemp := os.CreateTemp(dir, ".cache-*.tmp")
	if errTemp != nil {
		return fmt.Errorf("cache: create temp file: %w", errTemp)
	}
	tmpName := tmp.Name()
	if _, errWrite := tmp.Write(data); errWrite != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("cache: write temp file: %w", errWrite)
	}
	if errClose := tmp.Close(); errClose != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("cache: close temp file: %w", errClose)
	}
	if errRename := os.Rename(tmpName, path); errRename != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("cache: replace %s: %w", path, errRename)
	}
	return nil
}
