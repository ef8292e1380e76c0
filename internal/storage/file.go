package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"farmfeed/internal/feeding"
	logx "farmfeed/pkg/logx"
)

// fileStore is the memory store plus a JSON snapshot rewritten atomically
// (tmp + rename) after every change. Good for a single small farm; use
// sqlite when the event table grows.
type fileStore struct {
	*memStore
	log  logx.Logger
	path string
}

type fileSnapshot struct {
	Events []feeding.Event    `json:"events"`
	Stock  map[string]float64 `json:"stock"`
	Dedup  map[string]int64   `json:"dedup,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	fs := &fileStore{memStore: newMemStore(), log: log, path: path}
	if err := fs.load(); err != nil {
		return nil, err
	}
	fs.afterWrite = fs.snapshotLocked
	log.Debug("file store opened", logx.String("path", path), logx.Int("events", len(fs.events)))
	return fs, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("file store %s: %w", s.path, err)
	}
	for _, ev := range snap.Events {
		ev.Normalize()
		s.events[ev.ID] = ev
	}
	for k, v := range snap.Stock {
		s.stock[k] = v
	}
	for k, v := range snap.Dedup {
		s.dedup[k] = v
	}
	pruneExpiredDedup(s.dedup, s.now())
	return nil
}

// snapshotLocked runs with memStore.mu held.
func (s *fileStore) snapshotLocked() error {
	snap := fileSnapshot{
		Events: make([]feeding.Event, 0, len(s.events)),
		Stock:  s.stock,
		Dedup:  s.dedup,
	}
	for _, ev := range s.events {
		snap.Events = append(snap.Events, ev)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Warn("file store snapshot failed", logx.String("path", s.path), logx.Err(err))
		return err
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}
