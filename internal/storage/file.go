package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "rosterbot/pkg/logx"
)

// fileStore keeps one JSON file per collection under a directory:
//
//	<dir>/<collection>.json
//
// Saves go through a temp file + rename so a crash mid-write leaves the
// previous generation intact.
type fileStore struct {
	log logx.Logger
	dir string

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) path(collection string) string {
	return filepath.Join(s.dir, collection+".json")
}

func (s *fileStore) Load(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	b, err := os.ReadFile(s.path(collection))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}

	var docs map[string]json.RawMessage
	if err := json.Unmarshal(b, &docs); err != nil {
		return nil, err
	}
	if docs == nil {
		docs = map[string]json.RawMessage{}
	}
	return docs, nil
}

func (s *fileStore) Save(ctx context.Context, collection string, docs map[string]json.RawMessage) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	b, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}

	path := s.path(collection)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.log.Trace("collection saved", logx.String("collection", collection), logx.Int("docs", len(docs)))
	return nil
}
