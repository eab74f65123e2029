package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free directory of JSON collection files
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Backend persists whole-document collections. A collection maps record id to
// its JSON body; Save atomically replaces the entire collection. Callers own
// batching/debouncing; the backend only guarantees that a Save is all-or-nothing.
type Backend interface {
	Load(ctx context.Context, collection string) (map[string]json.RawMessage, error)
	Save(ctx context.Context, collection string, docs map[string]json.RawMessage) error
	Close() error
}
