package storage

import (
	"errors"
	"strings"

	logx "rosterbot/pkg/logx"
)

// Open initializes the configured backend.
func Open(cfg Config, log logx.Logger) (Backend, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
