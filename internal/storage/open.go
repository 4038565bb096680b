package storage

import (
	"context"
	"errors"
	"strings"

	logx "noticore/pkg/logx"
)

// Store is the minimal persistence API used by the engine components.
// Values are opaque blobs; callers own the (JSON) encoding and carry a
// version field inside each record for forward compatibility.
type Store interface {
	PutState(ctx context.Context, key string, value []byte) error
	GetState(ctx context.Context, key string) (value []byte, ok bool, err error)
	DeleteState(ctx context.Context, key string) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
