package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Well-known state record keys.
const (
	KeyGlobalConfig  = "global_config"
	KeyProfiles      = "profiles"
	KeyActiveProfile = "active_profile"
	KeyAnalytics     = "analytics"
	KeyUserPrefs     = "user_prefs"
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
