// Package storage provides the optional persisted-state store.
//
// The engine round-trips opaque JSON records through it keyed by logical
// names (global configuration, profile set, active profile, analytics
// snapshot, user preferences). In-memory state stays authoritative: a
// failed write is logged and the next successful write supersedes it.
package storage
