// Package storage defines the execution history Store. Two backends exist:
// SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"time"
)

// Store persists a record of every execute and validate call.
// Both backends implement it over the same GORM model.
type Store interface {
	// Save inserts rec. An empty rec.ID is filled with a fresh identifier.
	Save(ctx context.Context, rec *Execution) error
	// Recent returns up to limit records, newest first. limit <= 0 means 20.
	Recent(ctx context.Context, limit int) ([]Execution, error)
	// Stats aggregates every stored record.
	Stats(ctx context.Context) (Stats, error)

	Ping(ctx context.Context) error
	Close() error

	// Driver returns "sqlite" or "postgres".
	Driver() string
}

// Execution is one recorded call. Code is never stored, only its digest.
type Execution struct {
	ID         string    `json:"id"`
	Tool       string    `json:"tool"`
	Language   string    `json:"language,omitempty"`
	Source     string    `json:"source,omitempty"`
	Caller     string    `json:"caller,omitempty"`
	Result     string    `json:"result"` // success, failure, timeout, denied
	ExitCode   int       `json:"exit_code"`
	DurationMs int64     `json:"duration_ms"`
	CodeBytes  int       `json:"code_bytes"`
	CodeSHA256 string    `json:"code_sha256"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Stats summarises the history.
type Stats struct {
	Total         int64            `json:"total"`
	ByResult      map[string]int64 `json:"by_result"`
	ByLanguage    map[string]int64 `json:"by_language"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DefaultDriver  = DriverSQLite

	DefaultRecentLimit = 20
	MaxRecentLimit     = 500
)

// ClampLimit applies the Recent limit rules.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultRecentLimit
	case limit > MaxRecentLimit:
		return MaxRecentLimit
	default:
		return limit
	}
}
