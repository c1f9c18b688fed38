package store

import (
	"context"

	"github.com/csiro-workspace/workspace-go/internal/model"
)

// RunStats holds aggregate execution statistics across all journaled runs.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByMode   map[string]int `json:"count_by_mode"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the session journal.
type Store interface {
	SessionStarted(ctx context.Context, sessionID string, key int, file string) error
	SessionEnded(ctx context.Context, sessionID string) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, int, error)

	RunStarted(ctx context.Context, runID, sessionID, mode string) error
	RunEnded(ctx context.Context, runID, status, message string) error
	ListRuns(ctx context.Context, sessionID string) ([]*model.Run, error)
	GetRunStats(ctx context.Context) (*RunStats, error)

	Close() error
}
