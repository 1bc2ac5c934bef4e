package store

import (
	"context"

	"github.com/mkarlsen/quantd/internal/model"
)

// JobStats holds aggregate execution statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByClass  map[string]int `json:"count_by_class"`
	AvgRuntimeMS  float64        `json:"avg_runtime_ms"`
}

// Store defines the persistence operations for job history. The in-memory
// registry is authoritative for live jobs; the store keeps records across
// registry eviction and process restarts.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	UpdateJob(ctx context.Context, j *model.Job) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	Close() error
}
