package db

import (
	"context"
	"fmt"
)

// PipelineStats aggregates per-table status counts for inspection.
type PipelineStats struct {
	Files         int
	Folders       int
	DigestCounts  map[DigestStatus]int
	TaskCounts    map[TaskStatus]int
	KeywordCounts map[SyncStatus]int
	VectorCounts  map[SyncStatus]int
}

// Stats gathers the pipeline status counts in one pass per table.
func (s *Store) Stats(ctx context.Context) (*PipelineStats, error) {
	stats := &PipelineStats{
		DigestCounts:  make(map[DigestStatus]int),
		TaskCounts:    make(map[TaskStatus]int),
		KeywordCounts: make(map[SyncStatus]int),
		VectorCounts:  make(map[SyncStatus]int),
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE is_folder = 0),
		       COUNT(*) FILTER (WHERE is_folder = 1)
		FROM files`)
	if err := row.Scan(&stats.Files, &stats.Folders); err != nil {
		return nil, fmt.Errorf("count files: %w", err)
	}

	if err := s.countGrouped(ctx, `SELECT status, COUNT(*) FROM digests GROUP BY status`,
		func(status string, n int) { stats.DigestCounts[DigestStatus(status)] = n }); err != nil {
		return nil, err
	}
	if err := s.countGrouped(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`,
		func(status string, n int) { stats.TaskCounts[TaskStatus(status)] = n }); err != nil {
		return nil, err
	}
	if err := s.countGrouped(ctx, `SELECT keyword_status, COUNT(*) FROM search_sync GROUP BY keyword_status`,
		func(status string, n int) { stats.KeywordCounts[SyncStatus(status)] = n }); err != nil {
		return nil, err
	}
	if err := s.countGrouped(ctx, `SELECT vector_status, COUNT(*) FROM search_sync GROUP BY vector_status`,
		func(status string, n int) { stats.VectorCounts[SyncStatus(status)] = n }); err != nil {
		return nil, err
	}

	return stats, nil
}

func (s *Store) countGrouped(ctx context.Context, query string, record func(status string, n int)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return err
		}
		record(status, n)
	}
	return rows.Err()
}
