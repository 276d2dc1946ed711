package storage

import (
	"context"
	"errors"
	"fmt"
)

const (
	defaultLimit = 200
	maxLimit     = 5000

	defaultDeleteLimit = 500
	maxDeleteLimit     = 900
)

func (s *Storage) InsertLogEntries(ctx context.Context, entries []LogEntry) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if len(entries) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(entries, 200).Error; err != nil {
		return fmt.Errorf("insert log entries: %w", err)
	}
	return nil
}

type LogQuery struct {
	AgentID string
	Source  string
	// MaxSeverity keeps entries at or below the given syslog priority
	// (lower is more severe). Negative means no severity filter.
	MaxSeverity int
	From        *int64
	To          *int64
	Contains    string
	Limit       int
	Desc        bool
}

func (s *Storage) QueryLogs(ctx context.Context, q LogQuery) ([]LogEntry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	limit := normalizeLimit(q.Limit)
	db := s.db.WithContext(ctx).Model(&LogEntry{})
	if q.AgentID != "" {
		db = db.Where("agent_id = ?", q.AgentID)
	}
	if q.Source != "" {
		db = db.Where("source = ?", q.Source)
	}
	if q.MaxSeverity >= 0 {
		db = db.Where("severity <= ?", q.MaxSeverity)
	}
	if q.From != nil {
		db = db.Where("timestamp >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("timestamp <= ?", *q.To)
	}
	if q.Contains != "" {
		db = db.Where("message LIKE ?", "%"+q.Contains+"%")
	}
	if q.Desc {
		db = db.Order("timestamp DESC")
	} else {
		db = db.Order("timestamp ASC")
	}
	db = db.Limit(limit)

	var out []LogEntry
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	return out, nil
}

func (s *Storage) DeleteLogsBeforeLimited(ctx context.Context, before int64, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}

	limit = normalizeDeleteLimit(limit)

	var ids []uint64
	db := s.db.WithContext(ctx).Model(&LogEntry{}).
		Select("id").
		Where("timestamp < ?", before).
		Order("id ASC").
		Limit(limit)
	if err := db.Find(&ids).Error; err != nil {
		return 0, fmt.Errorf("select log ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&LogEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func normalizeLimit(v int) int {
	if v <= 0 {
		return defaultLimit
	}
	if v > maxLimit {
		return maxLimit
	}
	return v
}

func normalizeDeleteLimit(v int) int {
	if v <= 0 {
		return defaultDeleteLimit
	}
	if v > maxDeleteLimit {
		return maxDeleteLimit
	}
	return v
}
