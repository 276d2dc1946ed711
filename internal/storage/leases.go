package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AcquireLease takes the named lease for ttlSec seconds. It returns
// false when another holder owns an unexpired lease, which makes
// re-entrant background sweeps no-ops.
func (s *Storage) AcquireLease(ctx context.Context, name, holder string, now, ttlSec int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("storage not initialized")
	}

	expires := now + ttlSec
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Lease{Name: name, Holder: holder, ExpiresAt: expires})
	if res.Error != nil {
		return false, fmt.Errorf("insert lease: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// Row exists: steal only if expired or already ours.
	res = s.db.WithContext(ctx).Model(&Lease{}).
		Where("name = ? AND (expires_at < ? OR holder = ?)", name, now, holder).
		Updates(map[string]interface{}{"holder": holder, "expires_at": expires})
	if res.Error != nil {
		return false, fmt.Errorf("update lease: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Storage) ReleaseLease(ctx context.Context, name, holder string) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	err := s.db.WithContext(ctx).
		Where("name = ? AND holder = ?", name, holder).
		Delete(&Lease{}).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Stats is the counter snapshot served by the stats endpoint.
type Stats struct {
	ClientsTotal  int64 `json:"clients_total"`
	ClientsActive int64 `json:"clients_active"`
	SeriesTotal   int64 `json:"series_total"`
	PointsInt     int64 `json:"points_int"`
	PointsFloat   int64 `json:"points_float"`
	LogEntries    int64 `json:"log_entries"`
	Commands      int64 `json:"commands"`
}

func (s *Storage) GetStats(ctx context.Context, activeSince int64) (*Stats, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var st Stats
	type count struct {
		model interface{}
		dst   *int64
	}
	counts := []count{
		{&Client{}, &st.ClientsTotal},
		{&MetricSeries{}, &st.SeriesTotal},
		{&MetricPointInt{}, &st.PointsInt},
		{&MetricPointFloat{}, &st.PointsFloat},
		{&LogEntry{}, &st.LogEntries},
		{&Command{}, &st.Commands},
	}
	for _, c := range counts {
		if err := s.db.WithContext(ctx).Model(c.model).Count(c.dst).Error; err != nil {
			return nil, fmt.Errorf("count: %w", err)
		}
	}
	if err := s.db.WithContext(ctx).Model(&Client{}).
		Where("status = ? AND last_seen >= ?", ClientActive, activeSince).
		Count(&st.ClientsActive).Error; err != nil {
		return nil, fmt.Errorf("count active clients: %w", err)
	}
	return &st, nil
}
