package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FindOrCreateSeries resolves the series for one sample identity,
// creating it on first sight. Concurrent creators race on the unique
// index; the loser re-selects and proceeds, so no application lock is
// held around discovery.
func (s *Storage) FindOrCreateSeries(ctx context.Context, agentID, metricName, labelsCanonical, labelsHash, valueKind string) (*MetricSeries, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("storage not initialized")
	}

	var existing MetricSeries
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND metric_name = ? AND labels_hash = ?", agentID, metricName, labelsHash).
		First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("find series: %w", err)
	}

	series := MetricSeries{
		AgentID:         agentID,
		MetricName:      metricName,
		LabelsCanonical: labelsCanonical,
		LabelsHash:      labelsHash,
		ValueKind:       valueKind,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&series)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create series: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return &series, true, nil
	}

	// Lost the race; the winner's row is now visible.
	err = s.db.WithContext(ctx).
		Where("agent_id = ? AND metric_name = ? AND labels_hash = ?", agentID, metricName, labelsHash).
		First(&existing).Error
	if err != nil {
		return nil, false, fmt.Errorf("reselect series: %w", err)
	}
	return &existing, false, nil
}

// SeriesQuery narrows the catalog. Empty slices mean no restriction.
type SeriesQuery struct {
	AgentIDs    []string
	MetricNames []string
}

func (s *Storage) ListSeries(ctx context.Context, q SeriesQuery) ([]MetricSeries, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	db := s.db.WithContext(ctx).Model(&MetricSeries{})
	if len(q.AgentIDs) > 0 {
		db = db.Where("agent_id IN ?", q.AgentIDs)
	}
	if len(q.MetricNames) > 0 {
		db = db.Where("metric_name IN ?", q.MetricNames)
	}
	var out []MetricSeries
	if err := db.Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	return out, nil
}

func (s *Storage) InsertIntPoints(ctx context.Context, points []MetricPointInt) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if len(points) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(points, 200).Error; err != nil {
		return fmt.Errorf("insert int points: %w", err)
	}
	return nil
}

func (s *Storage) InsertFloatPoints(ctx context.Context, points []MetricPointFloat) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if len(points) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(points, 200).Error; err != nil {
		return fmt.Errorf("insert float points: %w", err)
	}
	return nil
}

// Point is the merged in-memory view over both physical tables.
type Point struct {
	SeriesID  uint64
	Timestamp int64
	Value     float64
}

// PointsInRange fetches every point for the given series in
// [start, end], one query per physical table, merged in memory.
func (s *Storage) PointsInRange(ctx context.Context, seriesIDs []uint64, start, end int64) ([]Point, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	if len(seriesIDs) == 0 {
		return nil, nil
	}

	var out []Point

	var ints []MetricPointInt
	if err := s.db.WithContext(ctx).
		Where("series_id IN ? AND timestamp >= ? AND timestamp <= ?", seriesIDs, start, end).
		Order("timestamp ASC").
		Find(&ints).Error; err != nil {
		return nil, fmt.Errorf("query int points: %w", err)
	}
	for _, p := range ints {
		out = append(out, Point{SeriesID: p.SeriesID, Timestamp: p.Timestamp, Value: float64(p.Value)})
	}

	var floats []MetricPointFloat
	if err := s.db.WithContext(ctx).
		Where("series_id IN ? AND timestamp >= ? AND timestamp <= ?", seriesIDs, start, end).
		Order("timestamp ASC").
		Find(&floats).Error; err != nil {
		return nil, fmt.Errorf("query float points: %w", err)
	}
	for _, p := range floats {
		out = append(out, Point{SeriesID: p.SeriesID, Timestamp: p.Timestamp, Value: p.Value})
	}

	return out, nil
}

// LatestPoints returns the newest point of each series, again one
// query per physical table. SQLite's bare-column semantics with MAX()
// yield the row the maximum came from.
func (s *Storage) LatestPoints(ctx context.Context, seriesIDs []uint64) (map[uint64]Point, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	out := make(map[uint64]Point)
	if len(seriesIDs) == 0 {
		return out, nil
	}

	type row struct {
		SeriesID  uint64
		Timestamp int64
		Value     float64
	}

	for _, table := range []string{"metric_point_ints", "metric_point_floats"} {
		var rows []row
		q := fmt.Sprintf(
			"SELECT series_id, MAX(timestamp) AS timestamp, value FROM %s WHERE series_id IN ? GROUP BY series_id", table)
		if err := s.db.WithContext(ctx).Raw(q, seriesIDs).Scan(&rows).Error; err != nil {
			return nil, fmt.Errorf("latest points from %s: %w", table, err)
		}
		for _, r := range rows {
			out[r.SeriesID] = Point{SeriesID: r.SeriesID, Timestamp: r.Timestamp, Value: r.Value}
		}
	}
	return out, nil
}

func (s *Storage) DeleteIntPointsBeforeLimited(ctx context.Context, before int64, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	limit = normalizeDeleteLimit(limit)
	res := s.db.WithContext(ctx).Exec(
		"DELETE FROM metric_point_ints WHERE rowid IN (SELECT rowid FROM metric_point_ints WHERE timestamp < ? LIMIT ?)",
		before, limit)
	if res.Error != nil {
		return 0, fmt.Errorf("delete int points: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Storage) DeleteFloatPointsBeforeLimited(ctx context.Context, before int64, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	limit = normalizeDeleteLimit(limit)
	res := s.db.WithContext(ctx).Exec(
		"DELETE FROM metric_point_floats WHERE rowid IN (SELECT rowid FROM metric_point_floats WHERE timestamp < ? LIMIT ?)",
		before, limit)
	if res.Error != nil {
		return 0, fmt.Errorf("delete float points: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteEmptySeries sweeps catalog entries whose points have all
// expired.
func (s *Storage) DeleteEmptySeries(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Exec(
		`DELETE FROM metric_series WHERE
			id NOT IN (SELECT DISTINCT series_id FROM metric_point_ints) AND
			id NOT IN (SELECT DISTINCT series_id FROM metric_point_floats)`)
	if res.Error != nil {
		return 0, fmt.Errorf("delete empty series: %w", res.Error)
	}
	return res.RowsAffected, nil
}
