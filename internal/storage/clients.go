package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("not found")

func (s *Storage) CreateClient(ctx context.Context, c *Client) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if c == nil {
		return errors.New("client is nil")
	}
	if c.Status == "" {
		c.Status = ClientActive
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

func (s *Storage) GetClient(ctx context.Context, agentID string) (*Client, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var c Client
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return &c, nil
}

// ListClientTokens returns all active clients. The auth layer walks
// this set with constant-time comparisons, so the ordering is
// irrelevant.
func (s *Storage) ListClientTokens(ctx context.Context) ([]Client, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var out []Client
	if err := s.db.WithContext(ctx).
		Where("status = ?", ClientActive).
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list client tokens: %w", err)
	}
	return out, nil
}

func (s *Storage) ListClients(ctx context.Context) ([]Client, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var out []Client
	if err := s.db.WithContext(ctx).
		Order("last_seen DESC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return out, nil
}

// ActiveAgentIDs returns agents seen at or after the given cutoff.
func (s *Storage) ActiveAgentIDs(ctx context.Context, seenSince int64) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var ids []string
	if err := s.db.WithContext(ctx).Model(&Client{}).
		Where("status = ? AND last_seen >= ?", ClientActive, seenSince).
		Pluck("agent_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("active agent ids: %w", err)
	}
	return ids, nil
}

func (s *Storage) TouchLastSeen(ctx context.Context, agentID string, ts int64) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Model(&Client{}).
		Where("agent_id = ?", agentID).
		Update("last_seen", ts)
	if res.Error != nil {
		return fmt.Errorf("touch last seen: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteClient removes the agent and everything owned by it: series,
// points, logs and commands.
func (s *Storage) DeleteClient(ctx context.Context, agentID string) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seriesIDs []uint64
		if err := tx.Model(&MetricSeries{}).
			Where("agent_id = ?", agentID).
			Pluck("id", &seriesIDs).Error; err != nil {
			return fmt.Errorf("list series ids: %w", err)
		}
		if len(seriesIDs) > 0 {
			if err := tx.Where("series_id IN ?", seriesIDs).Delete(&MetricPointInt{}).Error; err != nil {
				return fmt.Errorf("delete int points: %w", err)
			}
			if err := tx.Where("series_id IN ?", seriesIDs).Delete(&MetricPointFloat{}).Error; err != nil {
				return fmt.Errorf("delete float points: %w", err)
			}
		}
		if err := tx.Where("agent_id = ?", agentID).Delete(&MetricSeries{}).Error; err != nil {
			return fmt.Errorf("delete series: %w", err)
		}
		if err := tx.Where("agent_id = ?", agentID).Delete(&LogEntry{}).Error; err != nil {
			return fmt.Errorf("delete logs: %w", err)
		}
		if err := tx.Where("agent_id = ?", agentID).Delete(&Command{}).Error; err != nil {
			return fmt.Errorf("delete commands: %w", err)
		}
		res := tx.Where("agent_id = ?", agentID).Delete(&Client{})
		if res.Error != nil {
			return fmt.Errorf("delete client: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
