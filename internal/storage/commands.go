package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrConflict signals an optimistic-concurrency failure: the row was
// not in a state the transition allows.
var ErrConflict = errors.New("conflict")

func (s *Storage) CreateCommand(ctx context.Context, c *Command) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if c == nil {
		return errors.New("command is nil")
	}
	if c.Status == "" {
		c.Status = CommandPending
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create command: %w", err)
	}
	return nil
}

func (s *Storage) GetCommand(ctx context.Context, id string) (*Command, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var c Command
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return &c, nil
}

func (s *Storage) ListCommands(ctx context.Context, agentID string, limit int) ([]Command, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	db := s.db.WithContext(ctx).Model(&Command{})
	if agentID != "" {
		db = db.Where("agent_id = ?", agentID)
	}
	var out []Command
	if err := db.Order("created_at DESC").Limit(normalizeLimit(limit)).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	return out, nil
}

// ClaimPendingCommands atomically returns and marks delivered all
// pending commands for one agent, FIFO by created_at.
func (s *Storage) ClaimPendingCommands(ctx context.Context, agentID string, now int64) ([]Command, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	var claimed []Command
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending []Command
		if err := tx.Where("agent_id = ? AND status = ?", agentID, CommandPending).
			Order("created_at ASC").
			Find(&pending).Error; err != nil {
			return fmt.Errorf("list pending: %w", err)
		}
		for i := range pending {
			res := tx.Model(&Command{}).
				Where("id = ? AND status = ?", pending[i].ID, CommandPending).
				Updates(map[string]interface{}{
					"status":       CommandDelivered,
					"delivered_at": now,
				})
			if res.Error != nil {
				return fmt.Errorf("mark delivered: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			pending[i].Status = CommandDelivered
			pending[i].DeliveredAt = &now
			claimed = append(claimed, pending[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteCommand records the result reported by the owning agent.
// Only delivered/executing commands addressed to agentID transition;
// anything else is a Conflict (or NotFound when the id is unknown).
func (s *Storage) CompleteCommand(ctx context.Context, id, agentID, status, result, cmdErr string, now int64) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if status != CommandCompleted && status != CommandFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}

	res := s.db.WithContext(ctx).Model(&Command{}).
		Where("id = ? AND agent_id = ? AND status IN ?", id, agentID,
			[]string{CommandDelivered, CommandExecuting}).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": now,
			"result":       result,
			"error":        cmdErr,
		})
	if res.Error != nil {
		return fmt.Errorf("complete command: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var c Command
		err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("complete command recheck: %w", err)
		}
		return ErrConflict
	}
	return nil
}

// MarkExecuting is the optional intermediate transition.
func (s *Storage) MarkExecuting(ctx context.Context, id, agentID string) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Model(&Command{}).
		Where("id = ? AND agent_id = ? AND status = ?", id, agentID, CommandDelivered).
		Update("status", CommandExecuting)
	if res.Error != nil {
		return fmt.Errorf("mark executing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// ExpireCommands elapses pending and delivered commands whose
// created_at is older than the cutoff.
func (s *Storage) ExpireCommands(ctx context.Context, createdBefore int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Model(&Command{}).
		Where("status IN ? AND created_at < ?",
			[]string{CommandPending, CommandDelivered}, createdBefore).
		Update("status", CommandExpired)
	if res.Error != nil {
		return 0, fmt.Errorf("expire commands: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteTerminalCommandsBefore prunes completed/failed/expired rows
// older than the grace window.
func (s *Storage) DeleteTerminalCommandsBefore(ctx context.Context, createdBefore int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]string{CommandCompleted, CommandFailed, CommandExpired}, createdBefore).
		Delete(&Command{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete terminal commands: %w", res.Error)
	}
	return res.RowsAffected, nil
}
