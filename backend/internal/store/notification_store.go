package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"clinicRealtime/backend/internal/protocol"
)

type NotificationRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	UserID    string `gorm:"index;size:64"`
	Type      string `gorm:"size:16"`
	Title     string `gorm:"size:255"`
	Message   string `gorm:"type:text"`
	Read      bool
	Timestamp time.Time
}

func (NotificationRecord) TableName() string { return "user_notifications" }

type NotificationStore struct {
	db *gorm.DB
}

func NewNotificationStore(db *gorm.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

// Insert 落一条通知。同 id 重投（重连期间的重复推送）静默忽略。
func (s *NotificationStore) Insert(ctx context.Context, userID string, n protocol.NotificationData) error {
	rec := NotificationRecord{
		ID:        n.ID,
		UserID:    userID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Read:      n.Read,
		Timestamp: n.Timestamp,
	}
	err := s.db.WithContext(ctx).Create(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

func (s *NotificationStore) MarkRead(ctx context.Context, userID, id string) error {
	return s.db.WithContext(ctx).Model(&NotificationRecord{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("read", true).Error
}

func (s *NotificationStore) MarkAllRead(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Model(&NotificationRecord{}).
		Where("user_id = ? AND `read` = ?", userID, false).
		Update("read", true).Error
}

// ListByUser 新的在前，最多 limit 条。
func (s *NotificationStore) ListByUser(ctx context.Context, userID string, limit int) ([]protocol.NotificationData, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []NotificationRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp desc").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]protocol.NotificationData, 0, len(recs))
	for _, rec := range recs {
		out = append(out, protocol.NotificationData{
			ID:        rec.ID,
			Type:      rec.Type,
			Title:     rec.Title,
			Message:   rec.Message,
			Read:      rec.Read,
			Timestamp: rec.Timestamp,
		})
	}
	return out, nil
}
