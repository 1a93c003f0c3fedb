package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"clinicRealtime/backend/internal/protocol"
)

var ErrNotAuthor = errors.New("not the comment author")

type CommentRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"index;size:64"`
	UserID    string `gorm:"size:64"`
	UserName  string `gorm:"size:128"`
	Content   string `gorm:"type:text"`
	Resolved  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CommentRecord) TableName() string { return "session_comments" }

type CommentStore struct {
	db *gorm.DB
}

func NewCommentStore(db *gorm.DB) *CommentStore {
	return &CommentStore{db: db}
}

func (s *CommentStore) Create(ctx context.Context, c protocol.Comment) error {
	rec := CommentRecord{
		ID:        c.ID,
		SessionID: c.SessionID,
		UserID:    c.UserID,
		UserName:  c.UserName,
		Content:   c.Content,
		Resolved:  c.Resolved,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

func (s *CommentStore) Get(ctx context.Context, id string) (*protocol.Comment, error) {
	var rec CommentRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // 没找到，返回 nil, nil
		}
		return nil, err
	}
	c := toComment(rec)
	return &c, nil
}

// UpdateContent 改内容，只允许作者本人。返回更新后的评论。
func (s *CommentStore) UpdateContent(ctx context.Context, id, userID, content string, updatedAt time.Time) (*protocol.Comment, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, gorm.ErrRecordNotFound
	}
	if existing.UserID != userID {
		return nil, ErrNotAuthor
	}
	// 两个编辑竞争同一条评论时，updatedAt 晚者胜
	if updatedAt.Before(existing.UpdatedAt) {
		return existing, nil
	}
	err = s.db.WithContext(ctx).Model(&CommentRecord{}).Where("id = ?", id).
		Updates(map[string]any{"content": content, "updated_at": updatedAt}).Error
	if err != nil {
		return nil, err
	}
	existing.Content = content
	existing.UpdatedAt = updatedAt
	return existing, nil
}

// Resolve 单向：resolved false → true，已解决的再解决是 no-op。
func (s *CommentStore) Resolve(ctx context.Context, id, userID string) (*protocol.Comment, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, gorm.ErrRecordNotFound
	}
	if existing.UserID != userID {
		return nil, ErrNotAuthor
	}
	if existing.Resolved {
		return existing, nil
	}
	now := time.Now()
	err = s.db.WithContext(ctx).Model(&CommentRecord{}).Where("id = ?", id).
		Updates(map[string]any{"resolved": true, "updated_at": now}).Error
	if err != nil {
		return nil, err
	}
	existing.Resolved = true
	existing.UpdatedAt = now
	return existing, nil
}

func (s *CommentStore) Delete(ctx context.Context, id, userID string) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if existing.UserID != userID {
		return ErrNotAuthor
	}
	return s.db.WithContext(ctx).Delete(&CommentRecord{}, "id = ?", id).Error
}

// ListBySession 按 createdAt 升序返回会话全部评论。
func (s *CommentStore) ListBySession(ctx context.Context, sessionID string) ([]protocol.Comment, error) {
	var recs []CommentRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Comment, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toComment(rec))
	}
	return out, nil
}

func toComment(rec CommentRecord) protocol.Comment {
	return protocol.Comment{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		UserID:    rec.UserID,
		UserName:  rec.UserName,
		Content:   rec.Content,
		Resolved:  rec.Resolved,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}
