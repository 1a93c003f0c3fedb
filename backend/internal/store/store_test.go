package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"clinicRealtime/backend/internal/protocol"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "root:123456@tcp(127.0.0.1:3306)/clinic_realtime_test?charset=utf8mb4&parseTime=True&loc=Local"
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	// 若 MySQL 未启动则跳过
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	if err := db.AutoMigrate(&CommentRecord{}, &NotificationRecord{}); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	t.Cleanup(func() {
		db.Exec("DELETE FROM session_comments")
		db.Exec("DELETE FROM user_notifications")
	})
	return db
}

func TestCommentStore_CRUD(t *testing.T) {
	db := testDB(t)
	s := NewCommentStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	c := protocol.Comment{
		ID: "c1", SessionID: "s1", UserID: "u1", UserName: "Dr. Chen",
		Content: "check dosage", CreatedAt: now, UpdatedAt: now,
	}
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil || got == nil {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if got.Content != "check dosage" {
		t.Fatalf("content = %q", got.Content)
	}
	// 未命中返回 nil, nil
	got, err = s.Get(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("Get(missing) = %+v, %v", got, err)
	}
}

func TestCommentStore_AuthorOnly(t *testing.T) {
	db := testDB(t)
	s := NewCommentStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	if err := s.Create(ctx, protocol.Comment{ID: "c1", SessionID: "s1", UserID: "u1", Content: "v1", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.UpdateContent(ctx, "c1", "u2", "hacked", time.Now()); !errors.Is(err, ErrNotAuthor) {
		t.Fatalf("UpdateContent as u2 = %v, want ErrNotAuthor", err)
	}
	if _, err := s.Resolve(ctx, "c1", "u2"); !errors.Is(err, ErrNotAuthor) {
		t.Fatalf("Resolve as u2 = %v, want ErrNotAuthor", err)
	}
	if err := s.Delete(ctx, "c1", "u2"); !errors.Is(err, ErrNotAuthor) {
		t.Fatalf("Delete as u2 = %v, want ErrNotAuthor", err)
	}
	if _, err := s.UpdateContent(ctx, "missing", "u1", "x", time.Now()); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("UpdateContent(missing) = %v, want ErrRecordNotFound", err)
	}
}

func TestCommentStore_UpdateLastWriteWins(t *testing.T) {
	db := testDB(t)
	s := NewCommentStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	if err := s.Create(ctx, protocol.Comment{ID: "c1", SessionID: "s1", UserID: "u1", Content: "v1", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// 更晚的 updatedAt 赢
	later := now.Add(time.Minute)
	got, err := s.UpdateContent(ctx, "c1", "u1", "v2", later)
	if err != nil || got.Content != "v2" {
		t.Fatalf("UpdateContent = %+v, %v", got, err)
	}
	// 更早的写到达：跳过，保留现状
	got, err = s.UpdateContent(ctx, "c1", "u1", "stale", now)
	if err != nil {
		t.Fatalf("UpdateContent(stale): %v", err)
	}
	if got.Content != "v2" {
		t.Fatalf("stale write applied: %q", got.Content)
	}
}

func TestCommentStore_ResolveTerminal(t *testing.T) {
	db := testDB(t)
	s := NewCommentStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	if err := s.Create(ctx, protocol.Comment{ID: "c1", SessionID: "s1", UserID: "u1", Content: "x", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Resolve(ctx, "c1", "u1")
	if err != nil || !got.Resolved {
		t.Fatalf("Resolve = %+v, %v", got, err)
	}
	// 已解决再解决是 no-op
	got, err = s.Resolve(ctx, "c1", "u1")
	if err != nil || !got.Resolved {
		t.Fatalf("Resolve again = %+v, %v", got, err)
	}
}

func TestCommentStore_ListBySessionOrdered(t *testing.T) {
	db := testDB(t)
	s := NewCommentStore(db)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)
	for i, id := range []string{"b", "a", "c"} {
		offsets := []time.Duration{0, -time.Minute, time.Minute}
		c := protocol.Comment{ID: id, SessionID: "s1", UserID: "u1", Content: id, CreatedAt: base.Add(offsets[i]), UpdatedAt: base}
		if err := s.Create(ctx, c); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	list, err := s.ListBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(list) != 3 || list[0].ID != "a" || list[1].ID != "b" || list[2].ID != "c" {
		t.Fatalf("order = %+v, want [a b c]", list)
	}
}

func TestNotificationStore_InsertAndMarkRead(t *testing.T) {
	db := testDB(t)
	s := NewNotificationStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	n := protocol.NotificationData{ID: "n1", Type: "info", Title: "Lab result", Timestamp: now}
	if err := s.Insert(ctx, "u1", n); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// 同 id 重投静默忽略
	if err := s.Insert(ctx, "u1", n); err != nil {
		t.Fatalf("Insert duplicate: %v", err)
	}
	if err := s.Insert(ctx, "u1", protocol.NotificationData{ID: "n2", Type: "warning", Title: "Overdue", Timestamp: now.Add(time.Second)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	list, err := s.ListByUser(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(list) != 2 || list[0].ID != "n2" {
		t.Fatalf("list = %+v, want 2 items newest first", list)
	}

	if err := s.MarkRead(ctx, "u1", "n1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if err := s.MarkAllRead(ctx, "u1"); err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	list, _ = s.ListByUser(ctx, "u1", 0)
	for _, it := range list {
		if !it.Read {
			t.Fatalf("notification %s still unread after MarkAllRead", it.ID)
		}
	}
}
