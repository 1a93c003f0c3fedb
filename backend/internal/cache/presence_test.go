package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func testClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() {
		_ = rdb.FlushDB(context.Background()).Err()
		_ = rdb.Close()
	})
	return rdb
}

func TestPresence_AddAndAliveMembers(t *testing.T) {
	rdb := testClient(t)
	p := NewRedisPresence(rdb)
	ctx := context.Background()

	if err := p.AddMember(ctx, "s1", "u1", "Dr. Chen", "#f00", 30*time.Second); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := p.AddMember(ctx, "s1", "u2", "Nurse Wu", "", 30*time.Second); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	members, err := p.AliveMembers(ctx, "s1")
	if err != nil {
		t.Fatalf("AliveMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("alive = %d, want 2", len(members))
	}
	byID := map[string]Member{}
	for _, m := range members {
		byID[m.UserID] = m
	}
	if byID["u1"].Username != "Dr. Chen" || byID["u1"].Color != "#f00" {
		t.Fatalf("u1 = %+v", byID["u1"])
	}
}

func TestPresence_ExpiredMembersPurged(t *testing.T) {
	rdb := testClient(t)
	p := NewRedisPresence(rdb)
	ctx := context.Background()

	// 逻辑 TTL 已过期的成员不应出现，并被 Lua 顺手清掉
	if err := p.AddMember(ctx, "s1", "stale", "Old", "", -10*time.Second); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := p.AddMember(ctx, "s1", "fresh", "New", "", 30*time.Second); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	members, err := p.AliveMembers(ctx, "s1")
	if err != nil {
		t.Fatalf("AliveMembers: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "fresh" {
		t.Fatalf("alive = %+v, want only fresh", members)
	}
	if n := rdb.HLen(ctx, namesKey("s1")).Val(); n != 1 {
		t.Fatalf("names hash = %d entries after purge, want 1", n)
	}
}

func TestPresence_RemoveMember(t *testing.T) {
	rdb := testClient(t)
	p := NewRedisPresence(rdb)
	ctx := context.Background()

	if err := p.AddMember(ctx, "s1", "u1", "Dr. Chen", "", 30*time.Second); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := p.SetCursor(ctx, "s1", "u1", []byte(`{"x":1}`), 30*time.Second); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	if err := p.RemoveMember(ctx, "s1", "u1"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}

	members, err := p.AliveMembers(ctx, "s1")
	if err != nil {
		t.Fatalf("AliveMembers: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("alive = %+v, want empty", members)
	}
	if _, err := p.GetCursor(ctx, "s1", "u1"); err != redis.Nil {
		t.Fatalf("cursor survived RemoveMember: %v", err)
	}
}

func TestPresence_SessionAndCursors(t *testing.T) {
	rdb := testClient(t)
	p := NewRedisPresence(rdb)
	ctx := context.Background()

	if err := p.CreateSession(ctx, "s1", "Morning Round"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	name, err := p.SessionName(ctx, "s1")
	if err != nil || name != "Morning Round" {
		t.Fatalf("SessionName = %q, %v", name, err)
	}
	// 不存在的会话名是空串而不是错误
	name, err = p.SessionName(ctx, "missing")
	if err != nil || name != "" {
		t.Fatalf("SessionName(missing) = %q, %v", name, err)
	}

	if err := p.SetCursor(ctx, "s1", "u1", []byte(`{"x":1}`), 30*time.Second); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	cursors, err := p.Cursors(ctx, "s1", []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("Cursors: %v", err)
	}
	if len(cursors) != 1 || string(cursors["u1"]) != `{"x":1}` {
		t.Fatalf("cursors = %v", cursors)
	}
}
