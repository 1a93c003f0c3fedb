package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type Member struct {
	UserID   string
	Username string
	Color    string
	// 逻辑 TTL 的截止时刻，score 里存的就是它
	ExpireAt time.Time
}

type PresenceCache interface {
	AddMember(ctx context.Context, sessionID, userID, username, color string, ttl time.Duration) error
	RemoveMember(ctx context.Context, sessionID, userID string) error
	AliveMembers(ctx context.Context, sessionID string) ([]Member, error)
	CreateSession(ctx context.Context, sessionID, name string) error
	SessionName(ctx context.Context, sessionID string) (string, error)
	SetCursor(ctx context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, sessionID, userID string) ([]byte, error)
	Cursors(ctx context.Context, sessionID string, userIDs []string) (map[string][]byte, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, sessionID, userID, username, color string, ttl time.Duration) error {
	// 心跳刷新 TTL 也直接调用 AddMember
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(sessionID), userID, username)
	if color != "" {
		tx.HSet(ctx, colorsKey(sessionID), userID, color)
	}
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, sessionID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sessionID), userID)
	tx.HDel(ctx, namesKey(sessionID), userID)
	tx.HDel(ctx, colorsKey(sessionID), userID)
	tx.Del(ctx, cursorKey(sessionID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) CreateSession(ctx context.Context, sessionID, name string) error {
	return p.rdb.HSet(ctx, infoKey(sessionID), "name", name).Err()
}

func (p *redisPresence) SessionName(ctx context.Context, sessionID string) (string, error) {
	name, err := p.rdb.HGet(ctx, infoKey(sessionID), "name").Result()
	if err == redis.Nil {
		return "", nil
	}
	return name, err
}

func (p *redisPresence) SetCursor(ctx context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(sessionID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, sessionID, userID string) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(sessionID, userID)).Bytes()
}

func (p *redisPresence) Cursors(ctx context.Context, sessionID string, userIDs []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(userIDs))
	for _, uid := range userIDs {
		b, err := p.rdb.Get(ctx, cursorKey(sessionID, uid)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[uid] = b
	}
	return out, nil
}

func (p *redisPresence) AliveMembers(ctx context.Context, sessionID string) ([]Member, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(sessionID)
	-- KEYS[2] = namesKey(sessionID)
	-- KEYS[3] = colorsKey(sessionID)
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
		redis.call("HDEL", KEYS[3], unpack(expired))
	end
	return #expired
	`

	script := redis.NewScript(luaScript)
	_, err := script.Run(ctx, p.rdb, []string{roomKey(sessionID), namesKey(sessionID), colorsKey(sessionID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	alive, err := p.rdb.ZRangeByScoreWithScores(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(alive))
	for _, z := range alive {
		id, _ := z.Member.(string)
		ids = append(ids, id)
	}

	// step3: 批量取名字和颜色
	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), ids...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	colors, err := p.rdb.HMGet(ctx, colorsKey(sessionID), ids...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	members := make([]Member, 0, len(ids))
	for i, id := range ids {
		m := Member{UserID: id, ExpireAt: time.Unix(int64(alive[i].Score), 0)}
		if i < len(names) && names[i] != nil {
			m.Username, _ = names[i].(string)
		}
		if i < len(colors) && colors[i] != nil {
			m.Color, _ = colors[i].(string)
		}
		members = append(members, m)
	}
	return members, nil
}
