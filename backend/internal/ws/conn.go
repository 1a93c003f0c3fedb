package ws

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"clinicRealtime/backend/internal/cache"
	"clinicRealtime/backend/internal/live"
	"clinicRealtime/backend/internal/protocol"
	"clinicRealtime/backend/internal/store"
)

// Deps 是连接处理命令时用到的后端依赖。
type Deps struct {
	Presence      cache.PresenceCache
	Registry      *live.Registry
	Comments      *store.CommentStore
	Notifications *store.NotificationStore
	Dispatcher    *live.Dispatcher
	// 心跳刷新的逻辑 TTL
	PresenceTTL time.Duration
	CursorTTL   time.Duration
}

func (d *Deps) fill() {
	if d.PresenceTTL <= 0 {
		d.PresenceTTL = 60 * time.Second
	}
	if d.CursorTTL <= 0 {
		d.CursorTTL = 30 * time.Second
	}
}

type Conn struct {
	ws        *websocket.Conn
	hub       *Hub
	deps      *Deps
	userID    string
	username  string
	sessionID string
	subs      map[string]struct{}
	send      chan protocol.Envelope
}

func NewConn(ws *websocket.Conn, hub *Hub, deps *Deps, userID, username string) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		deps:     deps,
		userID:   userID,
		username: username,
		subs:     make(map[string]struct{}),
		send:     make(chan protocol.Envelope, 32),
	}
}

func (c *Conn) enqueue(env protocol.Envelope) {
	select {
	case c.send <- env:
	default:
		// 队列满了，丢弃：慢消费者不拖垮广播
	}
}

func (c *Conn) writeLoop() {
	for env := range c.send {
		_ = c.ws.WriteJSON(env)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.cleanup()
		close(c.send)
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Printf("ws: read (user=%s, session=%s): %v", c.userID, c.sessionID, err)
			return
		}
		var cmd protocol.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			// 畸形命令逐条丢弃，连接不受影响
			log.Printf("ws: malformed command from user=%s: %v", c.userID, err)
			continue
		}
		c.handle(ctx, cmd)
	}
}

func (c *Conn) handle(ctx context.Context, cmd protocol.Command) {
	switch cmd.Type {
	case protocol.CmdHeartbeat:
		c.handleHeartbeat(ctx)

	case protocol.CmdSubscribe:
		var p protocol.SubscribePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Channel == "" {
			c.enqueue(errorEnvelope("BAD_SUBSCRIBE", "missing channel"))
			return
		}
		c.subs[p.Channel] = struct{}{}
		c.hub.Join(LiveRoom(p.Channel), c)
		if snap, ok := c.deps.Registry.Snapshot(p.Channel); ok {
			c.enqueue(snap)
		}

	case protocol.CmdUnsubscribe:
		var p protocol.SubscribePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Channel == "" {
			return
		}
		delete(c.subs, p.Channel)
		c.hub.Leave(LiveRoom(p.Channel), c)

	case protocol.CmdRequestSnapshot:
		var p protocol.SubscribePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Channel == "" {
			return
		}
		if snap, ok := c.deps.Registry.Snapshot(p.Channel); ok {
			c.enqueue(snap)
		}

	case protocol.CmdJoin:
		var p protocol.JoinPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.SessionID == "" {
			c.enqueue(errorEnvelope("BAD_JOIN", "missing sessionId"))
			return
		}
		c.joinSession(ctx, p.SessionID, p.UserName, p.UserColor)

	case protocol.CmdCreateSession:
		var p protocol.SessionInfo
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Name == "" {
			c.enqueue(errorEnvelope("BAD_CREATE", "missing session name"))
			return
		}
		sessionID := uuid.NewString()
		if err := c.deps.Presence.CreateSession(ctx, sessionID, p.Name); err != nil {
			log.Printf("ws: create session: %v", err)
			c.enqueue(errorEnvelope("CREATE_SESSION_FAILED", "create session failed"))
			return
		}
		// 建完直接把创建者拉进去
		c.joinSession(ctx, sessionID, c.username, "")

	case protocol.CmdLeave:
		c.leaveSession(ctx)

	case protocol.CmdCursor:
		c.handleCursor(ctx, cmd.Payload)

	case protocol.CmdCommentAdd:
		c.handleCommentAdd(ctx, cmd.Payload)

	case protocol.CmdCommentUpdate:
		c.handleCommentUpdate(ctx, cmd.Payload)

	case protocol.CmdCommentResolve:
		c.handleCommentResolve(ctx, cmd.Payload)

	case protocol.CmdCommentDelete:
		c.handleCommentDelete(ctx, cmd.Payload)

	case protocol.CmdMarkRead:
		var p protocol.MarkReadPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.NotificationID == "" {
			return
		}
		if err := c.deps.Notifications.MarkRead(ctx, c.userID, p.NotificationID); err != nil {
			log.Printf("ws: mark read: %v", err)
			return
		}
		// 同一用户的其他标签页也要跟进
		c.hub.Broadcast(UserRoom(c.userID), NotificationsDeltaEnvelope(protocol.NotificationsDelta{
			Event:          protocol.NotificationRead,
			NotificationID: p.NotificationID,
		}))

	case protocol.CmdMarkAllRead:
		if err := c.deps.Notifications.MarkAllRead(ctx, c.userID); err != nil {
			log.Printf("ws: mark all read: %v", err)
			return
		}
		c.hub.Broadcast(UserRoom(c.userID), NotificationsDeltaEnvelope(protocol.NotificationsDelta{
			Event: protocol.NotificationAllRead,
		}))

	default:
		// 未知命令忽略，回一条提示
		c.enqueue(errorEnvelope("IGNORED", "unknown command type"))
	}
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	if c.sessionID == "" {
		return
	}
	if err := c.deps.Presence.AddMember(ctx, c.sessionID, c.userID, c.username, "", c.deps.PresenceTTL); err != nil {
		log.Printf("ws: heartbeat refresh: %v", err)
		return
	}
	c.hub.Broadcast(SessionRoom(c.sessionID), PresenceDeltaEnvelope(protocol.PresenceDelta{
		Event:     protocol.PresenceHeartbeat,
		SessionID: c.sessionID,
		UserID:    c.userID,
	}))
}

func (c *Conn) joinSession(ctx context.Context, sessionID, userName, userColor string) {
	if userName == "" {
		userName = c.username
	}
	// 动态换房：先离开旧会话
	if c.sessionID != "" && c.sessionID != sessionID {
		c.leaveSession(ctx)
	}
	c.sessionID = sessionID
	if err := c.deps.Presence.AddMember(ctx, sessionID, c.userID, userName, userColor, c.deps.PresenceTTL); err != nil {
		log.Printf("ws: join session: %v", err)
		c.enqueue(errorEnvelope("JOIN_FAILED", "join session failed"))
		return
	}
	c.hub.Join(SessionRoom(sessionID), c)

	// 新加入者拿全量：名册 + 光标 + 评论
	snap, err := c.presenceSnapshot(ctx, sessionID)
	if err != nil {
		log.Printf("ws: presence snapshot: %v", err)
	} else {
		c.enqueue(PresenceSnapshotEnvelope(snap))
	}
	comments, err := c.deps.Comments.ListBySession(ctx, sessionID)
	if err != nil {
		log.Printf("ws: list comments: %v", err)
	} else {
		c.enqueue(CommentsSnapshotEnvelope(protocol.CommentsSnapshot{SessionID: sessionID, Comments: comments}))
	}

	// 其他成员收到一条 join 增量
	c.hub.BroadcastExcept(SessionRoom(sessionID), c, PresenceDeltaEnvelope(protocol.PresenceDelta{
		Event:     protocol.PresenceJoin,
		SessionID: sessionID,
		Participant: &protocol.Participant{
			ID:              c.userID,
			Name:            userName,
			Color:           userColor,
			IsOnline:        true,
			LastHeartbeatAt: time.Now(),
		},
	}))
	c.dispatch(ctx, live.Event{EventType: live.EventSessionJoined, SessionID: sessionID, UserID: c.userID})
}

func (c *Conn) leaveSession(ctx context.Context) {
	if c.sessionID == "" {
		return
	}
	sessionID := c.sessionID
	c.sessionID = ""
	if err := c.deps.Presence.RemoveMember(ctx, sessionID, c.userID); err != nil {
		log.Printf("ws: leave session: %v", err)
	}
	c.hub.Leave(SessionRoom(sessionID), c)
	c.hub.Broadcast(SessionRoom(sessionID), PresenceDeltaEnvelope(protocol.PresenceDelta{
		Event:     protocol.PresenceLeave,
		SessionID: sessionID,
		UserID:    c.userID,
	}))
	c.dispatch(ctx, live.Event{EventType: live.EventSessionLeft, SessionID: sessionID, UserID: c.userID})
}

func (c *Conn) presenceSnapshot(ctx context.Context, sessionID string) (protocol.PresenceSnapshot, error) {
	name, err := c.deps.Presence.SessionName(ctx, sessionID)
	if err != nil {
		return protocol.PresenceSnapshot{}, err
	}
	members, err := c.deps.Presence.AliveMembers(ctx, sessionID)
	if err != nil {
		return protocol.PresenceSnapshot{}, err
	}
	snap := protocol.PresenceSnapshot{Session: protocol.SessionInfo{ID: sessionID, Name: name}}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
		snap.Participants = append(snap.Participants, protocol.Participant{
			ID:              m.UserID,
			Name:            m.Username,
			Color:           m.Color,
			IsOnline:        true,
			LastHeartbeatAt: m.ExpireAt.Add(-c.deps.PresenceTTL),
		})
	}
	cursors, err := c.deps.Presence.Cursors(ctx, sessionID, ids)
	if err != nil {
		return snap, nil // 光标拿不到不致命
	}
	for _, raw := range cursors {
		var cur protocol.CursorPosition
		if err := json.Unmarshal(raw, &cur); err == nil {
			snap.Cursors = append(snap.Cursors, cur)
		}
	}
	return snap, nil
}

func (c *Conn) handleCursor(ctx context.Context, payload json.RawMessage) {
	var p protocol.CursorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if c.sessionID == "" || p.SessionID != c.sessionID {
		return
	}
	cur := protocol.CursorPosition{UserID: c.userID, X: p.X, Y: p.Y, UpdatedAt: p.UpdatedAt}
	if cur.UpdatedAt.IsZero() {
		cur.UpdatedAt = time.Now()
	}
	if raw, err := json.Marshal(cur); err == nil {
		_ = c.deps.Presence.SetCursor(ctx, c.sessionID, c.userID, raw, c.deps.CursorTTL)
	}
	c.hub.Broadcast(SessionRoom(c.sessionID), PresenceDeltaEnvelope(protocol.PresenceDelta{
		Event:     protocol.PresenceCursor,
		SessionID: c.sessionID,
		Cursor:    &cur,
	}))
}

func (c *Conn) handleCommentAdd(ctx context.Context, payload json.RawMessage) {
	var p protocol.CommentAddPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if c.sessionID == "" || p.SessionID != c.sessionID {
		return
	}
	if strings.TrimSpace(p.Content) == "" {
		c.enqueue(CommentsDeltaEnvelope(protocol.CommentsDelta{
			Event:       protocol.CommentAddRejected,
			SessionID:   p.SessionID,
			TentativeID: p.TentativeID,
			Reason:      "empty content",
		}))
		return
	}
	now := time.Now()
	comment := protocol.Comment{
		ID:        uuid.NewString(),
		SessionID: p.SessionID,
		UserID:    c.userID,
		UserName:  c.username,
		Content:   p.Content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.deps.Comments.Create(ctx, comment); err != nil {
		log.Printf("ws: create comment: %v", err)
		c.enqueue(CommentsDeltaEnvelope(protocol.CommentsDelta{
			Event:       protocol.CommentAddRejected,
			SessionID:   p.SessionID,
			TentativeID: p.TentativeID,
			Reason:      "store failed",
		}))
		return
	}
	c.hub.Broadcast(SessionRoom(p.SessionID), CommentsDeltaEnvelope(protocol.CommentsDelta{
		Event:       protocol.CommentAdded,
		SessionID:   p.SessionID,
		Comment:     &comment,
		TentativeID: p.TentativeID,
	}))
	c.dispatch(ctx, live.Event{EventType: live.EventCommentAdded, SessionID: p.SessionID, UserID: c.userID})
}

func (c *Conn) handleCommentUpdate(ctx context.Context, payload json.RawMessage) {
	var p protocol.CommentMutatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if c.sessionID == "" || p.SessionID != c.sessionID {
		return
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	comment, err := c.deps.Comments.UpdateContent(ctx, p.CommentID, c.userID, p.Content, updatedAt)
	if err != nil {
		c.rejectCommentMutation("UPDATE_FAILED", err)
		return
	}
	c.hub.Broadcast(SessionRoom(p.SessionID), CommentsDeltaEnvelope(protocol.CommentsDelta{
		Event:     protocol.CommentUpdated,
		SessionID: p.SessionID,
		Comment:   comment,
	}))
	c.dispatch(ctx, live.Event{EventType: live.EventCommentUpdated, SessionID: p.SessionID, UserID: c.userID})
}

func (c *Conn) handleCommentResolve(ctx context.Context, payload json.RawMessage) {
	var p protocol.CommentMutatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if c.sessionID == "" || p.SessionID != c.sessionID {
		return
	}
	comment, err := c.deps.Comments.Resolve(ctx, p.CommentID, c.userID)
	if err != nil {
		c.rejectCommentMutation("RESOLVE_FAILED", err)
		return
	}
	c.hub.Broadcast(SessionRoom(p.SessionID), CommentsDeltaEnvelope(protocol.CommentsDelta{
		Event:     protocol.CommentResolved,
		SessionID: p.SessionID,
		CommentID: comment.ID,
	}))
	c.dispatch(ctx, live.Event{EventType: live.EventCommentResolved, SessionID: p.SessionID, UserID: c.userID})
}

func (c *Conn) handleCommentDelete(ctx context.Context, payload json.RawMessage) {
	var p protocol.CommentMutatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if c.sessionID == "" || p.SessionID != c.sessionID {
		return
	}
	if err := c.deps.Comments.Delete(ctx, p.CommentID, c.userID); err != nil {
		c.rejectCommentMutation("DELETE_FAILED", err)
		return
	}
	c.hub.Broadcast(SessionRoom(p.SessionID), CommentsDeltaEnvelope(protocol.CommentsDelta{
		Event:     protocol.CommentDeleted,
		SessionID: p.SessionID,
		CommentID: p.CommentID,
	}))
	c.dispatch(ctx, live.Event{EventType: live.EventCommentDeleted, SessionID: p.SessionID, UserID: c.userID})
}

func (c *Conn) rejectCommentMutation(code string, err error) {
	switch {
	case err == store.ErrNotAuthor:
		c.enqueue(errorEnvelope("NOT_AUTHOR", "only the author may modify this comment"))
	case err == gorm.ErrRecordNotFound:
		c.enqueue(errorEnvelope("NOT_FOUND", "comment not found"))
	default:
		log.Printf("ws: comment mutation: %v", err)
		c.enqueue(errorEnvelope(code, "comment mutation failed"))
	}
}

func (c *Conn) dispatch(ctx context.Context, evt live.Event) {
	if c.deps.Dispatcher == nil {
		return
	}
	evt.AppliedAt = time.Now()
	dctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := c.deps.Dispatcher.Enqueue(dctx, evt); err != nil {
		log.Printf("ws: dispatch %s: %v", evt.EventType, err)
	}
}

func (c *Conn) cleanup() {
	// 断连不等于离开：presence 靠心跳 TTL 过期判离线，
	// 这里只把连接从房间里摘掉
	c.hub.LeaveAll(c)
}
