package protocol

import (
	"encoding/json"
	"time"
)

// 出站命令信封：客户端 -> 服务端
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// 命令类型
const (
	CmdSubscribe       = "subscribe"
	CmdUnsubscribe     = "unsubscribe"
	CmdRequestSnapshot = "request-snapshot"
	CmdHeartbeat       = "heartbeat"
	CmdJoin            = "join"
	CmdLeave           = "leave"
	CmdCreateSession   = "create-session"
	CmdCursor          = "cursor"
	CmdCommentAdd      = "comment.add"
	CmdCommentUpdate   = "comment.update"
	CmdCommentResolve  = "comment.resolve"
	CmdCommentDelete   = "comment.delete"
	CmdMarkRead        = "notification.markRead"
	CmdMarkAllRead     = "notification.markAllRead"
)

// 入站消息信封：服务端 -> 客户端
// Channel 提升到信封上，连接层路由时不用解 payload。
// Seq 只对 live 主题有意义：按 channel 单调递增。
type Envelope struct {
	Topic   string          `json:"topic"`
	Channel string          `json:"channel,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// 主题
const (
	TopicLive          = "live"
	TopicPresence      = "presence"
	TopicComments      = "comments"
	TopicNotifications = "notifications"
	TopicError         = "error"
)

const (
	KindSnapshot = "snapshot"
	KindDelta    = "delta"
)

// ---- live 主题 ----

type ChannelType string

const (
	ChannelChart   ChannelType = "chart"
	ChannelCounter ChannelType = "counter"
	ChannelTable   ChannelType = "table"
)

type ChartPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Label     string    `json:"label,omitempty"`
}

type TableColumn struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Type  string `json:"type,omitempty"`
}

type TableRow struct {
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// 快照和增量共用同一个结构，按 Type 取用字段。
type LiveUpdate struct {
	Type ChannelType `json:"channelType"`
	Name string      `json:"name,omitempty"`

	// chart
	Points []ChartPoint `json:"points,omitempty"` // snapshot
	Point  *ChartPoint  `json:"point,omitempty"`  // delta

	// counter
	Value  *float64 `json:"value,omitempty"`
	Label  string   `json:"label,omitempty"`
	Format string   `json:"format,omitempty"`

	// table
	Columns []TableColumn `json:"columns,omitempty"`
	Rows    []TableRow    `json:"rows,omitempty"`   // snapshot
	Upsert  *TableRow     `json:"upsert,omitempty"` // delta
	Remove  string        `json:"remove,omitempty"` // delta, rowID
}

// ---- presence 主题 ----

type Participant struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Color           string    `json:"color,omitempty"`
	IsOnline        bool      `json:"isOnline"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

type CursorPosition struct {
	UserID    string    `json:"userId"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type SessionInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

const (
	PresenceJoin      = "join"
	PresenceLeave     = "leave"
	PresenceHeartbeat = "heartbeat"
	PresenceCursor    = "cursor"
)

type PresenceSnapshot struct {
	Session      SessionInfo      `json:"session"`
	Participants []Participant    `json:"participants"`
	Cursors      []CursorPosition `json:"cursors"`
}

type PresenceDelta struct {
	Event       string          `json:"event"`
	SessionID   string          `json:"sessionId"`
	Participant *Participant    `json:"participant,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	Cursor      *CursorPosition `json:"cursor,omitempty"`
}

// ---- comments 主题 ----

type Comment struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Content   string    `json:"content"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const (
	CommentAdded       = "added"
	CommentAddRejected = "add_rejected"
	CommentUpdated     = "updated"
	CommentResolved    = "resolved"
	CommentDeleted     = "deleted"
)

type CommentsSnapshot struct {
	SessionID string    `json:"sessionId"`
	Comments  []Comment `json:"comments"`
}

type CommentsDelta struct {
	Event       string   `json:"event"`
	SessionID   string   `json:"sessionId"`
	Comment     *Comment `json:"comment,omitempty"`
	CommentID   string   `json:"commentId,omitempty"`
	TentativeID string   `json:"tentativeId,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// ---- notifications 主题 ----

type NotificationData struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // info | success | warning | error
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

const (
	NotificationAdded   = "added"
	NotificationRead    = "read"
	NotificationAllRead = "allRead"
)

type NotificationsSnapshot struct {
	Notifications []NotificationData `json:"notifications"`
}

type NotificationsDelta struct {
	Event          string            `json:"event"`
	Notification   *NotificationData `json:"notification,omitempty"`
	NotificationID string            `json:"notificationId,omitempty"`
}

// ---- 命令 payload ----

type SubscribePayload struct {
	Channel string `json:"channel"`
}

type JoinPayload struct {
	SessionID string `json:"sessionId"`
	UserName  string `json:"userName"`
	UserColor string `json:"userColor,omitempty"`
}

type LeavePayload struct {
	SessionID string `json:"sessionId"`
}

type CursorPayload struct {
	SessionID string    `json:"sessionId"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type CommentAddPayload struct {
	SessionID   string `json:"sessionId"`
	TentativeID string `json:"tentativeId"`
	Content     string `json:"content"`
}

type CommentMutatePayload struct {
	SessionID string    `json:"sessionId"`
	CommentID string    `json:"commentId"`
	Content   string    `json:"content,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

type MarkReadPayload struct {
	NotificationID string `json:"notificationId,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
