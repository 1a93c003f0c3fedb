package live

import (
	"encoding/json"
	"time"
)

// 推给 Kafka 的已应用事件，供审计流和其他节点消费。
type Event struct {
	EventType string          `json:"eventType"` // CHANNEL_UPDATED / COMMENT_* / NOTIFICATION_*
	Channel   string          `json:"channel,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	AppliedAt time.Time       `json:"appliedAt"`
}

const (
	EventChannelUpdated     = "CHANNEL_UPDATED"
	EventCommentAdded       = "COMMENT_ADDED"
	EventCommentUpdated     = "COMMENT_UPDATED"
	EventCommentResolved    = "COMMENT_RESOLVED"
	EventCommentDeleted     = "COMMENT_DELETED"
	EventNotificationPushed = "NOTIFICATION_PUSHED"
	EventSessionJoined      = "SESSION_JOINED"
	EventSessionLeft        = "SESSION_LEFT"
)

// 事件按这个键分区，同一频道/会话的事件保序。
func (e Event) Key() string {
	if e.Channel != "" {
		return e.Channel
	}
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.UserID
}
