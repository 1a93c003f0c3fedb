package ws

import (
	"encoding/json"
	"log"

	"clinicRealtime/backend/internal/protocol"
)

// 房间命名：live 频道一间、会话一间、每个用户一间（通知推送用）。
func LiveRoom(channel string) string { return "live:" + channel }
func SessionRoom(id string) string   { return "session:" + id }
func UserRoom(userID string) string  { return "user:" + userID }

func mustEnvelope(topic, channel string, kind string, payload any) protocol.Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		// payload 都是本包构造的结构体，正常不会走到这里
		log.Printf("ws: marshal %s payload: %v", topic, err)
		b = []byte("{}")
	}
	return protocol.Envelope{Topic: topic, Channel: channel, Kind: kind, Payload: b}
}

func PresenceSnapshotEnvelope(snap protocol.PresenceSnapshot) protocol.Envelope {
	return mustEnvelope(protocol.TopicPresence, "", protocol.KindSnapshot, snap)
}

func PresenceDeltaEnvelope(d protocol.PresenceDelta) protocol.Envelope {
	return mustEnvelope(protocol.TopicPresence, "", protocol.KindDelta, d)
}

func CommentsSnapshotEnvelope(snap protocol.CommentsSnapshot) protocol.Envelope {
	return mustEnvelope(protocol.TopicComments, "", protocol.KindSnapshot, snap)
}

func CommentsDeltaEnvelope(d protocol.CommentsDelta) protocol.Envelope {
	return mustEnvelope(protocol.TopicComments, "", protocol.KindDelta, d)
}

func NotificationsSnapshotEnvelope(snap protocol.NotificationsSnapshot) protocol.Envelope {
	return mustEnvelope(protocol.TopicNotifications, "", protocol.KindSnapshot, snap)
}

func NotificationsDeltaEnvelope(d protocol.NotificationsDelta) protocol.Envelope {
	return mustEnvelope(protocol.TopicNotifications, "", protocol.KindDelta, d)
}

func errorEnvelope(code, message string) protocol.Envelope {
	return mustEnvelope(protocol.TopicError, "", protocol.KindDelta, protocol.ErrorPayload{Code: code, Message: message})
}
