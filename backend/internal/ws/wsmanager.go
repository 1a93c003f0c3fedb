package ws

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"clinicRealtime/backend/internal/protocol"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h    *Hub
	deps *Deps
}

func NewManager(h *Hub, deps *Deps) *Manager {
	deps.fill()
	return &Manager{h: h, deps: deps}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.h, m.deps, userID, username)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()

	// 连接一建立就进 user 房间，并下发通知全量
	m.h.Join(UserRoom(userID), wsConn)
	m.sendNotificationsSnapshot(c.Request.Context(), wsConn, userID)

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}

func (m *Manager) sendNotificationsSnapshot(ctx context.Context, wsConn *Conn, userID string) {
	if m.deps.Notifications == nil {
		return
	}
	items, err := m.deps.Notifications.ListByUser(ctx, userID, 0)
	if err != nil {
		log.Printf("ws: notifications snapshot: %v", err)
		return
	}
	wsConn.enqueue(NotificationsSnapshotEnvelope(protocol.NotificationsSnapshot{Notifications: items}))
}
