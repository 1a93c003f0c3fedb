package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"clinicRealtime/backend/internal/live"
	"clinicRealtime/backend/internal/protocol"
	"clinicRealtime/backend/internal/store"
	"clinicRealtime/backend/internal/ws"
)

// NotificationPublisher 服务端推送通知的 REST 入口。
type NotificationPublisher struct {
	store      *store.NotificationStore
	hub        *ws.Hub
	dispatcher *live.Dispatcher
}

func NewNotificationPublisher(st *store.NotificationStore, hub *ws.Hub, dispatcher *live.Dispatcher) *NotificationPublisher {
	return &NotificationPublisher{store: st, hub: hub, dispatcher: dispatcher}
}

type pushRequest struct {
	Type    string `json:"type"`
	Title   string `json:"title" binding:"required"`
	Message string `json:"message"`
}

func (p *NotificationPublisher) Push(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing userId"})
		return
	}
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type == "" {
		req.Type = "info"
	}
	n := protocol.NotificationData{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Title:     req.Title,
		Message:   req.Message,
		Timestamp: time.Now(),
	}
	if err := p.store.Insert(c.Request.Context(), userID, n); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	p.hub.Broadcast(ws.UserRoom(userID), ws.NotificationsDeltaEnvelope(protocol.NotificationsDelta{
		Event:        protocol.NotificationAdded,
		Notification: &n,
	}))
	p.dispatch(c.Request.Context(), userID, n)
	c.JSON(http.StatusOK, gin.H{"id": n.ID})
}

func (p *NotificationPublisher) dispatch(ctx context.Context, userID string, n protocol.NotificationData) {
	if p.dispatcher == nil {
		return
	}
	payload, _ := json.Marshal(n)
	dctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	err := p.dispatcher.Enqueue(dctx, live.Event{
		EventType: live.EventNotificationPushed,
		UserID:    userID,
		Payload:   payload,
		AppliedAt: time.Now(),
	})
	if err != nil {
		log.Printf("handlers: dispatch notification: %v", err)
	}
}
