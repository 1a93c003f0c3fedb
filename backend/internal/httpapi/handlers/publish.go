package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"clinicRealtime/backend/internal/live"
	"clinicRealtime/backend/internal/protocol"
	"clinicRealtime/backend/internal/ws"
)

// LivePublisher 负责数据面的 REST 入口：
// 上游业务把图表点、计数器值、表格行 POST 进来，
// 这里写入 Registry 拿到带 seq 的增量，再广播给订阅者。
type LivePublisher struct {
	registry   *live.Registry
	hub        *ws.Hub
	dispatcher *live.Dispatcher
}

func NewLivePublisher(registry *live.Registry, hub *ws.Hub, dispatcher *live.Dispatcher) *LivePublisher {
	return &LivePublisher{registry: registry, hub: hub, dispatcher: dispatcher}
}

type chartPointRequest struct {
	Name  string              `json:"name"`
	Point protocol.ChartPoint `json:"point" binding:"required"`
}

func (p *LivePublisher) PublishChartPoint(c *gin.Context) {
	channel := c.Param("channel")
	var req chartPointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Point.Timestamp.IsZero() {
		req.Point.Timestamp = time.Now()
	}
	env, err := p.registry.AppendChartPoint(channel, req.Name, req.Point)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	p.broadcast(c.Request.Context(), channel, env)
	c.JSON(http.StatusOK, gin.H{"channel": channel, "seq": env.Seq})
}

type counterRequest struct {
	Label  string  `json:"label"`
	Format string  `json:"format"`
	Value  float64 `json:"value"`
}

func (p *LivePublisher) PublishCounter(c *gin.Context) {
	channel := c.Param("channel")
	var req counterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env, err := p.registry.SetCounter(channel, req.Label, req.Format, req.Value)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	p.broadcast(c.Request.Context(), channel, env)
	c.JSON(http.StatusOK, gin.H{"channel": channel, "seq": env.Seq})
}

type tableRowRequest struct {
	Columns []protocol.TableColumn `json:"columns"`
	Row     protocol.TableRow      `json:"row" binding:"required"`
}

func (p *LivePublisher) PublishTableRow(c *gin.Context) {
	channel := c.Param("channel")
	var req tableRowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Row.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing row id"})
		return
	}
	if req.Row.Timestamp.IsZero() {
		req.Row.Timestamp = time.Now()
	}
	env, err := p.registry.UpsertRow(channel, req.Columns, req.Row)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	p.broadcast(c.Request.Context(), channel, env)
	c.JSON(http.StatusOK, gin.H{"channel": channel, "seq": env.Seq})
}

func (p *LivePublisher) RemoveTableRow(c *gin.Context) {
	channel := c.Param("channel")
	rowID := c.Param("rowId")
	env, err := p.registry.RemoveRow(channel, rowID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	p.broadcast(c.Request.Context(), channel, env)
	c.JSON(http.StatusOK, gin.H{"channel": channel, "seq": env.Seq})
}

// ChannelSnapshot 调试用：直接拿某个频道的全量。
func (p *LivePublisher) ChannelSnapshot(c *gin.Context) {
	channel := c.Param("channel")
	env, ok := p.registry.Snapshot(channel)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown channel"})
		return
	}
	c.JSON(http.StatusOK, env)
}

func (p *LivePublisher) broadcast(ctx context.Context, channel string, env protocol.Envelope) {
	p.hub.Broadcast(ws.LiveRoom(channel), env)
	if p.dispatcher == nil {
		return
	}
	evt := live.Event{
		EventType: live.EventChannelUpdated,
		Channel:   channel,
		Seq:       env.Seq,
		Payload:   env.Payload,
		AppliedAt: time.Now(),
	}
	dctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := p.dispatcher.Enqueue(dctx, evt); err != nil {
		log.Printf("handlers: dispatch channel update: %v", err)
	}
}
