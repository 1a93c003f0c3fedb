package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"clinicRealtime/backend/config"
	"clinicRealtime/backend/internal/cache"
	"clinicRealtime/backend/internal/httpapi/handlers"
	"clinicRealtime/backend/internal/httpapi/middleware"
	"clinicRealtime/backend/internal/live"
	"clinicRealtime/backend/internal/store"
	"clinicRealtime/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	// TranslateError: 让重复主键映射成 gorm.ErrDuplicatedKey（通知重投去重依赖它）
	db, err := gorm.Open(mysql.Open(cfg.Mysql.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err = db.AutoMigrate(&store.CommentRecord{}, &store.NotificationRecord{}); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	// Kafka 本地队列 + worker 重试发送
	dispatcher := live.NewDispatcher(producer, cfg.Kafka.Topic, live.DispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	})

	presenceCache := cache.NewRedisPresence(rdb)
	registry := live.NewRegistry(live.Options{
		Retention: cfg.Live.Retention,
		MaxPoints: cfg.Live.MaxPoints,
		MaxRows:   cfg.Live.MaxRows,
	})
	commentStore := store.NewCommentStore(db)
	notificationStore := store.NewNotificationStore(db)

	hub := ws.NewHub()
	manager := ws.NewManager(hub, &ws.Deps{
		Presence:      presenceCache,
		Registry:      registry,
		Comments:      commentStore,
		Notifications: notificationStore,
		Dispatcher:    dispatcher,
		PresenceTTL:   cfg.Presence.TTL,
		CursorTTL:     cfg.Presence.CursorTTL,
	})

	livePub := handlers.NewLivePublisher(registry, hub, dispatcher)
	notifyPub := handlers.NewNotificationPublisher(notificationStore, hub, dispatcher)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// 路由
	rt := r.Group("/realtime")
	// 关键：挂鉴权中间件（会从 Authorization 或 ?token= 提取 token，调用 /v1/auth/verify，并写入 userId/username）
	rt.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	rt.GET("/ws", manager.WebSocketConnect)

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	v1.POST("/live/:channel/chart", livePub.PublishChartPoint)
	v1.POST("/live/:channel/counter", livePub.PublishCounter)
	v1.POST("/live/:channel/table", livePub.PublishTableRow)
	v1.DELETE("/live/:channel/table/:rowId", livePub.RemoveTableRow)
	v1.GET("/live/:channel/snapshot", livePub.ChannelSnapshot)
	v1.POST("/notify/:userId", notifyPub.Push)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
