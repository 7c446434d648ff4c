package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"collabCore/backend/config"
	"collabCore/backend/internal/cache"
	"collabCore/backend/internal/collab"
	"collabCore/backend/internal/events"
	"collabCore/backend/internal/httpapi/handlers"
	"collabCore/backend/internal/httpapi/middleware"
	"collabCore/backend/internal/ot"
	"collabCore/backend/internal/session"
	"collabCore/backend/internal/store"
	"collabCore/backend/internal/telemetry"
	"collabCore/backend/internal/ws"
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

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	gdb, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to init gorm: %v", err)
	}
	sessionStore := store.NewSessionStore(gdb)
	if err = sessionStore.AutoMigrate(); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
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

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(presenceCache)
	metrics := telemetry.NewRedisSink(rdb)

	kafkaSem := collab.NewSemaphoreControl(0)
	wsSem := collab.NewSemaphoreControl(0)

	// Kafka 本地队列 + worker 重试发送
	publisher := collab.NewKafkaPublisher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.KafkaPublisherOptions{
			//  Go 允许在数字里用下划线做分隔符，方便阅读
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	registry := session.NewRegistry(sessionStore,
		time.Duration(cfg.Collab.InactivityTimeoutMin)*time.Minute)
	engine := collab.NewEngine(registry, collab.EngineOptions{
		OT: ot.EngineOptions{
			ConflictWindow:    time.Duration(cfg.Collab.ConflictWindowMs) * time.Millisecond,
			PositionProximity: cfg.Collab.PositionProximity,
		},
		OpStore:       store.NewOpStore(db),
		Snapshots:     store.NewSnapshotStore(db),
		Presence:      presenceCache,
		Kafka:         publisher,
		Metrics:       metrics,
		SnapshotEvery: cfg.Collab.SnapshotEvery,
	})
	engine.StartSweeper(context.Background(), time.Minute)

	// 会话结束要通知到房间里的每条连接
	engine.AddEventListener(events.KindSessionEnded, func(evt events.CollaborationEvent) {
		hub.BroadcastSessionEnded(evt.SessionID)
	})

	manager := ws.NewManager(hub, engine, wsSem)
	sessionHandlers := handlers.NewSessionHandlers(engine)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	// 路由
	collabGroup := r.Group("/collab")
	// 鉴权中间件：从 Authorization 或 ?token= 提取并校验 token，写入 userId/username
	collabGroup.Use(middleware.AuthMiddleware())
	collabGroup.GET("/ws", manager.WebSocketConnect)
	collabGroup.GET("/sessions", sessionHandlers.ListActive)
	collabGroup.POST("/sessions", sessionHandlers.Start)
	collabGroup.GET("/sessions/:sessionID", sessionHandlers.Get)
	collabGroup.DELETE("/sessions/:sessionID", sessionHandlers.End)
	collabGroup.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
