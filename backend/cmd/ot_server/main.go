package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"otServer/backend/config"
	"otServer/backend/internal/cache"
	"otServer/backend/internal/collab"
	"otServer/backend/internal/httpapi/handlers"
	"otServer/backend/internal/httpapi/middleware"
	"otServer/backend/internal/session"
	"otServer/backend/internal/store"
	"otServer/backend/internal/ws"
)

func newRedisClient(cfg *config.Config) redis.UniversalClient {
	if cfg.Redis.Cluster {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addrs[0],
		Password: cfg.Redis.Password,
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: port=%d store=%s redis=%v kafka=%v snapshots=%t",
		cfg.Running.Port, cfg.Store.Backend, cfg.Redis.Addrs, cfg.Kafka.Brokers, cfg.Mysql.DSN != "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === 会话存储 ===
	var sessions session.Store
	switch cfg.Store.Backend {
	case config.StoreMemory:
		sessions = cache.NewMemorySessionStore(ctx, cfg.OT.SessionTTL)
	default:
		rdb := newRedisClient(cfg)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("ping redis failed: %v", err)
		}
		defer rdb.Close()
		sessions = cache.NewRedisSessionStore(rdb, cfg.OT.SessionTTL)
	}

	// === 快照库（可选） ===
	var snapshots collab.SnapshotStore
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("open mysql failed: %v", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		snapshots = store.NewSnapshotStore(db)
	}

	// === Kafka 事件（可选） ===
	var events collab.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := collab.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			log.Fatalf("connect kafka failed: %v", err)
		}
		defer func(p sarama.SyncProducer) { _ = p.Close() }(producer)

		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(collab.DefaultSemaphoreSize),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
		// 先于 producer 关闭，把队列里的事件发完
		defer dispatcher.Close()
		events = dispatcher
	}

	engine := collab.NewEngine(sessions, snapshots, events, collab.Options{
		LogCapacity:    cfg.OT.LogCapacity,
		MaxCASRetries:  cfg.OT.MaxCASRetries,
		PublishTimeout: cfg.OT.PublishTimeout,
	})
	go engine.RunJanitor(ctx, cfg.OT.CleanupInterval, cfg.OT.CleanupMaxAge)

	hub := ws.NewHub()
	manager := ws.NewManager(hub, engine, collab.NewSemaphoreControl(cfg.OT.MaxInflight), cfg.Cors.AllowedOrigins)
	fields := handlers.NewFieldHandler(engine)
	secret := []byte(cfg.Auth.JWTSecret)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// 经网关转发时网关已经加了 CORS，默认关闭
	if cfg.Cors.Enabled {
		corsCfg := cors.Config{
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}
		if len(cfg.Cors.AllowedOrigins) > 0 {
			corsCfg.AllowOrigins = cfg.Cors.AllowedOrigins
		} else {
			corsCfg.AllowOriginFunc = func(origin string) bool { return true }
		}
		router.Use(cors.New(corsCfg))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	collabGroup := router.Group("/collab")
	collabGroup.Use(middleware.AuthMiddleware(secret))
	collabGroup.GET("/ws", manager.WebSocketConnect)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(secret))
	fields.Register(v1)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed: %v", err)
		}
	}()
	log.Printf("ot server listening on %s", srv.Addr)

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}
