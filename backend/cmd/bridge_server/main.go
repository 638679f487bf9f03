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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"collabBridge/backend/config"
	"collabBridge/backend/internal/cache"
	"collabBridge/backend/internal/collab"
	"collabBridge/backend/internal/crdt"
	"collabBridge/backend/internal/httpapi/handlers"
	"collabBridge/backend/internal/store"
	"collabBridge/backend/internal/ws"
)

// restore 把归档的变更集重新导入，进程重启后文档内容不丢
func restore(ctx context.Context, archive *store.UpdateArchive, svc *collab.Service) error {
	ids, err := archive.DocumentIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		updates, err := archive.LoadUpdates(ctx, id)
		if err != nil {
			return err
		}
		for _, u := range updates {
			if err := svc.Import(ctx, id, "restore", u.Update); err != nil {
				log.Printf("restore doc=%s update=%s failed: %v", id, u.ID, err)
			}
		}
	}
	log.Printf("restored %d documents", len(ids))
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub()
	fanout := collab.NewFanoutEmitter(hub)

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect redis: %v", err)
		}
		defer rdb.Close()
		fanout.Add(cache.NewRedisDiffPublisher(rdb, cfg.Redis.ChannelPrefix))
	}

	opts := collab.ServiceOptions{}

	var archive *store.UpdateArchive
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		archive = store.NewUpdateArchive(db)
		opts.Archive = archive
	}

	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(0), collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		})
		opts.Relay = dispatcher
	}

	registry := collab.NewRegistry(fanout, collab.RegistryOptions{
		PeerID:      crdt.PeerID(cfg.Collab.PeerID),
		ExpandAfter: cfg.Collab.ExpandAfter,
	})
	svc := collab.NewService(registry, opts)

	if archive != nil {
		if err := restore(ctx, archive, svc); err != nil {
			log.Fatalf("restore failed: %v", err)
		}
	}

	manager := ws.NewManager(hub, svc, collab.NewSemaphoreControl(0))

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if cfg.Cors.Enabled {
		r.Use(cors.New(cors.Config{
			AllowOriginFunc: func(origin string) bool { return true },
			AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:   []string{"Content-Length"},
			MaxAge:          12 * time.Hour,
		}))
	}

	g := r.Group("/collab")
	handlers.NewDocumentHandler(svc).Register(g)
	g.GET("/ws", manager.WebSocketConnect)
	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "docs": registry.Len()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Printf("bridge server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := eg.Wait(); err != nil {
		log.Printf("server stopped: %v", err)
	}

	// 已升级的 websocket 不受 Shutdown 影响，先断开，再等归档写完、关 kafka 队列
	hub.CloseAll()
	svc.Close()
	if dispatcher != nil {
		dispatcher.Close()
	}
	log.Printf("bridge server stopped")
}
