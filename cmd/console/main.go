// Package main is the entry point for the operator console service.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bakhe8/icgl/config"
	"github.com/bakhe8/icgl/internal/api"
	"github.com/bakhe8/icgl/internal/client"
	"github.com/bakhe8/icgl/internal/console"
	"github.com/bakhe8/icgl/internal/graphqlapi"
	"github.com/bakhe8/icgl/internal/handlers"
	"github.com/bakhe8/icgl/internal/logutil"
	"github.com/bakhe8/icgl/internal/redisx"
	"github.com/bakhe8/icgl/internal/store"
	"github.com/bakhe8/icgl/internal/stream"
	"github.com/bakhe8/icgl/internal/worker"
)

const (
	version         = "0.3.0-go"
	shutdownTimeout = 5 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("Starting ICGL console v%s", version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logutil.Info("console_bootstrap", map[string]interface{}{
		"version":   version,
		"upstream":  cfg.UpstreamURL,
		"stream":    cfg.StreamURL,
		"feedMode":  cfg.FeedMode,
		"redisAddr": cfg.RedisAddr,
		"datastore": cfg.DataStoreDriver,
	})

	stateStore, err := store.Open(cfg.DataStoreDSN, cfg.DataStoreDriver)
	if err != nil {
		log.Fatalf("Failed to initialize state store: %v", err)
	}
	defer stateStore.Close()

	redisClient, err := redisx.NewClient(ctx, redisx.Config{
		Addr:        cfg.RedisAddr,
		Username:    cfg.RedisUsername,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		TLSEnabled:  cfg.RedisTLSEnabled,
		TLSInsecure: cfg.RedisTLSInsecure,
	})
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	if cfg.FeedMode == config.FeedModeFollower && redisClient == nil {
		log.Fatalf("FEED_MODE=%s requires REDIS_ADDR", config.FeedModeFollower)
	}

	header := http.Header{}
	if cfg.UpstreamToken != "" {
		header.Set("Authorization", "Bearer "+cfg.UpstreamToken)
	}

	c, err := console.New(console.Options{
		Backend:           client.New(cfg.UpstreamURL, cfg.UpstreamToken, cfg.RequestTimeout),
		Dialer:            stream.WebSocketDialer{Header: header},
		StreamURL:         cfg.StreamURL,
		Follower:          cfg.FeedMode == config.FeedModeFollower,
		Audit:             stateStore,
		Redis:             redisClient,
		EventsChannel:     cfg.EventsChannel,
		TimelineCapacity:  cfg.TimelineCapacity,
		DedupWindow:       cfg.DedupWindow,
		ReconnectDelay:    cfg.ReconnectDelay,
		KeepaliveInterval: cfg.KeepaliveInterval,
		PongTimeout:       cfg.PongTimeout,
		Actor:             cfg.ChatActor,
		AutoExecute:       cfg.AutoExecute,
		CommandTimeout:    cfg.RequestTimeout,
		Logger:            log.Default(),
	})
	if err != nil {
		log.Fatalf("Failed to initialize console: %v", err)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		log.Fatalf("Failed to start console: %v", err)
	}

	runner := worker.New(worker.Options{
		Store:     stateStore,
		Logger:    log.Default(),
		Interval:  cfg.PruneInterval,
		Retention: cfg.AuditRetention,
	})
	go func() {
		if err := runner.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("worker stopped: %v", err)
		}
	}()

	handler := handlers.New(c, handlers.Options{ChatTimeout: cfg.RequestTimeout})
	graphHandler, err := graphqlapi.NewHandler(c)
	if err != nil {
		log.Fatalf("Failed to build GraphQL schema: %v", err)
	}
	server := api.NewServer(handler, api.Options{APIToken: cfg.APIToken, GraphQL: graphHandler})
	if cfg.APIToken == "" {
		log.Println("Console API authentication disabled (CONSOLE_API_TOKEN not set)")
	}

	srv, errCh := server.Start(":" + cfg.ServerPort)
	log.Printf("Console API listening on :%s", cfg.ServerPort)

	select {
	case <-ctx.Done():
		log.Println("Shutting down console...")
	case err := <-errCh:
		if err != nil {
			log.Printf("Server error: %v", err)
			cancel()
			c.Close()
			os.Exit(1)
		}
	}

	if err := api.Shutdown(srv, shutdownTimeout); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	c.Close()
	log.Println("Console exited cleanly")
}
