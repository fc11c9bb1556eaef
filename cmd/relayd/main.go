package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/relayserver"
	"github.com/driftchat/drift/internal/retention"
)

func main() {
	config := relayserver.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- Redis (optional): enables rate limiting ---
	var limiter *relayserver.Limiter
	var rdb *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
		limiter = relayserver.NewLimiter(rdb)
	}

	// --- PostgreSQL (optional): enables event retention and backfill ---
	var archive relayserver.Archiver
	var store *retention.Store
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		window := retention.DefaultWindow
		if v := os.Getenv("RETENTION_WINDOW"); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				window = d
			}
		}

		var err error
		store, err = retention.NewStore(dsn, window)
		if err != nil {
			log.Fatalf("failed to open retention store: %v", err)
		}
		archive = store

		gcCtx, gcCancel := context.WithCancel(context.Background())
		defer gcCancel()
		store.StartGC(gcCtx, 10*time.Minute)
	}

	// --- Metrics (optional) ---
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	log.Printf("drift relay daemon starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  rate_limiting:   %v", limiter != nil)
	log.Printf("  retention:       %v", archive != nil)

	server := relayserver.NewServer(config, archive, limiter)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if store != nil {
			store.Close()
		}
		if rdb != nil {
			rdb.Close()
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
