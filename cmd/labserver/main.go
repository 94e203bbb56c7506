package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/OChRA-lab/ochra-sub000/config"
	"github.com/OChRA-lab/ochra-sub000/engine"
	"github.com/OChRA-lab/ochra-sub000/lease"
	"github.com/OChRA-lab/ochra-sub000/messaging"
	"github.com/OChRA-lab/ochra-sub000/metrics"
	"github.com/OChRA-lab/ochra-sub000/stationconn"
	"github.com/OChRA-lab/ochra-sub000/store"
	"github.com/OChRA-lab/ochra-sub000/www"
)

var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "ochralab.yaml", "path to config file")
	hashKey := flag.String("hash-api-key", "", "print the bcrypt hash of an API key and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("ochralab", Version)
		return
	}
	if *hashKey != "" {
		hash, err := www.HashAPIKey(*hashKey)
		if err != nil {
			log.Fatalf("hash api key: %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Database
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	db, err := store.Open(ctx, &cfg.Database)
	cancel()
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	log.Printf("ochralab: database open (%s)", cfg.Database.Driver)

	if err := os.MkdirAll(cfg.Data.Folder, 0o755); err != nil {
		log.Fatalf("create data folder: %v", err)
	}

	// Station leases
	var leaser lease.Leaser = lease.NewMemory()
	if cfg.Redis.Address != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Printf("ochralab: redis not available (%v), using in-process leases", err)
		} else {
			log.Printf("ochralab: redis connected (%s)", cfg.Redis.Address)
			leaser = lease.NewRedis(redisClient)
		}
		cancel()
		defer redisClient.Close()
	}

	// Messaging client
	var msgClient *messaging.Client
	if len(cfg.Messaging.Kafka.Brokers) > 0 {
		msgClient = messaging.NewClient(&cfg.Messaging)
		if err := msgClient.Connect(); err != nil {
			log.Printf("ochralab: messaging connect failed (%v)", err)
		} else {
			log.Printf("ochralab: messaging connected (kafka)")
		}
		defer msgClient.Close()
	}

	reg := metrics.NewRegistry()

	// Engine
	eng := engine.New(engine.Config{
		AppConfig: cfg,
		DB:        db,
		Stations: stationconn.NewPool(stationconn.Config{
			Timeout:          cfg.StationRPC.Timeout,
			BreakerFailures:  cfg.StationRPC.BreakerFailures,
			BreakerOpenFor:   cfg.StationRPC.BreakerOpenFor,
			HalfOpenRequests: cfg.StationRPC.BreakerHalfOpenN,
		}),
		Leaser:    leaser,
		MsgClient: msgClient,
		Metrics:   metrics.NewScheduler(reg.Prometheus()),
	})
	if err := eng.Start(context.Background()); err != nil {
		log.Fatalf("start engine: %v", err)
	}
	defer eng.Stop()

	// Web server
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: www.NewRouter(eng, reg),
	}

	go func() {
		log.Printf("ochralab: web server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("web server: %v", err)
		}
	}()

	log.Printf("ochralab: ready")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("ochralab: shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	log.Printf("ochralab: stopped")
}
