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

	"github.com/OChRA-lab/ochra-sub000/config"
	"github.com/OChRA-lab/ochra-sub000/equipment"
	"github.com/OChRA-lab/ochra-sub000/equipment/sim"
	"github.com/OChRA-lab/ochra-sub000/metrics"
	"github.com/OChRA-lab/ochra-sub000/rop"
	"github.com/OChRA-lab/ochra-sub000/station"
)

var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "station.yaml", "path to station config file")
	flag.Parse()

	if *showVersion {
		fmt.Println("ochrastation", Version)
		return
	}

	cfg, err := config.LoadStation(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Fatalf("create work dir: %v", err)
	}

	lab := rop.NewClient(cfg.LabURL, cfg.APIKey, cfg.RequestTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	if err := lab.Health(ctx); err != nil {
		cancel()
		log.Fatalf("lab server %s not reachable: %v", cfg.LabURL, err)
	}
	cancel()
	log.Printf("station: lab server reachable (%s)", cfg.LabURL)

	reg := metrics.NewRegistry()
	st := station.New(cfg, lab, station.Options{Metrics: metrics.NewExecutor(reg.Prometheus())})

	// Drivers
	drivers := equipment.NewRegistry()
	sim.Register(drivers)

	ctx, cancel = context.WithTimeout(context.Background(), cfg.RequestTimeout)
	err = st.Register(ctx, drivers)
	cancel()
	if err != nil {
		log.Fatalf("register station: %v", err)
	}

	hb := station.NewHeartbeater(st, cfg.HeartbeatInterval)
	hb.Start()
	defer hb.Stop()

	// Executor server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: station.NewRouter(st, reg),
	}

	go func() {
		log.Printf("station: executor listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("executor server: %v", err)
		}
	}()

	log.Printf("station: %s ready (%s)", cfg.Name, st.ID())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("station: shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	st.Wait()

	log.Printf("station: stopped")
}
