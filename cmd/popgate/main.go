package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"popgate/internal/popgate"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("POPGATE_CONFIG", "/popgate.yaml"), "path to popgate.yaml")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := popgate.LoadConfig(configPath)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}

	popgate.RegisterMetrics()

	svc, err := popgate.NewService(cfg, log)
	if err != nil {
		log.Fatal("init service failed", zap.Error(err))
	}
	defer svc.Close()

	// Seed and cut over at startup. Install failure is not fatal: the
	// gateway serves whatever it already has on disk and the sync monitor
	// retries once the origin is reachable.
	installCtx, cancelInstall := context.WithTimeout(context.Background(), 60*time.Second)
	if err := svc.HandleInstall(installCtx); err != nil {
		log.Warn("install failed, serving cold", zap.Error(err))
	} else if err := svc.HandleActivate(installCtx); err != nil {
		log.Warn("activate failed", zap.Error(err))
	}
	cancelInstall()

	svc.StartSyncMonitor()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/-/message", svc.MessageHandler())
	mux.Handle("/", svc.Handler())

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal("listen failed", zap.String("addr", addr), zap.Error(err))
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("popgate listening",
			zap.String("addr", addr),
			zap.String("origin", cfg.Server.Origin),
			zap.String("version", cfg.Version))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
