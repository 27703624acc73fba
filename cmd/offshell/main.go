package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"offshell/internal/offshell"
)

type cliEnv struct {
	ConfigPath string `env:"OFFSHELL_CONFIG" envDefault:"offshell.yaml"`
}

func main() {
	var ce cliEnv
	if err := env.Parse(&ce); err != nil {
		log.Fatalf("parse env: %v", err)
	}

	var configPath string
	flag.StringVar(&configPath, "config", ce.ConfigPath, "path to offshell.yaml")
	flag.Parse()

	cfg, err := offshell.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := offshell.OpenStore(cfg.Storage.DataDir)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	svc := offshell.NewService(cfg, store, nil, nil)
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A failed install leaves the previous generation's caches untouched, so
	// exiting here never strands the application without a working cache.
	if err := svc.Deploy(ctx); err != nil {
		log.Fatalf("deploy generation %s: %v", cfg.Generation, err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("offshell listening on %s, origin=%s, generation=%s", addr, cfg.Server.Origin, cfg.Generation)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
