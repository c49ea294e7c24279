package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"canvas-sync-server/internal/auth"
	"canvas-sync-server/internal/batch"
	"canvas-sync-server/internal/bridge"
	"canvas-sync-server/internal/config"
	"canvas-sync-server/internal/hub"
	"canvas-sync-server/internal/pending"
	"canvas-sync-server/internal/server"
	"canvas-sync-server/internal/shapes"
	"canvas-sync-server/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	h := hub.New()
	engine := batch.NewEngine(st, batch.Options{
		Interval:     cfg.BatchInterval,
		MaxEntries:   cfg.BatchMaxSize,
		WriteTimeout: cfg.BatchWriteTimeout,
	})

	svc := &shapes.Service{
		Hub:     h,
		Store:   st,
		Pending: pending.NewTable(),
		Batch:   engine,
	}

	if cfg.RedisAddr != "" {
		br := bridge.New(cfg.RedisAddr, h)
		if err := br.Ping(ctx); err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer br.Close()
		go br.Run(ctx)
		svc.Relay = br
	}

	tokenCfg := auth.TokenConfig{
		Secret: cfg.JWTSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "canvas-sync-server",
	}

	router := server.NewRouter(server.Deps{
		Store:       st,
		Hub:         h,
		Shapes:      svc,
		TokenConfig: tokenCfg,
	})

	log.Printf("listening on %s", fmt.Sprintf(":%d", cfg.Port))
	err = server.Run(ctx, cfg, router)

	// buffered edits should survive a graceful shutdown
	engine.Close()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
