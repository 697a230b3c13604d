package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/mcptap/internal/config"
	"github.com/xiaot623/mcptap/internal/hub"
	"github.com/xiaot623/mcptap/internal/policy"
	"github.com/xiaot623/mcptap/internal/recorder"
	"github.com/xiaot623/mcptap/internal/router"
	"github.com/xiaot623/mcptap/internal/service"
	"github.com/xiaot623/mcptap/internal/store"
	v1 "github.com/xiaot623/mcptap/internal/transport/http/v1"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting mcptap...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize recording policy
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policyContent := policy.DefaultPolicy
	if cfg.PolicyFile != "" {
		data, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			log.Fatalf("Failed to read policy file: %v", err)
		}
		policyContent = string(data)
	}
	policyEngine, err := policy.NewEngine(ctx, policyContent)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize live event hub
	liveHub := hub.New()

	// Initialize recorder
	rec := recorder.New(db, recorder.Options{
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		SinkQueueSize:   cfg.SinkQueueSize,
		Policy:          policyEngine,
		Hub:             liveHub,
	})
	go rec.Run(ctx)

	// Initialize upstream router
	upstreams, err := cfg.LoadUpstreams()
	if err != nil {
		log.Fatalf("Failed to load upstreams: %v", err)
	}
	log.Printf("Configured upstreams: %d", len(upstreams))
	rt := router.New(upstreams, cfg.ForwardTimeout)
	defer rt.Close()

	// Initialize service
	svc := service.New(db, rec, rt, cfg)

	// Initialize handlers
	h := v1.NewHandler(svc, liveHub)

	// Create Echo server
	server := echo.New()
	server.HideBanner = true

	// Middleware
	server.Use(middleware.Logger())
	server.Use(middleware.Recover())
	server.Use(middleware.CORS())

	// Register routes
	h.RegisterRoutes(server)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down mcptap...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	// Stop the sink writer after the server so late writes still land.
	cancel()

	log.Println("mcptap stopped")
}
