package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"

	"github.com/cloakroom-chat/cloakroom/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := server.NewConfigFromEnv()

	registry := server.NewRegistry()
	gateway := server.NewGateway(*cfg, registry)
	metrics := server.NewMetrics(registry, gateway)
	handler := server.SetupRoutes(gateway, metrics)

	httpServer := server.CreateServer(cfg.Port, handler)

	trimCtx, stopTrim := context.WithCancel(context.Background())
	go registry.TrimLoop(trimCtx, cfg.HistoryTrimInterval)

	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				return server.ShutdownServer(httpServer, cfg.ShutdownTimeout)
			},
			"connections": func(ctx context.Context) error {
				registry.CloseAll()
				return nil
			},
			"history-trim": func(ctx context.Context) error {
				stopTrim()
				return nil
			},
		},
	)

	exitCode := <-wait
	log.Printf("Shutdown complete with exit code %d", exitCode)
	os.Exit(exitCode)
}
