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

	"github.com/joho/godotenv"
	"github.com/saitejad/mtpchat/internal/config"
	"github.com/saitejad/mtpchat/internal/crypto"
	"github.com/saitejad/mtpchat/internal/database"
	"github.com/saitejad/mtpchat/internal/delivery"
	"github.com/saitejad/mtpchat/internal/envelope"
	"github.com/saitejad/mtpchat/internal/presence"
	"github.com/saitejad/mtpchat/internal/repositories"
	"github.com/saitejad/mtpchat/internal/services"
	"github.com/saitejad/mtpchat/internal/transport"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create postgres pool: %v", err)
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to create redis client: %v", err)
	}
	defer redisClient.Close()

	// Stores
	users := repositories.NewPostgresUserRepository(postgresPool)
	messages := repositories.NewPostgresMessageRepository(postgresPool)
	keys := repositories.NewRedisSessionKeyStore(redisClient)

	// Core components
	codec := envelope.NewCodec()
	hub := transport.NewHub(logger)
	tracker := presence.NewTracker(logger)
	stateMachine := delivery.NewStateMachine(messages, keys, codec, hub, logger)

	// Services
	authService := services.NewAuthService(users, cfg.JWTSecret, cfg.JWTExpiry)
	exchangeService := services.NewKeyExchangeService(crypto.DefaultDHParams(), keys, logger)
	messageService := services.NewMessageService(users, messages, keys, codec, hub, logger)

	// Presence transitions drive delivery and last-seen bookkeeping.
	tracker.OnOnline(func(userID int64) {
		go func() {
			if err := stateMachine.FlushPending(context.Background(), userID); err != nil {
				logger.Error("flush failed", zap.Int64("user_id", userID), zap.Error(err))
			}
		}()
	})
	tracker.OnOffline(func(userID int64, lastSeen time.Time) {
		go func() {
			if err := users.TouchLastSeen(context.Background(), userID, lastSeen); err != nil {
				logger.Warn("failed to record last_seen", zap.Int64("user_id", userID), zap.Error(err))
			}
		}()
	})

	// Transport
	wsServer := transport.NewWSServer(hub, tracker, messageService, stateMachine, users, logger)
	api := transport.NewAPI(authService, exchangeService, messageService, cfg.AllowEphemeral, logger)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: api.Router(wsServer),
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("Starting server on port %s", cfg.ServerPort)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped gracefully")
}
