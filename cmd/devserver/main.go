package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bazarchat/internal/devserver"
	"bazarchat/internal/domain/entity"
	"bazarchat/pkg/logger"
)

func main() {
	godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	hub := devserver.NewHub()
	seed(hub)

	server := devserver.NewServer(hub)

	go func() {
		logger.Info("Devserver listening on :%s", port)
		if err := server.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Devserver failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down devserver")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Shutdown error: %v", err)
	}
}

// seed creates a demo conversation so a freshly started client has something
// to open. Tokens are "buyer:1" and "seller:2".
func seed(hub *devserver.Hub) {
	buyer := entity.Participant{Role: entity.RoleBuyer, UserID: "1"}
	seller := entity.Participant{Role: entity.RoleSeller, UserID: "2"}

	conversation := hub.SeedConversation(buyer, seller, "demo-product")
	if _, err := hub.CreateMessage(seller, conversation.ID, "Hi! The item is still available.", "demo-product"); err != nil {
		logger.Warn("Seed message failed: %v", err)
	}
	logger.Info("Seeded conversation %s between %s and %s", conversation.ID, buyer.Key(), seller.Key())
}
