package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskflow/bid"
	"taskflow/db"
	"taskflow/dispute"
	"taskflow/escrow"
	"taskflow/identity"
	"taskflow/notify"
	"taskflow/workitem"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	timeline := notify.NewTimeline()
	outbox := notify.NewOutbox()
	escrowRepo := escrow.NewRepository(pool)
	gateway := escrow.NewHTTPGateway(os.Getenv("PAYMENT_GATEWAY_URL"))

	server := &Server{
		identityService: identity.NewService(identity.NewRepository(pool), jwtSecret),
		workItemService: workitem.NewService(pool, workitem.NewRepository(pool), escrowRepo, timeline, outbox),
		bidService:      bid.NewService(pool, bid.NewRepository(pool), escrowRepo, timeline, outbox),
		escrowService:   escrow.NewService(pool, escrowRepo, gateway, timeline, outbox),
		disputeService:  dispute.NewService(pool, dispute.NewRepository(pool), escrowRepo, timeline, outbox),
	}

	dispatcher := notify.NewDispatcher(pool, notify.LogPublisher{})
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("outbox dispatcher stopped: %v", err)
		}
	}()

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("api listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
}
