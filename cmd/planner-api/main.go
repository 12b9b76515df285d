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

	"github.com/taskday/project/internal/app/identity"
	"github.com/taskday/project/internal/app/planner"
	"github.com/taskday/project/internal/platform/dbpool"
	"github.com/taskday/project/internal/platform/env"
	"github.com/taskday/project/internal/platform/metrics"
	"github.com/taskday/project/internal/platform/natsutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("API_ADDR", env.DefaultAPIAddr)
	databaseURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	jwtSecret := env.String("JWT_SECRET", "dev-secret-change-me")
	allowedOrigin := env.String("ALLOWED_ORIGIN", "http://localhost:3000")

	pool, err := dbpool.New(ctx, databaseURL)
	if err != nil {
		log.Fatalf("planner-api: connect database: %v", err)
	}
	defer pool.Close()

	identityRepo := identity.NewPostgresRepository(pool)
	plannerRepo := planner.NewPostgresRepository(pool)
	if err := waitForSchema(ctx, identityRepo, plannerRepo); err != nil {
		log.Fatalf("planner-api: ensure schema: %v", err)
	}

	nc, err := natsutil.ConnectJetStreamWithRetry(natsURL, 30*time.Second)
	if err != nil {
		log.Fatalf("planner-api: connect nats: %v", err)
	}
	defer nc.Close()

	publisher := natsutil.JetStreamPublisher{JS: nc.JS}
	tokenManager := identity.NewTokenManager(jwtSecret)
	idSvc := identity.NewService(identityRepo, tokenManager)
	svc := planner.NewService(plannerRepo, publisher.Publish)
	handler := planner.NewHandler(svc, idSvc, tokenManager, allowedOrigin)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil || !nc.Conn.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("planner-api: listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("planner-api: shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("planner-api: server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("planner-api: shutdown: %v", err)
	}
}

// waitForSchema keeps retrying until the database accepts DDL; on a
// cold compose start postgres can lag behind the API container.
func waitForSchema(ctx context.Context, identityRepo *identity.PostgresRepository, plannerRepo *planner.PostgresRepository) error {
	deadline := time.Now().Add(30 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := identityRepo.EnsureSchema(ctx); err != nil {
			lastErr = err
		} else if err := plannerRepo.EnsureSchema(ctx); err != nil {
			lastErr = err
		} else {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return lastErr
}
