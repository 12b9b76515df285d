package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/taskday/project/internal/app/identity"
	"github.com/taskday/project/internal/app/planner"
	"github.com/taskday/project/internal/platform/auth"
	"github.com/taskday/project/internal/platform/dbpool"
	"github.com/taskday/project/internal/platform/env"
	"github.com/taskday/project/internal/platform/metrics"
	"github.com/taskday/project/internal/platform/natsutil"
	"github.com/taskday/project/internal/sharding"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("STREAMER_ADDR", env.DefaultStreamerAddr)
	databaseURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	jwtSecret := env.String("JWT_SECRET", "dev-secret-change-me")

	pool, err := dbpool.New(ctx, databaseURL)
	if err != nil {
		log.Fatalf("badge-streamer: connect database: %v", err)
	}
	defer pool.Close()

	nc, err := natsutil.ConnectJetStreamWithRetry(natsURL, 30*time.Second)
	if err != nil {
		log.Fatalf("badge-streamer: connect nats: %v", err)
	}
	defer nc.Close()

	repo := planner.NewPostgresRepository(pool)
	svc := planner.NewService(repo, nil)

	subscribe := func(userID string, notify func()) (func(), error) {
		sub, err := nc.JS.Subscribe(sharding.UserWildcard(userID), func(_ *nats.Msg) {
			notify()
		}, nats.DeliverNew())
		if err != nil {
			return nil, err
		}
		return func() { _ = sub.Unsubscribe() }, nil
	}
	agg := planner.NewPendingAggregator(svc, subscribe)
	tokenManager := identity.NewTokenManager(jwtSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.HandleFunc("/events/badges", badgeStream(agg, tokenManager))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("badge-streamer: listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("badge-streamer: shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("badge-streamer: server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("badge-streamer: shutdown: %v", err)
	}
}

// badgeStream serves per-group pending counts as server-sent events.
// Every event carries a full snapshot, so clients replace rather than
// accumulate.
func badgeStream(agg *planner.PendingAggregator, tokenManager auth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			// EventSource cannot set headers.
			token = r.URL.Query().Get("token")
		}
		claims, err := tokenManager.Parse(token)
		if err != nil {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		out, release, err := agg.Stream(r.Context(), claims.Subject)
		if err != nil {
			http.Error(w, "change feed unavailable", http.StatusBadGateway)
			return
		}
		defer release()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		heartbeat := time.NewTicker(25 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case snapshot, ok := <-out:
				if !ok {
					return
				}
				payload, err := json.Marshal(snapshot)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: badges\ndata: %s\n\n", payload)
				flusher.Flush()
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}
