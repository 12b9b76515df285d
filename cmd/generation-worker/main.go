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
	"time"

	"github.com/robfig/cron/v3"
	"github.com/taskday/project/internal/app/planner"
	"github.com/taskday/project/internal/platform/dbpool"
	"github.com/taskday/project/internal/platform/env"
	"github.com/taskday/project/internal/platform/metrics"
	"github.com/taskday/project/internal/platform/natsutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("WORKER_ADDR", ":8082")
	databaseURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	generationTime := env.String("GENERATION_TIME", "03:30")

	spec, err := cronSpec(generationTime)
	if err != nil {
		log.Fatalf("generation-worker: GENERATION_TIME: %v", err)
	}

	pool, err := dbpool.New(ctx, databaseURL)
	if err != nil {
		log.Fatalf("generation-worker: connect database: %v", err)
	}
	defer pool.Close()

	nc, err := natsutil.ConnectJetStreamWithRetry(natsURL, 30*time.Second)
	if err != nil {
		log.Fatalf("generation-worker: connect nats: %v", err)
	}
	defer nc.Close()

	repo := planner.NewPostgresRepository(pool)
	publisher := natsutil.JetStreamPublisher{JS: nc.JS}
	svc := planner.NewService(repo, publisher.Publish)

	// Catch up immediately: the scheduled slot may have passed while the
	// worker was down, and the watermark makes a redundant pass a no-op.
	runAllUsers(ctx, svc, repo)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(spec, func() {
		runAllUsers(ctx, svc, repo)
	}); err != nil {
		log.Fatalf("generation-worker: schedule: %v", err)
	}
	scheduler.Start()
	log.Printf("generation-worker: daily pass scheduled at %s (cron %q)", generationTime, spec)

	server := &http.Server{
		Addr:              addr,
		Handler:           opsMux(pool),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("generation-worker: shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("generation-worker: server error: %v", err)
		}
	}

	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

// runAllUsers runs the gated pass for every known user. One user's
// failure does not block the rest; their watermark stays behind and the
// next pass retries them.
func runAllUsers(ctx context.Context, svc *planner.Service, repo planner.Repository) {
	users, err := repo.ListUsers(ctx)
	if err != nil {
		log.Printf("generation-worker: list users: %v", err)
		return
	}

	generated := 0
	for _, user := range users {
		if _, err := svc.RunDailyGeneration(ctx, user.ID, user.Email); err != nil {
			log.Printf("generation-worker: user %s: %v", user.ID, err)
			continue
		}
		generated++
	}
	log.Printf("generation-worker: pass complete, %d/%d users current", generated, len(users))
}

func cronSpec(wallClock string) (string, error) {
	t, err := time.Parse("15:04", wallClock)
	if err != nil {
		return "", fmt.Errorf("want HH:MM, got %q", wallClock)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}

func opsMux(pinger interface {
	Ping(ctx context.Context) error
}) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pinger.Ping(pingCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	return mux
}
