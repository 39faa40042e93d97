package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qless/queue-server/internal/config"
	"qless/queue-server/internal/httpapi"
	"qless/queue-server/internal/hub"
	"qless/queue-server/internal/store/postgres"
	"qless/queue-server/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("queue-server")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	visitStore := postgres.NewStore(pool)
	eventHub := hub.New()
	issuer := httpapi.NewTokenIssuer(cfg.JWTSecret, cfg.JWTExpiration)
	handler := httpapi.NewHandler(visitStore, eventHub, issuer, httpapi.Options{
		AvgConsultMinutes: cfg.AvgConsultMinutes,
		RequestTimeout:    cfg.RequestTimeout,
		StreamBuffer:      cfg.StreamBuffer,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:  cfg.RateLimitPerMinute,
		IPBurst:      cfg.RateLimitBurst,
		CIDPerMinute: cfg.CIDRateLimitPerMinute,
		CIDBurst:     cfg.CIDRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", sockjsHandler(eventHub, cfg.StreamBuffer))
	mux.Handle("/", handler.Routes())

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "queue-server")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("queue-server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go sweepOutbox(visitStore, cfg.OutboxRetention, cfg.OutboxSweepEvery)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func sockjsHandler(eventHub *hub.Hub, streamBuffer int) http.Handler {
	if streamBuffer <= 0 {
		streamBuffer = 16
	}
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, streamBuffer)}
		eventHub.Register(client)
		defer eventHub.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				eventHub.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			eventHub.UpdateSubscription(client, hub.Subscription{
				ChamberID: parsed.ChamberID,
				CID:       parsed.CID,
			})
		}
	})
}

// sweepOutbox drops delivered events past the retention window so the outbox
// table does not grow without bound.
func sweepOutbox(visitStore *postgres.Store, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := visitStore.CleanupOutbox(ctx, time.Now().UTC().Add(-retention))
		cancel()
		if err != nil {
			log.Printf("outbox cleanup error: %v", err)
		}
	}
}
