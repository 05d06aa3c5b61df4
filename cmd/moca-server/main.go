package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/team-moca/moca-server/internal/bus"
	"github.com/team-moca/moca-server/internal/config"
	"github.com/team-moca/moca-server/internal/correlator"
	"github.com/team-moca/moca-server/internal/httpapi"
	"github.com/team-moca/moca-server/internal/logging"
	"github.com/team-moca/moca-server/internal/observability"
	"github.com/team-moca/moca-server/internal/service"
	"github.com/team-moca/moca-server/internal/store/pg"
	"github.com/team-moca/moca-server/internal/sync"
	"github.com/team-moca/moca-server/internal/util"
)

const viaPrefix = "moca/via/"

type viaBatch struct {
	topic   string
	payload []byte
}

func main() {
	cfg := config.LoadServer()
	logger := logging.Init("moca-server", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:        cfg.DBPoolMaxConns,
		MaxConnLifetime: cfg.DBPoolMaxConnLifetime,
	})
	if err != nil {
		slog.Error("db connect failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)

	transport, err := bus.NewAMQP(ctx, bus.AMQPOptions{
		URL:          cfg.AMQPURL,
		Exchange:     cfg.AMQPExchange,
		Queue:        cfg.BusQueue,
		DialAttempts: cfg.BusDialAttempts,
		DialDelay:    cfg.BusDialDelay,
		Logger:       logger,
	})
	if err != nil {
		slog.Error("bus connect failed", "err", err)
		os.Exit(1)
	}

	pool := correlator.New(transport, logger)
	reconciler := sync.NewServiceHandler(store, pool, cfg.CallTimeout, logger)

	// Connector sync batches are drained by a single worker so batches
	// apply in arrival order. The worker makes correlated bus calls of
	// its own, so it must never run on the consume goroutine.
	viaCh := make(chan viaBatch, 256)
	go func() {
		for b := range viaCh {
			if err := reconciler.Handle(ctx, b.topic, b.payload); err != nil {
				slog.Warn("sync batch failed", "topic", b.topic, "err", err)
			}
		}
	}()

	transport.Start(func(topic string, payload []byte) {
		if strings.HasPrefix(topic, viaPrefix) {
			select {
			case viaCh <- viaBatch{topic: topic, payload: payload}:
			default:
				// the connector redelivers on its next sync
				slog.Warn("sync queue full, dropping batch", "topic", topic)
			}
			return
		}
		pool.Handle(topic, payload)
	})

	if err := transport.Subscribe(viaPrefix + "#"); err != nil {
		slog.Error("via subscribe failed", "err", err)
		os.Exit(1)
	}

	svc := &service.ConnectorService{
		Calls:        pool,
		Store:        store,
		CallTimeout:  cfg.CallTimeout,
		MediaTimeout: cfg.MediaTimeout,
		Limiter:      rate.NewLimiter(rate.Limit(cfg.ConnectorRPS), cfg.ConnectorBurst),
		Breaker:      service.NewBreaker("connectors"),
	}

	s := httpapi.New()
	api := &httpapi.API{
		Store:  store,
		Svc:    svc,
		FlowID: util.NewFlowID,
	}
	api.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpapi.Healthz())
	s.Mux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, httpapi.ReadyzCheck{
		Name:  "db",
		Check: db.Ping,
	}))
	s.Mux.Handle("/metrics", promhttp.Handler())

	handler := httpapi.Logging(httpapi.Metrics(observability.HTTPRequests)(s.Mux))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}

	close(viaCh)
	_ = transport.Close()
	db.Close()
}
