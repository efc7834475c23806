// Command server wires the exchange core together and runs it as a
// standing process: open the DB, restore the order-book cache, start the
// maintenance sweep, optionally serve Prometheus metrics, and shut down
// cleanly on SIGINT/SIGTERM.
//
// Grounded on the teacher's original cmd/main.go, which built a
// signal.NotifyContext and ran a single component to ctx.Done(); this
// generalizes that to multiple components (the maintenance runner's tomb,
// plus an optional metrics HTTP server) instead of one TCP listener.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	_ "github.com/lib/pq"

	"fenrir/internal/config"
	"fenrir/internal/events"
	"fenrir/internal/exchange"
	"fenrir/internal/maintenance"
	"fenrir/internal/metrics"
)

func main() {
	configPath := flag.String("config", "configs/exchange.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.NewConsoleWriter())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	publisher := events.New()
	if cfg.Webhook.Enabled {
		hook := events.NewWebhookSubscriber(cfg.Webhook.URL)
		handler := hook.Handler(ctx)
		publisher.Subscribe(events.OrderMatch, handler)
		publisher.Subscribe(events.OrderFill, handler)
		publisher.Subscribe(events.TradeExecution, handler)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New(prometheus.DefaultRegisterer)
	} else {
		collector = metrics.New(prometheus.NewRegistry())
	}

	ex := exchange.New(db, publisher, collector, cfg.Lock.Timeout)
	if err := ex.RestoreAll(ctx); err != nil {
		log.Fatal().Err(err).Msg("restore order-book cache")
	}
	log.Info().Msg("order-book cache restored, exchange ready")

	t, ctx := tomb.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler()}
		t.Go(func() error {
			go func() {
				<-t.Dying()
				srv.Close()
			}()
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	runner := maintenance.New(ex, ex, cfg.Maintenance.SweepInterval)
	t.Go(func() error { return runner.Run(t, ctx) })

	<-ctx.Done()
	log.Info().Msg("shutting down")
	t.Kill(nil)
	if err := t.Wait(); err != nil {
		log.Error().Err(err).Msg("component exited with error")
	}
}
