package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/carevista/clinic-scheduling/internal/api"
	"github.com/carevista/clinic-scheduling/internal/booking"
	"github.com/carevista/clinic-scheduling/internal/config"
	"github.com/carevista/clinic-scheduling/internal/db"
	"github.com/carevista/clinic-scheduling/internal/events"
	"github.com/carevista/clinic-scheduling/internal/lock"
	"github.com/carevista/clinic-scheduling/internal/logging"
	"github.com/carevista/clinic-scheduling/internal/notify"
	"github.com/carevista/clinic-scheduling/internal/payment"
	redisclient "github.com/carevista/clinic-scheduling/internal/redis"
	"github.com/carevista/clinic-scheduling/internal/scheduling"
)

const version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New("dev", "api-server")
		l.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, "api-server")
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	rdb, err := redisclient.New(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	schedRepo := scheduling.NewPgRepository(pgPool)
	apptRepo := booking.NewPgRepository(pgPool)

	locker := lock.NewService(lock.NewRedisStore(rdb), log)
	publisher := events.NewRedisPublisher(rdb, log)
	slotCache := events.NewSlotCache(rdb, 5*time.Minute, log)

	var gateway payment.Gateway = payment.Disabled{}
	if cfg.PaymentBaseURL != "" {
		gateway = payment.NewHTTPGateway(cfg.PaymentBaseURL)
	}

	var notifier notify.Notifier = notify.NewLogNotifier(log)
	if cfg.MailAPIURL != "" {
		notifier = notify.NewMailNotifier(cfg.MailAPIURL, cfg.MailAPIKey, cfg.MailSender)
	}

	schedSvc := scheduling.NewService(schedRepo, slotCache, publisher, cfg.GenerateHorizonDays, log)
	bookSvc := booking.NewService(apptRepo, schedRepo, locker, gateway, notifier, publisher, booking.Options{
		LockTTL:        cfg.LockTTL,
		LockMaxRetries: cfg.LockMaxRetries,
		CancelCutoff:   cfg.CancelCutoff,
	}, log)

	router := api.NewRouter(api.RouterConfig{
		Scheduling: schedSvc,
		Booking:    bookSvc,
		PgPool:     pgPool,
		Redis:      rdb,
		Logger:     log,
		Env:        cfg.Env,
		Version:    version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()
	log.Info().Str("addr", srv.Addr).Msg("listening")

	<-rootCtx.Done()
	log.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
