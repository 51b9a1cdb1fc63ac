// slot-worker materializes slots ahead of time for every active
// schedule and expires pending appointments whose payment never
// arrived. The generation job runs on a cron spec; expiry runs on a
// short ticker like the rest of the maintenance loops.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

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

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New("dev", "slot-worker")
		l.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, "slot-worker")
	log.Info().Str("env", cfg.Env).Str("cron", cfg.WorkerCron).Msg("slot-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	rdb, err := redisclient.New(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer rdb.Close()

	schedRepo := scheduling.NewPgRepository(pgPool)
	apptRepo := booking.NewPgRepository(pgPool)
	publisher := events.NewRedisPublisher(rdb, log)
	locker := lock.NewService(lock.NewRedisStore(rdb), log)

	schedSvc := scheduling.NewService(schedRepo, nil, publisher, cfg.GenerateHorizonDays, log)
	bookSvc := booking.NewService(apptRepo, schedRepo, locker, payment.Disabled{}, notify.NewLogNotifier(log), publisher, booking.Options{
		LockTTL:        cfg.LockTTL,
		LockMaxRetries: cfg.LockMaxRetries,
		CancelCutoff:   cfg.CancelCutoff,
	}, log)

	c := cron.New()
	_, err = c.AddFunc(cfg.WorkerCron, func() {
		materializeAll(rootCtx, schedSvc, schedRepo, cfg.GenerateHorizonDays, log)
	})
	if err != nil {
		log.Fatal().Err(err).Str("spec", cfg.WorkerCron).Msg("invalid worker cron spec")
	}
	c.Start()
	defer c.Stop()

	// Generate once at startup so a fresh deployment has slots without
	// waiting for the first cron tick.
	materializeAll(rootCtx, schedSvc, schedRepo, cfg.GenerateHorizonDays, log)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping slot-worker")
			return
		case <-ticker.C:
			expireOnce(rootCtx, bookSvc, cfg.PendingPaymentTTL, log)
		}
	}
}

// materializeAll extends every active schedule's slot horizon. Each
// schedule is generated independently so one bad definition cannot
// starve the rest.
func materializeAll(ctx context.Context, svc *scheduling.Service, repo scheduling.Repository, horizonDays int, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	defs, err := repo.ListActiveSchedules(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("list active schedules failed")
		return
	}

	system := scheduling.Actor{Role: "admin"}
	from := time.Now().UTC()
	to := from.AddDate(0, 0, horizonDays-1)

	total := 0
	for _, def := range defs {
		n, err := svc.GenerateRange(runCtx, system, def.ID, from, to, false)
		if err != nil {
			log.Warn().Err(err).Str("schedule_id", def.ID.String()).Msg("slot generation failed")
			continue
		}
		total += n
	}
	log.Info().Int("schedules", len(defs)).Int("slots", total).Msg("materialization run complete")
}

func expireOnce(ctx context.Context, svc *booking.Service, ttl time.Duration, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := svc.ExpireStalePendingUnpaid(runCtx, ttl)
	if err != nil {
		log.Error().Err(err).Msg("expiry run error")
		return
	}
	if n > 0 {
		log.Info().Int("expired", n).Dur("took", time.Since(start)).Msg("expiry run complete")
	}
}
