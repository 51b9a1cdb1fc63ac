package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/carevista/clinic-scheduling/internal/booking"
	"github.com/carevista/clinic-scheduling/internal/scheduling"
)

type RouterConfig struct {
	Scheduling *scheduling.Service
	Booking    *booking.Service
	PgPool     *pgxpool.Pool
	Redis      *redis.Client
	Logger     zerolog.Logger
	Env        string
	Version    string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := NewHandlers(cfg.Scheduling, cfg.Booking)

	r.Route("/schedules", func(r chi.Router) {
		r.Post("/", h.createSchedule)
		r.Get("/{id}", h.getSchedule)
		r.Patch("/{id}", h.updateSchedule)
		r.Delete("/{id}", h.deleteSchedule)
		r.Post("/{id}/generate", h.generateSlots)
	})

	r.Get("/doctors/{id}/schedules", h.listDoctorSchedules)
	r.Get("/doctors/{id}/slots", h.listDoctorSlots)

	r.Post("/slots/{id}/block", h.blockSlot)
	r.Post("/slots/{id}/unblock", h.unblockSlot)

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.bookAppointment)
		r.Get("/", h.listAppointments)
		r.Get("/{id}", h.getAppointment)
		r.Post("/{id}/cancel", h.cancelAppointment)
		r.Post("/{id}/reschedule", h.rescheduleAppointment)
	})

	return r
}
