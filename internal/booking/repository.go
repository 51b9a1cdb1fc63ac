package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrAppointmentNotFound = errors.New("appointment not found")

// Repository contains all appointment DB interactions needed by the
// orchestrators.
type Repository interface {
	CreateAppointment(ctx context.Context, a *Appointment) error
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// GetByIdempotencyKey serves booking replays: the same (patient,
	// key) pair always maps to the same appointment.
	GetByIdempotencyKey(ctx context.Context, patientID uuid.UUID, key string) (*Appointment, error)

	// FindActiveAppointmentAt detects a patient double-booked at the
	// exact same date and start time with any doctor.
	FindActiveAppointmentAt(ctx context.Context, patientID uuid.UUID, date time.Time, startTime string) (*Appointment, error)

	UpdateAppointment(ctx context.Context, a *Appointment) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)

	// FindStalePendingUnpaid returns pending appointments whose payment
	// never arrived and that were created before the cutoff.
	FindStalePendingUnpaid(ctx context.Context, createdBefore time.Time) ([]Appointment, error)
}
