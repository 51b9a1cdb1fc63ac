package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDoctorNotFound   = errors.New("doctor not found")
	ErrPatientNotFound  = errors.New("patient not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrSlotNotFound     = errors.New("slot not found")

	// ErrSlotStateChanged reports a compare-and-swap slot update that
	// matched no row: the slot moved out of the expected status between
	// read and write.
	ErrSlotStateChanged = errors.New("slot no longer in expected status")
)

// Repository contains all DB interactions needed by the scheduling and
// booking services.
type Repository interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	CreateSchedule(ctx context.Context, s *ScheduleDefinition) error
	UpdateSchedule(ctx context.Context, s *ScheduleDefinition) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
	GetScheduleByID(ctx context.Context, id uuid.UUID) (*ScheduleDefinition, error)
	ListSchedulesByDoctor(ctx context.Context, doctorID uuid.UUID) ([]ScheduleDefinition, error)
	ListActiveSchedules(ctx context.Context) ([]ScheduleDefinition, error)

	GetSlotByID(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error)

	// InsertSlots materializes generated slots, silently skipping rows
	// that collide on (doctor, schedule, date, start time). Returns the
	// number actually inserted.
	InsertSlots(ctx context.Context, slots []AvailabilitySlot) (int, error)
	HasSlotsOn(ctx context.Context, scheduleID uuid.UUID, date time.Time) (bool, error)

	// DeleteAvailableOn removes only available slots; booked history is
	// immutable.
	DeleteAvailableOn(ctx context.Context, scheduleID uuid.UUID, date time.Time) (int, error)
	CountDependentFuture(ctx context.Context, scheduleID uuid.UUID, from time.Time) (int, error)

	ListSlotsByDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]AvailabilitySlot, error)

	// Compare-and-swap transitions; each returns ErrSlotStateChanged
	// when the slot is no longer in the expected source status.
	MarkSlotBooked(ctx context.Context, id uuid.UUID, patientID, appointmentID uuid.UUID) (*AvailabilitySlot, error)
	ReleaseSlot(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error)
	BlockSlot(ctx context.Context, id uuid.UUID, actor uuid.UUID, reason string) (*AvailabilitySlot, error)
	UnblockSlot(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error)
}
