package scheduling

import (
	"time"

	"github.com/google/uuid"
)

type Doctor struct {
	ID              uuid.UUID
	Name            string
	Email           *string
	Specialty       *string
	ConsultationFee int64 // minor units
	Currency        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BreakWindow is a half-open [Start, End) pause inside a working day,
// both ends minute-precision "HH:MM" wall clock.
type BreakWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ScheduleDefinition is a doctor's recurring availability template for
// one weekday. At most one active definition exists per
// (doctor, weekday); the slots table references it as the origin of
// every generated slot.
type ScheduleDefinition struct {
	ID              uuid.UUID
	DoctorID        uuid.UUID
	Weekday         time.Weekday
	StartTime       string // "HH:MM"
	EndTime         string // "HH:MM"
	SlotDurationMin int
	Breaks          []BreakWindow
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const (
	MinSlotDurationMin = 15
	MaxSlotDurationMin = 120
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
	SlotBlocked   SlotStatus = "blocked"
)

// CanTransitionTo encodes the slot state machine:
// available→booked, available→blocked, blocked→available and
// booked→available (cancellation). Everything else is illegal.
func (s SlotStatus) CanTransitionTo(to SlotStatus) bool {
	switch s {
	case SlotAvailable:
		return to == SlotBooked || to == SlotBlocked
	case SlotBlocked:
		return to == SlotAvailable
	case SlotBooked:
		return to == SlotAvailable
	}
	return false
}

// AvailabilitySlot is one discrete bookable window materialized from a
// schedule definition. Exactly one slot exists per
// (doctor, schedule, date, start time); booked slots are never deleted.
type AvailabilitySlot struct {
	ID            uuid.UUID
	DoctorID      uuid.UUID
	ScheduleID    uuid.UUID
	Date          time.Time // calendar date, midnight UTC
	StartTime     string    // "HH:MM"
	EndTime       string    // "HH:MM"
	Status        SlotStatus
	PatientID     *uuid.UUID
	AppointmentID *uuid.UUID
	BlockedBy     *uuid.UUID
	BlockReason   *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StartAt composes the slot's absolute start instant in UTC.
func (s *AvailabilitySlot) StartAt() time.Time {
	m, err := ClockToMinutes(s.StartTime)
	if err != nil {
		return s.Date
	}
	return s.Date.Add(time.Duration(m) * time.Minute)
}
