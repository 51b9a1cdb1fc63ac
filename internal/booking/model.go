package booking

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carevista/clinic-scheduling/internal/scheduling"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// PaymentStatus moves only forward: unpaid → pending → paid → refunded.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

type RefundStatus string

const (
	RefundNone   RefundStatus = "none"
	RefundIssued RefundStatus = "issued"
	RefundFailed RefundStatus = "failed"
)

type PaymentRecord struct {
	Amount        int64 // minor units
	Currency      string
	Status        PaymentStatus
	TransactionID *string
	PaymentURL    *string
}

type CancellationRecord struct {
	Actor        uuid.UUID
	ActorRole    string
	Reason       string
	CancelledAt  time.Time
	RefundAmount int64
	RefundStatus RefundStatus
}

// Appointment denormalizes the slot's date and times at booking time so
// its history stays intact independent of later slot mutation. Rows are
// never deleted.
type Appointment struct {
	ID        uuid.UUID
	Number    string
	SlotID    uuid.UUID
	PatientID uuid.UUID
	DoctorID  uuid.UUID

	Date      time.Time // calendar date, midnight UTC
	StartTime string    // "HH:MM"
	EndTime   string    // "HH:MM"

	Status          AppointmentStatus
	Payment         PaymentRecord
	Cancellation    *CancellationRecord
	PatientNotified bool
	DoctorNotified  bool
	IdempotencyKey  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StartAt composes the appointment's absolute start instant in UTC.
func (a *Appointment) StartAt() time.Time {
	m, err := scheduling.ClockToMinutes(a.StartTime)
	if err != nil {
		return a.Date
	}
	return a.Date.Add(time.Duration(m) * time.Minute)
}

// IsActive reports whether the appointment still occupies its slot.
func (a *Appointment) IsActive() bool {
	return a.Status == StatusPending || a.Status == StatusConfirmed
}

// NewAppointmentNumber builds the human-facing reference, e.g.
// APT-20260825-4F9C2A.
func NewAppointmentNumber(date time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("APT-%s-%s", date.Format("20060102"), suffix)
}

// RefundPercent is the refund tier as a pure function of the hours
// remaining until the appointment at cancellation time. The <2h tier
// is normally unreachable because the cancellation window check
// rejects such requests first.
func RefundPercent(hoursUntil float64) int {
	switch {
	case hoursUntil >= 24:
		return 100
	case hoursUntil >= 2:
		return 50
	default:
		return 0
	}
}
