package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carevista/clinic-scheduling/internal/booking"
	"github.com/carevista/clinic-scheduling/internal/scheduling"
)

type CreateScheduleRequest struct {
	DoctorID        string                   `json:"doctor_id" validate:"required,uuid"`
	Weekday         string                   `json:"weekday" validate:"required"`
	StartTime       string                   `json:"start_time" validate:"required"`
	EndTime         string                   `json:"end_time" validate:"required"`
	SlotDurationMin int                      `json:"slot_duration_min" validate:"required,min=15,max=120"`
	Breaks          []scheduling.BreakWindow `json:"breaks" validate:"dive"`
}

type UpdateScheduleRequest struct {
	StartTime       *string                   `json:"start_time,omitempty"`
	EndTime         *string                   `json:"end_time,omitempty"`
	SlotDurationMin *int                      `json:"slot_duration_min,omitempty" validate:"omitempty,min=15,max=120"`
	Breaks          *[]scheduling.BreakWindow `json:"breaks,omitempty"`
	Active          *bool                     `json:"active,omitempty"`
}

type GenerateSlotsRequest struct {
	StartDate        string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate          string `json:"end_date" validate:"required,datetime=2006-01-02"`
	OverrideExisting bool   `json:"override_existing"`
}

type BookAppointmentRequest struct {
	SlotID         string `json:"slot_id" validate:"required,uuid"`
	Reason         string `json:"reason"`
	Symptoms       string `json:"symptoms"`
	Notes          string `json:"notes"`
	IdempotencyKey string `json:"idempotency_key"`
	PaymentMethod  string `json:"payment_method"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type RescheduleAppointmentRequest struct {
	NewSlotID      string `json:"new_slot_id" validate:"required,uuid"`
	IdempotencyKey string `json:"idempotency_key"`
	PaymentMethod  string `json:"payment_method"`
}

type BlockSlotRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type ScheduleResponse struct {
	ID              uuid.UUID                `json:"id"`
	DoctorID        uuid.UUID                `json:"doctor_id"`
	Weekday         string                   `json:"weekday"`
	StartTime       string                   `json:"start_time"`
	EndTime         string                   `json:"end_time"`
	SlotDurationMin int                      `json:"slot_duration_min"`
	Breaks          []scheduling.BreakWindow `json:"breaks"`
	Active          bool                     `json:"active"`
}

type SlotResponse struct {
	ID            uuid.UUID  `json:"id"`
	DoctorID      uuid.UUID  `json:"doctor_id"`
	ScheduleID    uuid.UUID  `json:"schedule_id"`
	Date          string     `json:"date"`
	StartTime     string     `json:"start_time"`
	EndTime       string     `json:"end_time"`
	Status        string     `json:"status"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
}

type GenerateSlotsResponse struct {
	Generated int `json:"generated"`
}

type PaymentResponse struct {
	Amount        int64   `json:"amount"`
	Currency      string  `json:"currency"`
	Status        string  `json:"status"`
	TransactionID *string `json:"transaction_id,omitempty"`
	PaymentURL    *string `json:"payment_url,omitempty"`
}

type CancellationResponse struct {
	Reason       string    `json:"reason"`
	CancelledAt  time.Time `json:"cancelled_at"`
	RefundAmount int64     `json:"refund_amount"`
	RefundStatus string    `json:"refund_status"`
}

type AppointmentResponse struct {
	ID              uuid.UUID             `json:"id"`
	Number          string                `json:"number"`
	SlotID          uuid.UUID             `json:"slot_id"`
	PatientID       uuid.UUID             `json:"patient_id"`
	DoctorID        uuid.UUID             `json:"doctor_id"`
	Date            string                `json:"date"`
	StartTime       string                `json:"start_time"`
	EndTime         string                `json:"end_time"`
	Status          string                `json:"status"`
	Payment         PaymentResponse       `json:"payment"`
	Cancellation    *CancellationResponse `json:"cancellation,omitempty"`
	PaymentRequired bool                  `json:"payment_required,omitempty"`
	PaymentURL      string                `json:"payment_url,omitempty"`
}

func toScheduleResponse(s *scheduling.ScheduleDefinition) ScheduleResponse {
	return ScheduleResponse{
		ID:              s.ID,
		DoctorID:        s.DoctorID,
		Weekday:         strings.ToLower(s.Weekday.String()),
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		SlotDurationMin: s.SlotDurationMin,
		Breaks:          s.Breaks,
		Active:          s.Active,
	}
}

func toSlotResponse(s *scheduling.AvailabilitySlot) SlotResponse {
	return SlotResponse{
		ID:            s.ID,
		DoctorID:      s.DoctorID,
		ScheduleID:    s.ScheduleID,
		Date:          s.Date.Format("2006-01-02"),
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
		Status:        string(s.Status),
		AppointmentID: s.AppointmentID,
	}
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:        a.ID,
		Number:    a.Number,
		SlotID:    a.SlotID,
		PatientID: a.PatientID,
		DoctorID:  a.DoctorID,
		Date:      a.Date.Format("2006-01-02"),
		StartTime: a.StartTime,
		EndTime:   a.EndTime,
		Status:    string(a.Status),
		Payment: PaymentResponse{
			Amount:        a.Payment.Amount,
			Currency:      a.Payment.Currency,
			Status:        string(a.Payment.Status),
			TransactionID: a.Payment.TransactionID,
			PaymentURL:    a.Payment.PaymentURL,
		},
	}
	if c := a.Cancellation; c != nil {
		resp.Cancellation = &CancellationResponse{
			Reason:       c.Reason,
			CancelledAt:  c.CancelledAt,
			RefundAmount: c.RefundAmount,
			RefundStatus: string(c.RefundStatus),
		}
	}
	return resp
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	if d, ok := weekdays[strings.ToLower(s)]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
