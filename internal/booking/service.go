package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carevista/clinic-scheduling/internal/apperr"
	"github.com/carevista/clinic-scheduling/internal/events"
	"github.com/carevista/clinic-scheduling/internal/lock"
	"github.com/carevista/clinic-scheduling/internal/notify"
	"github.com/carevista/clinic-scheduling/internal/payment"
	"github.com/carevista/clinic-scheduling/internal/retry"
	"github.com/carevista/clinic-scheduling/internal/scheduling"
)

// Locker guards the per-slot critical section; lock.Service implements
// it.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, maxRetries int, fn func(ctx context.Context) error) error
}

type Options struct {
	LockTTL        time.Duration
	LockMaxRetries int
	CancelCutoff   time.Duration
}

type Service struct {
	repo     Repository
	sched    scheduling.Repository
	locker   Locker
	gateway  payment.Gateway
	notifier notify.Notifier
	events   events.Publisher
	opts     Options
	log      zerolog.Logger
}

func NewService(repo Repository, sched scheduling.Repository, locker Locker, gw payment.Gateway, n notify.Notifier, pub events.Publisher, opts Options, log zerolog.Logger) *Service {
	if opts.LockTTL == 0 {
		opts.LockTTL = 5 * time.Second
	}
	if opts.LockMaxRetries == 0 {
		opts.LockMaxRetries = 5
	}
	if opts.CancelCutoff == 0 {
		opts.CancelCutoff = 2 * time.Hour
	}
	return &Service{
		repo:     repo,
		sched:    sched,
		locker:   locker,
		gateway:  gw,
		notifier: n,
		events:   pub,
		opts:     opts,
		log:      log.With().Str("component", "booking").Logger(),
	}
}

type BookRequest struct {
	Reason         string
	Symptoms       string
	Notes          string
	IdempotencyKey string
	PaymentMethod  string
}

type BookingResult struct {
	Appointment *Appointment
	// PaymentRequired is set when payment could not be initiated
	// synchronously; the reservation itself still stands.
	PaymentRequired bool
	PaymentURL      string
}

// bookOuterPolicy retries the whole locked sequence on lock contention,
// storage transience and duplicate-key races, so a caller sees a single
// logical failure only after all are exhausted. A retried reserve picks
// a fresh appointment ID and number, which resolves a number collision;
// an idempotency-key duplicate replays through the key lookup instead.
func bookOuterPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		ShouldRetry: func(err error) bool {
			switch apperr.KindOf(err) {
			case apperr.Transient, apperr.LockTimeout, apperr.DuplicateKey:
				return true
			}
			return false
		},
	}
}

// Book reserves a slot for a patient. The critical section runs under
// the per-slot lock: validate state, create the appointment, then flip
// the slot to booked as the last write, so a crashed holder leaves at
// worst an orphaned pending appointment, never a double-booked slot.
// Payment and notifications run after the reservation is committed and
// are best-effort by contract.
func (s *Service) Book(ctx context.Context, patientID, slotID uuid.UUID, req BookRequest) (*BookingResult, error) {
	patient, err := s.sched.GetPatientByID(ctx, patientID)
	if err != nil {
		if errors.Is(err, scheduling.ErrPatientNotFound) {
			return nil, apperr.Wrap(apperr.NotFound, err, "patient %s", patientID)
		}
		return nil, err
	}

	var (
		appt   *Appointment
		replay bool
	)

	err = retry.Do(ctx, bookOuterPolicy(), func(ctx context.Context) error {
		return s.locker.WithLock(ctx, lock.BookingKey(slotID), s.opts.LockTTL, s.opts.LockMaxRetries, func(ctx context.Context) error {
			var lockErr error
			appt, replay, lockErr = s.reserve(ctx, patientID, slotID, req)
			return lockErr
		})
	})
	if err != nil {
		return nil, err
	}

	result := &BookingResult{Appointment: appt}
	if replay {
		result.PaymentRequired = appt.Payment.Status == PaymentUnpaid
		if appt.Payment.PaymentURL != nil {
			result.PaymentURL = *appt.Payment.PaymentURL
		}
		return result, nil
	}

	s.settlePayment(ctx, appt, req.PaymentMethod, result)
	s.sendBookingNotifications(ctx, appt, patient)

	if err := retry.Do(ctx, retry.StoragePolicy(), func(ctx context.Context) error {
		return s.repo.UpdateAppointment(ctx, appt)
	}); err != nil {
		s.log.Error().Err(err).Str("appointment", appt.Number).Msg("persist post-booking state failed")
	}

	s.events.PublishSlotEvent(ctx, events.SlotEvent{
		SlotID:        slotID,
		DoctorID:      appt.DoctorID,
		PatientID:     &appt.PatientID,
		AppointmentID: &appt.ID,
		Action:        events.ActionBooked,
		Status:        string(scheduling.SlotBooked),
	})
	s.events.InvalidateDoctorSlots(ctx, appt.DoctorID, appt.Date)

	return result, nil
}

// reserve is the critical section. It must leave the slot either
// untouched or fully booked; the slot transition is the last write.
func (s *Service) reserve(ctx context.Context, patientID, slotID uuid.UUID, req BookRequest) (*Appointment, bool, error) {
	// Replayed request: same patient and idempotency key return the
	// original appointment unchanged.
	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetByIdempotencyKey(ctx, patientID, req.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, ErrAppointmentNotFound) {
			return nil, false, err
		}
	}

	slot, err := s.sched.GetSlotByID(ctx, slotID)
	if err != nil {
		if errors.Is(err, scheduling.ErrSlotNotFound) {
			return nil, false, apperr.Wrap(apperr.NotFound, err, "slot %s", slotID)
		}
		return nil, false, err
	}
	if slot.Status != scheduling.SlotAvailable {
		return nil, false, apperr.E(apperr.InvalidState, "slot %s is %s", slotID, slot.Status)
	}
	if !slot.StartAt().After(time.Now().UTC()) {
		return nil, false, apperr.E(apperr.InvalidState, "slot %s starts in the past", slotID)
	}

	// A patient cannot hold two active appointments at the same date
	// and time, even with different doctors.
	conflicting, err := s.repo.FindActiveAppointmentAt(ctx, patientID, slot.Date, slot.StartTime)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, false, err
	}
	if conflicting != nil {
		return nil, false, apperr.E(apperr.Conflict, "patient already has appointment %s at %s %s", conflicting.Number, slot.Date.Format("2006-01-02"), slot.StartTime)
	}

	doctor, err := s.sched.GetDoctorByID(ctx, slot.DoctorID)
	if err != nil {
		if errors.Is(err, scheduling.ErrDoctorNotFound) {
			return nil, false, apperr.Wrap(apperr.NotFound, err, "doctor %s", slot.DoctorID)
		}
		return nil, false, err
	}

	appt := &Appointment{
		ID:        uuid.New(),
		Number:    NewAppointmentNumber(slot.Date),
		SlotID:    slot.ID,
		PatientID: patientID,
		DoctorID:  slot.DoctorID,
		Date:      slot.Date,
		StartTime: slot.StartTime,
		EndTime:   slot.EndTime,
		Status:    StatusPending,
		Payment: PaymentRecord{
			Amount:   doctor.ConsultationFee,
			Currency: doctor.Currency,
			Status:   PaymentUnpaid,
		},
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		appt.IdempotencyKey = &key
	}

	if err := s.repo.CreateAppointment(ctx, appt); err != nil {
		if apperr.KindOf(err) == apperr.DuplicateKey && req.IdempotencyKey != "" {
			// Benign race: a concurrent replay of the same request won
			// the insert. Serve its appointment.
			existing, readErr := s.repo.GetByIdempotencyKey(ctx, patientID, req.IdempotencyKey)
			if readErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	if _, err := s.sched.MarkSlotBooked(ctx, slot.ID, patientID, appt.ID); err != nil {
		if errors.Is(err, scheduling.ErrSlotStateChanged) {
			return nil, false, apperr.Wrap(apperr.InvalidState, err, "slot %s", slotID)
		}
		return nil, false, err
	}

	return appt, false, nil
}

// settlePayment initiates payment under the payment retry policy. A
// failure is folded into the result, never propagated: slot contention
// is already resolved and rolling back here would need its own release
// path.
func (s *Service) settlePayment(ctx context.Context, appt *Appointment, method string, result *BookingResult) {
	intent, err := retry.DoValue(ctx, retry.PaymentPolicy(), func(ctx context.Context) (*payment.Intent, error) {
		return s.gateway.InitiatePayment(ctx, payment.ChargeRequest{
			AppointmentID:     appt.ID,
			AppointmentNumber: appt.Number,
			PatientID:         appt.PatientID,
			Amount:            payment.Amount{Value: appt.Payment.Amount, Currency: appt.Payment.Currency},
			Method:            method,
		})
	})
	if err != nil {
		result.PaymentRequired = true
		s.log.Warn().Err(err).Str("appointment", appt.Number).Msg("payment initiation failed, booking stands")
		return
	}

	appt.Payment.Status = PaymentPending
	appt.Payment.TransactionID = &intent.TransactionID
	if intent.PaymentURL != "" {
		url := intent.PaymentURL
		appt.Payment.PaymentURL = &url
		result.PaymentURL = url
	}
}

func (s *Service) sendBookingNotifications(ctx context.Context, appt *Appointment, patient *scheduling.Patient) {
	doctor, err := s.sched.GetDoctorByID(ctx, appt.DoctorID)
	if err != nil {
		s.log.Warn().Err(err).Str("appointment", appt.Number).Msg("load doctor for notification failed")
		return
	}

	n := notify.Notification{
		PatientName:       patient.Name,
		DoctorName:        doctor.Name,
		AppointmentNumber: appt.Number,
		Date:              appt.Date.Format("2006-01-02"),
		StartTime:         appt.StartTime,
	}
	if patient.Email != nil {
		n.PatientEmail = *patient.Email
	}
	if doctor.Email != nil {
		n.DoctorEmail = *doctor.Email
	}

	err = retry.Do(ctx, retry.NotifyPolicy(), func(ctx context.Context) error {
		return s.notifier.SendBookingConfirmation(ctx, n)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("appointment", appt.Number).Msg("booking notification failed")
		return
	}
	appt.PatientNotified = true
	appt.DoctorNotified = n.DoctorEmail != ""
}

type CancellationResult struct {
	Appointment  *Appointment
	RefundAmount int64
	RefundIssued bool
}

// Cancel releases an appointment's slot and issues the tiered refund.
// The appointment must belong to the requesting patient and still be
// active; anything else reads as NotFound so foreign appointment IDs
// leak nothing.
func (s *Service) Cancel(ctx context.Context, actor scheduling.Actor, appointmentID uuid.UUID, reason string) (*CancellationResult, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, apperr.Wrap(apperr.NotFound, err, "appointment %s", appointmentID)
		}
		return nil, err
	}
	if !actor.IsAdmin() && appt.PatientID != actor.ID {
		return nil, apperr.E(apperr.NotFound, "appointment %s", appointmentID)
	}
	if !appt.IsActive() {
		return nil, apperr.E(apperr.NotFound, "appointment %s is %s", appointmentID, appt.Status)
	}

	now := time.Now().UTC()
	until := appt.StartAt().Sub(now)
	if until < s.opts.CancelCutoff {
		return nil, apperr.E(apperr.InvalidState, "appointment %s starts in %s, cancellation closes %s before start", appt.Number, until.Round(time.Minute), s.opts.CancelCutoff)
	}

	refundAmount := int64(0)
	if appt.Payment.Status == PaymentPaid {
		refundAmount = appt.Payment.Amount * int64(RefundPercent(until.Hours())) / 100
	}

	appt.Status = StatusCancelled
	appt.Cancellation = &CancellationRecord{
		Actor:        actor.ID,
		ActorRole:    actor.Role,
		Reason:       reason,
		CancelledAt:  now,
		RefundAmount: refundAmount,
		RefundStatus: RefundNone,
	}

	if err := retry.Do(ctx, retry.StoragePolicy(), func(ctx context.Context) error {
		return s.repo.UpdateAppointment(ctx, appt)
	}); err != nil {
		return nil, err
	}

	if _, err := s.sched.ReleaseSlot(ctx, appt.SlotID); err != nil {
		// The appointment is already cancelled; a slot that moved out
		// of booked in between is logged, not fatal.
		s.log.Warn().Err(err).Str("appointment", appt.Number).Msg("slot release after cancellation failed")
	}

	result := &CancellationResult{Appointment: appt, RefundAmount: refundAmount}
	s.settleRefund(ctx, appt, refundAmount, result)
	s.sendCancellationNotifications(ctx, appt, refundAmount)

	s.events.PublishSlotEvent(ctx, events.SlotEvent{
		SlotID:        appt.SlotID,
		DoctorID:      appt.DoctorID,
		PatientID:     &appt.PatientID,
		AppointmentID: &appt.ID,
		Action:        events.ActionCancelled,
		Status:        string(scheduling.SlotAvailable),
	})
	s.events.InvalidateDoctorSlots(ctx, appt.DoctorID, appt.Date)

	return result, nil
}

func (s *Service) settleRefund(ctx context.Context, appt *Appointment, amount int64, result *CancellationResult) {
	if amount <= 0 {
		return
	}

	txn := ""
	if appt.Payment.TransactionID != nil {
		txn = *appt.Payment.TransactionID
	}
	err := retry.Do(ctx, retry.PaymentPolicy(), func(ctx context.Context) error {
		return s.gateway.ProcessRefund(ctx, payment.RefundRequest{
			AppointmentID: appt.ID,
			TransactionID: txn,
			Amount:        payment.Amount{Value: amount, Currency: appt.Payment.Currency},
		})
	})
	if err != nil {
		appt.Cancellation.RefundStatus = RefundFailed
		s.log.Warn().Err(err).Str("appointment", appt.Number).Int64("amount", amount).Msg("refund failed, cancellation stands")
	} else {
		appt.Payment.Status = PaymentRefunded
		appt.Cancellation.RefundStatus = RefundIssued
		result.RefundIssued = true
	}

	if err := retry.Do(ctx, retry.StoragePolicy(), func(ctx context.Context) error {
		return s.repo.UpdateAppointment(ctx, appt)
	}); err != nil {
		s.log.Error().Err(err).Str("appointment", appt.Number).Msg("persist refund state failed")
	}
}

func (s *Service) sendCancellationNotifications(ctx context.Context, appt *Appointment, refundAmount int64) {
	patient, perr := s.sched.GetPatientByID(ctx, appt.PatientID)
	doctor, derr := s.sched.GetDoctorByID(ctx, appt.DoctorID)
	if perr != nil || derr != nil {
		s.log.Warn().AnErr("patient_err", perr).AnErr("doctor_err", derr).Str("appointment", appt.Number).Msg("load parties for cancellation notification failed")
		return
	}

	n := notify.Notification{
		PatientName:       patient.Name,
		DoctorName:        doctor.Name,
		AppointmentNumber: appt.Number,
		Date:              appt.Date.Format("2006-01-02"),
		StartTime:         appt.StartTime,
		Reason:            appt.Cancellation.Reason,
		RefundAmount:      refundAmount,
	}
	if patient.Email != nil {
		n.PatientEmail = *patient.Email
	}
	if doctor.Email != nil {
		n.DoctorEmail = *doctor.Email
	}

	if err := retry.Do(ctx, retry.NotifyPolicy(), func(ctx context.Context) error {
		return s.notifier.SendCancellationNotification(ctx, n)
	}); err != nil {
		s.log.Warn().Err(err).Str("appointment", appt.Number).Msg("cancellation notification failed")
	}
}

type RescheduleResult struct {
	Cancelled *CancellationResult
	Booked    *BookingResult
}

// Reschedule is cancel-then-book, not atomic: when the booking leg
// fails the patient holds neither slot, and the caller receives a
// PartialReschedule error naming the cancelled appointment so they can
// re-book manually.
func (s *Service) Reschedule(ctx context.Context, actor scheduling.Actor, appointmentID, newSlotID uuid.UUID, req BookRequest) (*RescheduleResult, error) {
	cancelled, err := s.Cancel(ctx, actor, appointmentID, "rescheduled")
	if err != nil {
		return nil, err
	}

	booked, err := s.Book(ctx, actor.ID, newSlotID, req)
	if err != nil {
		return nil, apperr.Wrap(apperr.PartialReschedule, err,
			"appointment %s cancelled but booking slot %s failed", cancelled.Appointment.Number, newSlotID)
	}

	return &RescheduleResult{Cancelled: cancelled, Booked: booked}, nil
}

func (s *Service) GetAppointment(ctx context.Context, actor scheduling.Actor, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, apperr.Wrap(apperr.NotFound, err, "appointment %s", id)
		}
		return nil, err
	}
	if !actor.IsAdmin() && appt.PatientID != actor.ID && appt.DoctorID != actor.ID {
		return nil, apperr.E(apperr.NotFound, "appointment %s", id)
	}
	return appt, nil
}

func (s *Service) ListPatientAppointments(ctx context.Context, actor scheduling.Actor, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if !actor.IsAdmin() && actor.ID != patientID {
		return nil, apperr.E(apperr.Forbidden, "actor %s may not list appointments of patient %s", actor.ID, patientID)
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

// ExpireStalePendingUnpaid cancels pending appointments whose payment
// never arrived within ttl and releases their slots. Run periodically
// by the worker.
func (s *Service) ExpireStalePendingUnpaid(ctx context.Context, ttl time.Duration) (int, error) {
	stale, err := s.repo.FindStalePendingUnpaid(ctx, time.Now().UTC().Add(-ttl))
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		appt := &stale[i]
		appt.Status = StatusCancelled
		appt.Cancellation = &CancellationRecord{
			Actor:        appt.PatientID,
			ActorRole:    "system",
			Reason:       "payment not received in time",
			CancelledAt:  time.Now().UTC(),
			RefundStatus: RefundNone,
		}
		if err := s.repo.UpdateAppointment(ctx, appt); err != nil {
			s.log.Warn().Err(err).Str("appointment", appt.Number).Msg("expire stale appointment failed")
			continue
		}
		if _, err := s.sched.ReleaseSlot(ctx, appt.SlotID); err != nil {
			s.log.Warn().Err(err).Str("appointment", appt.Number).Msg("release slot of expired appointment failed")
		}
		s.events.PublishSlotEvent(ctx, events.SlotEvent{
			SlotID:        appt.SlotID,
			DoctorID:      appt.DoctorID,
			PatientID:     &appt.PatientID,
			AppointmentID: &appt.ID,
			Action:        events.ActionCancelled,
			Status:        string(scheduling.SlotAvailable),
		})
		s.events.InvalidateDoctorSlots(ctx, appt.DoctorID, appt.Date)
		expired++
	}
	return expired, nil
}
