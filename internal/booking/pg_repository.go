package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carevista/clinic-scheduling/internal/apperr"
	"github.com/carevista/clinic-scheduling/internal/scheduling"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func wrapPgErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Wrap(apperr.DuplicateKey, err, "%s", msg)
	}
	if pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.Transient, err, "%s", msg)
	}
	return apperr.Wrap(apperr.Unknown, err, "%s", msg)
}

const appointmentColumns = `id, number, slot_id, patient_id, doctor_id, date, start_time, end_time,
	status, payment_amount, payment_currency, payment_status, payment_txn_id, payment_url,
	cancelled_by, cancelled_by_role, cancel_reason, cancelled_at, refund_amount, refund_status,
	patient_notified, doctor_notified, idempotency_key, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var cancelledBy *uuid.UUID
	var cancelledByRole, cancelReason *string
	var cancelledAt *time.Time
	var refundAmount *int64
	var refundStatus *string

	err := row.Scan(
		&a.ID, &a.Number, &a.SlotID, &a.PatientID, &a.DoctorID, &a.Date, &a.StartTime, &a.EndTime,
		&a.Status, &a.Payment.Amount, &a.Payment.Currency, &a.Payment.Status, &a.Payment.TransactionID, &a.Payment.PaymentURL,
		&cancelledBy, &cancelledByRole, &cancelReason, &cancelledAt, &refundAmount, &refundStatus,
		&a.PatientNotified, &a.DoctorNotified, &a.IdempotencyKey, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, wrapPgErr(err, "scan appointment")
	}

	a.Date = scheduling.Midnight(a.Date)
	if cancelledAt != nil {
		rec := CancellationRecord{CancelledAt: *cancelledAt}
		if cancelledBy != nil {
			rec.Actor = *cancelledBy
		}
		if cancelledByRole != nil {
			rec.ActorRole = *cancelledByRole
		}
		if cancelReason != nil {
			rec.Reason = *cancelReason
		}
		if refundAmount != nil {
			rec.RefundAmount = *refundAmount
		}
		if refundStatus != nil {
			rec.RefundStatus = RefundStatus(*refundStatus)
		}
		a.Cancellation = &rec
	}
	return &a, nil
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointments
			(id, number, slot_id, patient_id, doctor_id, date, start_time, end_time,
			 status, payment_amount, payment_currency, payment_status, payment_txn_id, payment_url,
			 patient_notified, doctor_notified, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now(), now())
	`, a.ID, a.Number, a.SlotID, a.PatientID, a.DoctorID, a.Date, a.StartTime, a.EndTime,
		a.Status, a.Payment.Amount, a.Payment.Currency, a.Payment.Status, a.Payment.TransactionID, a.Payment.PaymentURL,
		a.PatientNotified, a.DoctorNotified, a.IdempotencyKey)
	return wrapPgErr(err, "insert appointment")
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetByIdempotencyKey(ctx context.Context, patientID uuid.UUID, key string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1 AND idempotency_key = $2
	`, patientID, key)
	return scanAppointment(row)
}

func (r *PgRepository) FindActiveAppointmentAt(ctx context.Context, patientID uuid.UUID, date time.Time, startTime string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		  AND date = $2
		  AND start_time = $3
		  AND status IN ('pending', 'confirmed')
		LIMIT 1
	`, patientID, scheduling.Midnight(date), startTime)
	return scanAppointment(row)
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment) error {
	var (
		cancelledBy     *uuid.UUID
		cancelledByRole *string
		cancelReason    *string
		cancelledAt     *time.Time
		refundAmount    *int64
		refundStatus    *string
	)
	if c := a.Cancellation; c != nil {
		cancelledBy = &c.Actor
		cancelledByRole = &c.ActorRole
		cancelReason = &c.Reason
		cancelledAt = &c.CancelledAt
		refundAmount = &c.RefundAmount
		status := string(c.RefundStatus)
		refundStatus = &status
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    payment_status = $3,
		    payment_txn_id = $4,
		    payment_url = $5,
		    cancelled_by = $6,
		    cancelled_by_role = $7,
		    cancel_reason = $8,
		    cancelled_at = $9,
		    refund_amount = $10,
		    refund_status = $11,
		    patient_notified = $12,
		    doctor_notified = $13,
		    updated_at = now()
		WHERE id = $1
	`, a.ID, a.Status, a.Payment.Status, a.Payment.TransactionID, a.Payment.PaymentURL,
		cancelledBy, cancelledByRole, cancelReason, cancelledAt, refundAmount, refundStatus,
		a.PatientNotified, a.DoctorNotified)
	if err != nil {
		return wrapPgErr(err, "update appointment")
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY date DESC, start_time DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, wrapPgErr(err, "list patient appointments")
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *PgRepository) FindStalePendingUnpaid(ctx context.Context, createdBefore time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'pending'
		  AND payment_status = 'unpaid'
		  AND created_at < $1
	`, createdBefore)
	if err != nil {
		return nil, wrapPgErr(err, "find stale pending appointments")
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgErr(err, "iterate appointments")
	}
	return result, nil
}
