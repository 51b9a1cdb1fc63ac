package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carevista/clinic-scheduling/internal/apperr"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// wrapPgErr tags storage failures so retry predicates can dispatch on
// kind: unique violations become DuplicateKey, connection-level
// failures become Transient.
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

// Scan helpers

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.Email, &d.Specialty, &d.ConsultationFee, &d.Currency, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, wrapPgErr(err, "scan doctor")
	}
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, wrapPgErr(err, "scan patient")
	}
	return &p, nil
}

func scanSchedule(row pgx.Row) (*ScheduleDefinition, error) {
	var s ScheduleDefinition
	var weekday int
	var breaks []byte
	err := row.Scan(&s.ID, &s.DoctorID, &weekday, &s.StartTime, &s.EndTime, &s.SlotDurationMin, &breaks, &s.Active, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, wrapPgErr(err, "scan schedule")
	}
	s.Weekday = time.Weekday(weekday)
	if len(breaks) > 0 {
		if err := json.Unmarshal(breaks, &s.Breaks); err != nil {
			return nil, wrapPgErr(err, "decode schedule breaks")
		}
	}
	return &s, nil
}

func scanSlot(row pgx.Row) (*AvailabilitySlot, error) {
	var s AvailabilitySlot
	err := row.Scan(
		&s.ID, &s.DoctorID, &s.ScheduleID, &s.Date, &s.StartTime, &s.EndTime,
		&s.Status, &s.PatientID, &s.AppointmentID, &s.BlockedBy, &s.BlockReason,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, wrapPgErr(err, "scan slot")
	}
	s.Date = Midnight(s.Date)
	return &s, nil
}

const slotColumns = `id, doctor_id, schedule_id, date, start_time, end_time, status,
	patient_id, appointment_id, blocked_by, block_reason, created_at, updated_at`

// Directory

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, specialty, consultation_fee, currency, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

// Schedules

func (r *PgRepository) CreateSchedule(ctx context.Context, s *ScheduleDefinition) error {
	breaks, err := json.Marshal(s.Breaks)
	if err != nil {
		return wrapPgErr(err, "encode schedule breaks")
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO schedule_definitions
			(id, doctor_id, weekday, start_time, end_time, slot_duration_min, breaks, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	`, s.ID, s.DoctorID, int(s.Weekday), s.StartTime, s.EndTime, s.SlotDurationMin, breaks, s.Active)
	return wrapPgErr(err, "insert schedule")
}

func (r *PgRepository) UpdateSchedule(ctx context.Context, s *ScheduleDefinition) error {
	breaks, err := json.Marshal(s.Breaks)
	if err != nil {
		return wrapPgErr(err, "encode schedule breaks")
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedule_definitions
		SET start_time = $2,
		    end_time = $3,
		    slot_duration_min = $4,
		    breaks = $5,
		    active = $6,
		    updated_at = now()
		WHERE id = $1
	`, s.ID, s.StartTime, s.EndTime, s.SlotDurationMin, breaks, s.Active)
	if err != nil {
		return wrapPgErr(err, "update schedule")
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (r *PgRepository) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM schedule_definitions WHERE id = $1`, id)
	if err != nil {
		return wrapPgErr(err, "delete schedule")
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (r *PgRepository) GetScheduleByID(ctx context.Context, id uuid.UUID) (*ScheduleDefinition, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, doctor_id, weekday, start_time, end_time, slot_duration_min, breaks, active, created_at, updated_at
		FROM schedule_definitions
		WHERE id = $1
	`, id)
	return scanSchedule(row)
}

func (r *PgRepository) ListSchedulesByDoctor(ctx context.Context, doctorID uuid.UUID) ([]ScheduleDefinition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, doctor_id, weekday, start_time, end_time, slot_duration_min, breaks, active, created_at, updated_at
		FROM schedule_definitions
		WHERE doctor_id = $1
		ORDER BY weekday
	`, doctorID)
	if err != nil {
		return nil, wrapPgErr(err, "list schedules")
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *PgRepository) ListActiveSchedules(ctx context.Context) ([]ScheduleDefinition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, doctor_id, weekday, start_time, end_time, slot_duration_min, breaks, active, created_at, updated_at
		FROM schedule_definitions
		WHERE active
		ORDER BY doctor_id, weekday
	`)
	if err != nil {
		return nil, wrapPgErr(err, "list active schedules")
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func collectSchedules(rows pgx.Rows) ([]ScheduleDefinition, error) {
	var result []ScheduleDefinition
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgErr(err, "iterate schedules")
	}
	return result, nil
}

// Slots

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+slotColumns+` FROM availability_slots WHERE id = $1`, id)
	return scanSlot(row)
}

func (r *PgRepository) InsertSlots(ctx context.Context, slots []AvailabilitySlot) (int, error) {
	inserted := 0
	for _, s := range slots {
		tag, err := r.pool.Exec(ctx, `
			INSERT INTO availability_slots
				(id, doctor_id, schedule_id, date, start_time, end_time, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
			ON CONFLICT (doctor_id, schedule_id, date, start_time) DO NOTHING
		`, s.ID, s.DoctorID, s.ScheduleID, s.Date, s.StartTime, s.EndTime, s.Status)
		if err != nil {
			return inserted, wrapPgErr(err, "insert slot")
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (r *PgRepository) HasSlotsOn(ctx context.Context, scheduleID uuid.UUID, date time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM availability_slots WHERE schedule_id = $1 AND date = $2
		)
	`, scheduleID, Midnight(date)).Scan(&exists)
	if err != nil {
		return false, wrapPgErr(err, "check existing slots")
	}
	return exists, nil
}

func (r *PgRepository) DeleteAvailableOn(ctx context.Context, scheduleID uuid.UUID, date time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM availability_slots
		WHERE schedule_id = $1 AND date = $2 AND status = 'available'
	`, scheduleID, Midnight(date))
	if err != nil {
		return 0, wrapPgErr(err, "delete available slots")
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgRepository) CountDependentFuture(ctx context.Context, scheduleID uuid.UUID, from time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM availability_slots
		WHERE schedule_id = $1
		  AND date >= $2
		  AND status IN ('available', 'booked')
	`, scheduleID, Midnight(from)).Scan(&n)
	if err != nil {
		return 0, wrapPgErr(err, "count dependent slots")
	}
	return n, nil
}

func (r *PgRepository) ListSlotsByDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]AvailabilitySlot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM availability_slots
		WHERE doctor_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date, start_time
	`, doctorID, Midnight(from), Midnight(to))
	if err != nil {
		return nil, wrapPgErr(err, "list doctor slots")
	}
	defer rows.Close()

	var result []AvailabilitySlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgErr(err, "iterate doctor slots")
	}
	return result, nil
}

// Compare-and-swap transitions. The WHERE status guard is the only
// concurrency protection at this layer; the booking lock narrows races
// but the swap must still be atomic.

func (r *PgRepository) MarkSlotBooked(ctx context.Context, id uuid.UUID, patientID, appointmentID uuid.UUID) (*AvailabilitySlot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE availability_slots
		SET status = 'booked',
		    patient_id = $2,
		    appointment_id = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'available'
		RETURNING `+slotColumns, id, patientID, appointmentID)

	slot, err := scanSlot(row)
	if errors.Is(err, ErrSlotNotFound) {
		return nil, ErrSlotStateChanged
	}
	return slot, err
}

func (r *PgRepository) ReleaseSlot(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE availability_slots
		SET status = 'available',
		    patient_id = NULL,
		    appointment_id = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'booked'
		RETURNING `+slotColumns, id)

	slot, err := scanSlot(row)
	if errors.Is(err, ErrSlotNotFound) {
		return nil, ErrSlotStateChanged
	}
	return slot, err
}

func (r *PgRepository) BlockSlot(ctx context.Context, id uuid.UUID, actor uuid.UUID, reason string) (*AvailabilitySlot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE availability_slots
		SET status = 'blocked',
		    blocked_by = $2,
		    block_reason = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'available'
		RETURNING `+slotColumns, id, actor, reason)

	slot, err := scanSlot(row)
	if errors.Is(err, ErrSlotNotFound) {
		return nil, ErrSlotStateChanged
	}
	return slot, err
}

func (r *PgRepository) UnblockSlot(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE availability_slots
		SET status = 'available',
		    blocked_by = NULL,
		    block_reason = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'blocked'
		RETURNING `+slotColumns, id)

	slot, err := scanSlot(row)
	if errors.Is(err, ErrSlotNotFound) {
		return nil, ErrSlotStateChanged
	}
	return slot, err
}
