package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carevista/clinic-scheduling/internal/apperr"
	"github.com/carevista/clinic-scheduling/internal/events"
	"github.com/carevista/clinic-scheduling/internal/retry"
)

// Actor is the already-authenticated identity resolved by the HTTP
// boundary. The core never performs credential checks.
type Actor struct {
	ID   uuid.UUID
	Role string // patient, doctor, admin
}

func (a Actor) IsAdmin() bool  { return a.Role == "admin" }
func (a Actor) IsDoctor() bool { return a.Role == "doctor" }

// SlotListCache is the read-through listing cache; events.SlotCache
// implements it.
type SlotListCache interface {
	Get(ctx context.Context, doctorID uuid.UUID, date time.Time, dst any) bool
	Set(ctx context.Context, doctorID uuid.UUID, date time.Time, v any)
}

type Service struct {
	repo        Repository
	cache       SlotListCache
	events      events.Publisher
	horizonDays int
	log         zerolog.Logger
}

func NewService(repo Repository, cache SlotListCache, pub events.Publisher, horizonDays int, log zerolog.Logger) *Service {
	return &Service{
		repo:        repo,
		cache:       cache,
		events:      pub,
		horizonDays: horizonDays,
		log:         log.With().Str("component", "scheduling").Logger(),
	}
}

type CreateScheduleInput struct {
	DoctorID        uuid.UUID
	Weekday         time.Weekday
	StartTime       string
	EndTime         string
	SlotDurationMin int
	Breaks          []BreakWindow
}

type UpdateScheduleInput struct {
	StartTime       *string
	EndTime         *string
	SlotDurationMin *int
	Breaks          *[]BreakWindow
	Active          *bool
}

func validateScheduleTimes(start, end string, durationMin int, breaks []BreakWindow) error {
	startMin, err := ClockToMinutes(start)
	if err != nil {
		return apperr.Wrap(apperr.InvalidRange, err, "invalid start time")
	}
	endMin, err := ClockToMinutes(end)
	if err != nil {
		return apperr.Wrap(apperr.InvalidRange, err, "invalid end time")
	}
	if startMin >= endMin {
		return apperr.E(apperr.InvalidRange, "start time %s must be before end time %s", start, end)
	}
	if durationMin < MinSlotDurationMin || durationMin > MaxSlotDurationMin {
		return apperr.E(apperr.InvalidRange, "slot duration %d outside %d-%d minutes", durationMin, MinSlotDurationMin, MaxSlotDurationMin)
	}
	for _, b := range breaks {
		bs, err := ClockToMinutes(b.Start)
		if err != nil {
			return apperr.Wrap(apperr.InvalidRange, err, "invalid break start")
		}
		be, err := ClockToMinutes(b.End)
		if err != nil {
			return apperr.Wrap(apperr.InvalidRange, err, "invalid break end")
		}
		if bs >= be {
			return apperr.E(apperr.InvalidRange, "break %s-%s is empty or inverted", b.Start, b.End)
		}
	}
	return nil
}

func (s *Service) authorizeDoctorResource(actor Actor, doctorID uuid.UUID) error {
	if actor.IsAdmin() {
		return nil
	}
	if actor.IsDoctor() && actor.ID == doctorID {
		return nil
	}
	return apperr.E(apperr.Forbidden, "actor %s may not manage doctor %s resources", actor.ID, doctorID)
}

// CreateSchedule enforces the one-active-definition-per-(doctor,
// weekday) invariant through the partial unique index; the duplicate
// key surfaces here as a Conflict rather than a retryable race.
func (s *Service) CreateSchedule(ctx context.Context, actor Actor, in CreateScheduleInput) (*ScheduleDefinition, error) {
	if err := s.authorizeDoctorResource(actor, in.DoctorID); err != nil {
		return nil, err
	}
	if in.Weekday < time.Sunday || in.Weekday > time.Saturday {
		return nil, apperr.E(apperr.InvalidRange, "invalid weekday %d", in.Weekday)
	}
	if err := validateScheduleTimes(in.StartTime, in.EndTime, in.SlotDurationMin, in.Breaks); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetDoctorByID(ctx, in.DoctorID); err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, apperr.Wrap(apperr.NotFound, err, "doctor %s", in.DoctorID)
		}
		return nil, err
	}

	def := &ScheduleDefinition{
		ID:              uuid.New(),
		DoctorID:        in.DoctorID,
		Weekday:         in.Weekday,
		StartTime:       in.StartTime,
		EndTime:         in.EndTime,
		SlotDurationMin: in.SlotDurationMin,
		Breaks:          in.Breaks,
		Active:          true,
	}

	err := s.repo.CreateSchedule(ctx, def)
	if err != nil {
		if apperr.KindOf(err) == apperr.DuplicateKey {
			return nil, apperr.E(apperr.Conflict, "doctor %s already has an active schedule for %s", in.DoctorID, in.Weekday)
		}
		return nil, err
	}
	return def, nil
}

func (s *Service) UpdateSchedule(ctx context.Context, actor Actor, id uuid.UUID, in UpdateScheduleInput) (*ScheduleDefinition, error) {
	def, err := s.getSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeDoctorResource(actor, def.DoctorID); err != nil {
		return nil, err
	}

	if in.StartTime != nil {
		def.StartTime = *in.StartTime
	}
	if in.EndTime != nil {
		def.EndTime = *in.EndTime
	}
	if in.SlotDurationMin != nil {
		def.SlotDurationMin = *in.SlotDurationMin
	}
	if in.Breaks != nil {
		def.Breaks = *in.Breaks
	}
	if in.Active != nil {
		def.Active = *in.Active
	}

	if err := validateScheduleTimes(def.StartTime, def.EndTime, def.SlotDurationMin, def.Breaks); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateSchedule(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// DeleteSchedule hard-deletes only when no future available or booked
// slot still references the definition; otherwise it soft-deactivates
// and reports deleted=false.
func (s *Service) DeleteSchedule(ctx context.Context, actor Actor, id uuid.UUID) (deleted bool, err error) {
	def, err := s.getSchedule(ctx, id)
	if err != nil {
		return false, err
	}
	if err := s.authorizeDoctorResource(actor, def.DoctorID); err != nil {
		return false, err
	}

	deps, err := s.repo.CountDependentFuture(ctx, id, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if deps > 0 {
		def.Active = false
		if err := s.repo.UpdateSchedule(ctx, def); err != nil {
			return false, err
		}
		s.log.Info().Str("schedule_id", id.String()).Int("dependent_slots", deps).
			Msg("schedule has dependent future slots, deactivated instead of deleted")
		return false, nil
	}

	if err := s.repo.DeleteSchedule(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) GetSchedule(ctx context.Context, id uuid.UUID) (*ScheduleDefinition, error) {
	return s.getSchedule(ctx, id)
}

func (s *Service) ListSchedules(ctx context.Context, doctorID uuid.UUID) ([]ScheduleDefinition, error) {
	return s.repo.ListSchedulesByDoctor(ctx, doctorID)
}

func (s *Service) getSchedule(ctx context.Context, id uuid.UUID) (*ScheduleDefinition, error) {
	def, err := s.repo.GetScheduleByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return nil, apperr.Wrap(apperr.NotFound, err, "schedule %s", id)
		}
		return nil, err
	}
	return def, nil
}

// GenerateRange materializes slots for every matching date in
// [from, to]. With overrideExisting false the run is idempotent: dates
// that already carry any slot for this schedule are skipped. With it
// true, available slots for the date are deleted and regenerated;
// booked slots are never touched.
func (s *Service) GenerateRange(ctx context.Context, actor Actor, scheduleID uuid.UUID, from, to time.Time, overrideExisting bool) (int, error) {
	def, err := s.getSchedule(ctx, scheduleID)
	if err != nil {
		return 0, err
	}
	if err := s.authorizeDoctorResource(actor, def.DoctorID); err != nil {
		return 0, err
	}
	if !def.Active {
		return 0, apperr.E(apperr.InvalidState, "schedule %s is inactive", scheduleID)
	}
	if err := ValidateRange(from, to, s.horizonDays); err != nil {
		return 0, err
	}

	total := 0
	policy := retry.StoragePolicy()
	for day := Midnight(from); !day.After(Midnight(to)); day = day.AddDate(0, 0, 1) {
		if day.Weekday() != def.Weekday {
			continue
		}
		day := day

		n, err := retry.DoValue(ctx, policy, func(ctx context.Context) (int, error) {
			return s.materializeDay(ctx, def, day, overrideExisting)
		})
		if err != nil {
			return total, err
		}
		if n > 0 {
			s.events.InvalidateDoctorSlots(ctx, def.DoctorID, day)
		}
		total += n
	}

	s.log.Info().
		Str("schedule_id", scheduleID.String()).
		Int("slots", total).
		Bool("override", overrideExisting).
		Msg("slot generation complete")
	return total, nil
}

func (s *Service) materializeDay(ctx context.Context, def *ScheduleDefinition, day time.Time, override bool) (int, error) {
	if override {
		if _, err := s.repo.DeleteAvailableOn(ctx, def.ID, day); err != nil {
			return 0, err
		}
	} else {
		exists, err := s.repo.HasSlotsOn(ctx, def.ID, day)
		if err != nil {
			return 0, err
		}
		if exists {
			return 0, nil
		}
	}

	slots, err := Generate(*def, day)
	if err != nil {
		return 0, err
	}
	if len(slots) == 0 {
		return 0, nil
	}
	return s.repo.InsertSlots(ctx, slots)
}

// ListDoctorSlots serves single-day queries through the Redis cache;
// range queries always hit the store.
func (s *Service) ListDoctorSlots(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]AvailabilitySlot, error) {
	from, to = Midnight(from), Midnight(to)
	singleDay := from.Equal(to)

	if singleDay && s.cache != nil {
		var cached []AvailabilitySlot
		if s.cache.Get(ctx, doctorID, from, &cached) {
			return cached, nil
		}
	}

	slots, err := s.repo.ListSlotsByDoctor(ctx, doctorID, from, to)
	if err != nil {
		return nil, err
	}

	if singleDay && s.cache != nil {
		s.cache.Set(ctx, doctorID, from, slots)
	}
	return slots, nil
}

func (s *Service) GetSlot(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error) {
	slot, err := s.repo.GetSlotByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, apperr.Wrap(apperr.NotFound, err, "slot %s", id)
		}
		return nil, err
	}
	return slot, nil
}

// BlockSlot takes an available slot out of circulation, recording who
// blocked it and why.
func (s *Service) BlockSlot(ctx context.Context, actor Actor, slotID uuid.UUID, reason string) (*AvailabilitySlot, error) {
	slot, err := s.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeDoctorResource(actor, slot.DoctorID); err != nil {
		return nil, err
	}
	if !slot.Status.CanTransitionTo(SlotBlocked) {
		return nil, apperr.E(apperr.InvalidState, "slot %s is %s, only available slots can be blocked", slotID, slot.Status)
	}

	blocked, err := s.repo.BlockSlot(ctx, slotID, actor.ID, reason)
	if err != nil {
		if errors.Is(err, ErrSlotStateChanged) {
			return nil, apperr.Wrap(apperr.InvalidState, err, "slot %s", slotID)
		}
		return nil, err
	}

	s.events.PublishSlotEvent(ctx, events.SlotEvent{
		SlotID:   blocked.ID,
		DoctorID: blocked.DoctorID,
		Action:   events.ActionBlocked,
		Status:   string(blocked.Status),
	})
	s.events.InvalidateDoctorSlots(ctx, blocked.DoctorID, blocked.Date)
	return blocked, nil
}

func (s *Service) UnblockSlot(ctx context.Context, actor Actor, slotID uuid.UUID) (*AvailabilitySlot, error) {
	slot, err := s.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeDoctorResource(actor, slot.DoctorID); err != nil {
		return nil, err
	}
	if !slot.Status.CanTransitionTo(SlotAvailable) || slot.Status != SlotBlocked {
		return nil, apperr.E(apperr.InvalidState, "slot %s is %s, only blocked slots can be unblocked", slotID, slot.Status)
	}

	unblocked, err := s.repo.UnblockSlot(ctx, slotID)
	if err != nil {
		if errors.Is(err, ErrSlotStateChanged) {
			return nil, apperr.Wrap(apperr.InvalidState, err, "slot %s", slotID)
		}
		return nil, err
	}

	s.events.PublishSlotEvent(ctx, events.SlotEvent{
		SlotID:   unblocked.ID,
		DoctorID: unblocked.DoctorID,
		Action:   events.ActionUnblocked,
		Status:   string(unblocked.Status),
	})
	s.events.InvalidateDoctorSlots(ctx, unblocked.DoctorID, unblocked.Date)
	return unblocked, nil
}
