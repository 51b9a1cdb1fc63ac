package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carevista/clinic-scheduling/internal/apperr"
	"github.com/carevista/clinic-scheduling/internal/events"
)

// fakeRepo is an in-memory Repository for service tests. Slot CAS
// transitions hold the same semantics as the SQL implementation:
// matching the expected source status or ErrSlotStateChanged.
type fakeRepo struct {
	mu        sync.Mutex
	doctors   map[uuid.UUID]*Doctor
	patients  map[uuid.UUID]*Patient
	schedules map[uuid.UUID]*ScheduleDefinition
	slots     map[uuid.UUID]*AvailabilitySlot
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		doctors:   make(map[uuid.UUID]*Doctor),
		patients:  make(map[uuid.UUID]*Patient),
		schedules: make(map[uuid.UUID]*ScheduleDefinition),
		slots:     make(map[uuid.UUID]*AvailabilitySlot),
	}
}

func (f *fakeRepo) addDoctor() *Doctor {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := &Doctor{ID: uuid.New(), Name: "Dr. Test", ConsultationFee: 5000, Currency: "EUR"}
	f.doctors[d.ID] = d
	return d
}

func (f *fakeRepo) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return d, nil
}

func (f *fakeRepo) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return p, nil
}

func (f *fakeRepo) CreateSchedule(ctx context.Context, s *ScheduleDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.schedules {
		if existing.DoctorID == s.DoctorID && existing.Weekday == s.Weekday && existing.Active && s.Active {
			return apperr.E(apperr.DuplicateKey, "duplicate active schedule")
		}
	}
	cp := *s
	f.schedules[s.ID] = &cp
	return nil
}

func (f *fakeRepo) UpdateSchedule(ctx context.Context, s *ScheduleDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.schedules[s.ID]; !ok {
		return ErrScheduleNotFound
	}
	cp := *s
	f.schedules[s.ID] = &cp
	return nil
}

func (f *fakeRepo) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.schedules, id)
	return nil
}

func (f *fakeRepo) GetScheduleByID(ctx context.Context, id uuid.UUID) (*ScheduleDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) ListSchedulesByDoctor(ctx context.Context, doctorID uuid.UUID) ([]ScheduleDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ScheduleDefinition
	for _, s := range f.schedules {
		if s.DoctorID == doctorID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListActiveSchedules(ctx context.Context) ([]ScheduleDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ScheduleDefinition
	for _, s := range f.schedules {
		if s.Active {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetSlotByID(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) InsertSlots(ctx context.Context, slots []AvailabilitySlot) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inserted := 0
	for i := range slots {
		slot := slots[i]
		if f.positionTakenLocked(slot) {
			continue
		}
		f.slots[slot.ID] = &slot
		inserted++
	}
	return inserted, nil
}

func (f *fakeRepo) positionTakenLocked(slot AvailabilitySlot) bool {
	for _, existing := range f.slots {
		if existing.DoctorID == slot.DoctorID &&
			existing.ScheduleID == slot.ScheduleID &&
			existing.Date.Equal(slot.Date) &&
			existing.StartTime == slot.StartTime {
			return true
		}
	}
	return false
}

func (f *fakeRepo) HasSlotsOn(ctx context.Context, scheduleID uuid.UUID, date time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.slots {
		if s.ScheduleID == scheduleID && s.Date.Equal(date) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) DeleteAvailableOn(ctx context.Context, scheduleID uuid.UUID, date time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, s := range f.slots {
		if s.ScheduleID == scheduleID && s.Date.Equal(date) && s.Status == SlotAvailable {
			delete(f.slots, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) CountDependentFuture(ctx context.Context, scheduleID uuid.UUID, from time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.slots {
		if s.ScheduleID == scheduleID && !s.Date.Before(Midnight(from)) && s.Status != SlotBlocked {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) ListSlotsByDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]AvailabilitySlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []AvailabilitySlot
	for _, s := range f.slots {
		if s.DoctorID == doctorID && !s.Date.Before(from) && !s.Date.After(to) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeRepo) transition(id uuid.UUID, from, to SlotStatus, mutate func(*AvailabilitySlot)) (*AvailabilitySlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.Status != from {
		return nil, ErrSlotStateChanged
	}
	s.Status = to
	if mutate != nil {
		mutate(s)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) MarkSlotBooked(ctx context.Context, id uuid.UUID, patientID, appointmentID uuid.UUID) (*AvailabilitySlot, error) {
	return f.transition(id, SlotAvailable, SlotBooked, func(s *AvailabilitySlot) {
		s.PatientID = &patientID
		s.AppointmentID = &appointmentID
	})
}

func (f *fakeRepo) ReleaseSlot(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error) {
	return f.transition(id, SlotBooked, SlotAvailable, func(s *AvailabilitySlot) {
		s.PatientID = nil
		s.AppointmentID = nil
	})
}

func (f *fakeRepo) BlockSlot(ctx context.Context, id uuid.UUID, actor uuid.UUID, reason string) (*AvailabilitySlot, error) {
	return f.transition(id, SlotAvailable, SlotBlocked, func(s *AvailabilitySlot) {
		s.BlockedBy = &actor
		s.BlockReason = &reason
	})
}

func (f *fakeRepo) UnblockSlot(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error) {
	return f.transition(id, SlotBlocked, SlotAvailable, func(s *AvailabilitySlot) {
		s.BlockedBy = nil
		s.BlockReason = nil
	})
}

func testService(repo Repository) *Service {
	return NewService(repo, nil, events.NoopPublisher{}, 90, zerolog.Nop())
}

func adminActor() Actor { return Actor{ID: uuid.New(), Role: "admin"} }

func seedSchedule(t *testing.T, repo *fakeRepo, svc *Service) *ScheduleDefinition {
	t.Helper()
	doctor := repo.addDoctor()
	def, err := svc.CreateSchedule(context.Background(), adminActor(), CreateScheduleInput{
		DoctorID:        doctor.ID,
		Weekday:         time.Monday,
		StartTime:       "09:00",
		EndTime:         "17:00",
		SlotDurationMin: 60,
		Breaks:          []BreakWindow{{Start: "12:00", End: "13:00"}},
	})
	if err != nil {
		t.Fatalf("CreateSchedule returned %v", err)
	}
	return def
}

func TestCreateScheduleRejectsSecondActiveForSameWeekday(t *testing.T) {
	repo := newFakeRepo()
	svc := testService(repo)
	def := seedSchedule(t, repo, svc)

	_, err := svc.CreateSchedule(context.Background(), adminActor(), CreateScheduleInput{
		DoctorID:        def.DoctorID,
		Weekday:         time.Monday,
		StartTime:       "10:00",
		EndTime:         "16:00",
		SlotDurationMin: 30,
	})
	if !apperr.IsKind(err, apperr.Conflict) {
		t.Fatalf("second active Monday schedule returned %v, want conflict kind", err)
	}
}

func TestCreateScheduleAuthorization(t *testing.T) {
	repo := newFakeRepo()
	svc := testService(repo)
	doctor := repo.addDoctor()

	in := CreateScheduleInput{
		DoctorID:        doctor.ID,
		Weekday:         time.Tuesday,
		StartTime:       "09:00",
		EndTime:         "12:00",
		SlotDurationMin: 30,
	}

	if _, err := svc.CreateSchedule(context.Background(), Actor{ID: uuid.New(), Role: "patient"}, in); !apperr.IsKind(err, apperr.Forbidden) {
		t.Fatalf("patient creating a schedule returned %v, want forbidden kind", err)
	}
	if _, err := svc.CreateSchedule(context.Background(), Actor{ID: uuid.New(), Role: "doctor"}, in); !apperr.IsKind(err, apperr.Forbidden) {
		t.Fatalf("foreign doctor creating a schedule returned %v, want forbidden kind", err)
	}
	if _, err := svc.CreateSchedule(context.Background(), Actor{ID: doctor.ID, Role: "doctor"}, in); err != nil {
		t.Fatalf("owning doctor creating a schedule returned %v", err)
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	repo := newFakeRepo()
	svc := testService(repo)
	doctor := repo.addDoctor()

	tests := []struct {
		name string
		in   CreateScheduleInput
	}{
		{"inverted window", CreateScheduleInput{DoctorID: doctor.ID, Weekday: time.Monday, StartTime: "17:00", EndTime: "09:00", SlotDurationMin: 30}},
		{"duration too short", CreateScheduleInput{DoctorID: doctor.ID, Weekday: time.Monday, StartTime: "09:00", EndTime: "17:00", SlotDurationMin: 10}},
		{"duration too long", CreateScheduleInput{DoctorID: doctor.ID, Weekday: time.Monday, StartTime: "09:00", EndTime: "17:00", SlotDurationMin: 180}},
		{"inverted break", CreateScheduleInput{DoctorID: doctor.ID, Weekday: time.Monday, StartTime: "09:00", EndTime: "17:00", SlotDurationMin: 30, Breaks: []BreakWindow{{Start: "13:00", End: "12:00"}}}},
	}
	for _, tt := range tests {
		if _, err := svc.CreateSchedule(context.Background(), adminActor(), tt.in); !apperr.IsKind(err, apperr.InvalidRange) {
			t.Errorf("%s: returned %v, want invalid_range kind", tt.name, err)
		}
	}
}

func TestGenerateRangeIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	svc := testService(repo)
	def := seedSchedule(t, repo, svc)
	ctx := context.Background()

	from := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC) // a Monday
	to := from.AddDate(0, 0, 13)                        // two weeks, two Mondays

	n1, err := svc.GenerateRange(ctx, adminActor(), def.ID, from, to, false)
	if err != nil {
		t.Fatalf("first GenerateRange returned %v", err)
	}
	if n1 != 14 {
		t.Fatalf("first run generated %d slots, want 14 (7 per Monday)", n1)
	}

	n2, err := svc.GenerateRange(ctx, adminActor(), def.ID, from, to, false)
	if err != nil {
		t.Fatalf("second GenerateRange returned %v", err)
	}
	if n2 != 0 {
		t.Fatalf("second run generated %d slots, want 0", n2)
	}
	if len(repo.slots) != 14 {
		t.Fatalf("store holds %d slots after re-run, want 14", len(repo.slots))
	}
}

func TestGenerateRangeOverrideKeepsBookedSlots(t *testing.T) {
	repo := newFakeRepo()
	svc := testService(repo)
	def := seedSchedule(t, repo, svc)
	ctx := context.Background()

	day := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	if _, err := svc.GenerateRange(ctx, adminActor(), def.ID, day, day, false); err != nil {
		t.Fatalf("GenerateRange returned %v", err)
	}

	// Book one slot directly, then regenerate the day with override.
	var bookedID uuid.UUID
	for id := range repo.slots {
		bookedID = id
		break
	}
	if _, err := repo.MarkSlotBooked(ctx, bookedID, uuid.New(), uuid.New()); err != nil {
		t.Fatalf("MarkSlotBooked returned %v", err)
	}

	n, err := svc.GenerateRange(ctx, adminActor(), def.ID, day, day, true)
	if err != nil {
		t.Fatalf("override GenerateRange returned %v", err)
	}
	// Six available slots were deleted and regenerated; the booked
	// slot's position is occupied and skipped.
	if n != 6 {
		t.Fatalf("override run generated %d slots, want 6", n)
	}
	booked, err := repo.GetSlotByID(ctx, bookedID)
	if err != nil {
		t.Fatalf("booked slot disappeared during override: %v", err)
	}
	if booked.Status != SlotBooked {
		t.Fatalf("booked slot status %s after override, want %s", booked.Status, SlotBooked)
	}
}

func TestGenerateRangeRejectsInactiveSchedule(t *testing.T) {
	repo := newFakeRepo()
	svc := testService(repo)
	def := seedSchedule(t, repo, svc)
	ctx := context.Background()

	inactive := false
	if _, err := svc.UpdateSchedule(ctx, adminActor(), def.ID, UpdateScheduleInput{Active: &inactive}); err != nil {
		t.Fatalf("UpdateSchedule returned %v", err)
	}

	day := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	if _, err := svc.GenerateRange(ctx, adminActor(), def.ID, day, day, false); !apperr.IsKind(err, apperr.InvalidState) {
		t.Fatalf("GenerateRange on inactive schedule returned %v, want invalid_state kind", err)
	}
}

func TestGenerateRangeRejectsOversizedRange(t *testing.T) {
	repo := newFakeRepo()
	svc := testService(repo)
	def := seedSchedule(t, repo, svc)

	from := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	if _, err := svc.GenerateRange(context.Background(), adminActor(), def.ID, from, from.AddDate(0, 0, 120), false); !apperr.IsKind(err, apperr.InvalidRange) {
		t.Fatalf("GenerateRange beyond horizon returned %v, want invalid_range kind", err)
	}
}

func TestDeleteScheduleDeactivatesWhenSlotsDepend(t *testing.T) {
	repo := newFakeRepo()
	svc := testService(repo)
	def := seedSchedule(t, repo, svc)
	ctx := context.Background()

	day := Midnight(time.Now().UTC().AddDate(0, 0, 7))
	for day.Weekday() != time.Monday {
		day = day.AddDate(0, 0, 1)
	}
	if _, err := svc.GenerateRange(ctx, adminActor(), def.ID, day, day, false); err != nil {
		t.Fatalf("GenerateRange returned %v", err)
	}

	deleted, err := svc.DeleteSchedule(ctx, adminActor(), def.ID)
	if err != nil {
		t.Fatalf("DeleteSchedule returned %v", err)
	}
	if deleted {
		t.Fatal("schedule with dependent future slots must be deactivated, not deleted")
	}
	got, err := svc.GetSchedule(ctx, def.ID)
	if err != nil {
		t.Fatalf("GetSchedule returned %v", err)
	}
	if got.Active {
		t.Fatal("deactivated schedule still reads active")
	}
}

func TestDeleteScheduleHardDeletesWhenUnused(t *testing.T) {
	repo := newFakeRepo()
	svc := testService(repo)
	def := seedSchedule(t, repo, svc)
	ctx := context.Background()

	deleted, err := svc.DeleteSchedule(ctx, adminActor(), def.ID)
	if err != nil {
		t.Fatalf("DeleteSchedule returned %v", err)
	}
	if !deleted {
		t.Fatal("schedule without dependents should hard-delete")
	}
	if _, err := svc.GetSchedule(ctx, def.ID); !apperr.IsKind(err, apperr.NotFound) {
		t.Fatalf("GetSchedule after delete returned %v, want not_found kind", err)
	}
}

func TestBlockAndUnblockSlot(t *testing.T) {
	repo := newFakeRepo()
	svc := testService(repo)
	def := seedSchedule(t, repo, svc)
	ctx := context.Background()
	admin := adminActor()

	day := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	if _, err := svc.GenerateRange(ctx, admin, def.ID, day, day, false); err != nil {
		t.Fatalf("GenerateRange returned %v", err)
	}
	var slotID uuid.UUID
	for id := range repo.slots {
		slotID = id
		break
	}

	blocked, err := svc.BlockSlot(ctx, admin, slotID, "equipment maintenance")
	if err != nil {
		t.Fatalf("BlockSlot returned %v", err)
	}
	if blocked.Status != SlotBlocked {
		t.Fatalf("slot status %s after block, want %s", blocked.Status, SlotBlocked)
	}
	if blocked.BlockReason == nil || *blocked.BlockReason != "equipment maintenance" {
		t.Fatal("block reason not recorded")
	}

	// Blocking twice is an invalid transition.
	if _, err := svc.BlockSlot(ctx, admin, slotID, "again"); !apperr.IsKind(err, apperr.InvalidState) {
		t.Fatalf("double block returned %v, want invalid_state kind", err)
	}

	unblocked, err := svc.UnblockSlot(ctx, admin, slotID)
	if err != nil {
		t.Fatalf("UnblockSlot returned %v", err)
	}
	if unblocked.Status != SlotAvailable {
		t.Fatalf("slot status %s after unblock, want %s", unblocked.Status, SlotAvailable)
	}
	if unblocked.BlockedBy != nil {
		t.Fatal("blocked_by should clear on unblock")
	}

	// Unblocking an available slot is an invalid transition.
	if _, err := svc.UnblockSlot(ctx, admin, slotID); !apperr.IsKind(err, apperr.InvalidState) {
		t.Fatalf("unblock of available slot returned %v, want invalid_state kind", err)
	}
}
