package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/carevista/clinic-scheduling/internal/booking"
	"github.com/carevista/clinic-scheduling/internal/scheduling"
)

type Handlers struct {
	sched    *scheduling.Service
	bookings *booking.Service
	validate *validator.Validate
}

func NewHandlers(sched *scheduling.Service, bookings *booking.Service) *Handlers {
	return &Handlers{
		sched:    sched,
		bookings: bookings,
		validate: validator.New(),
	}
}

// actorFrom reads the identity the auth layer resolved upstream. The
// core never sees credentials, only the already-authenticated actor.
func actorFrom(r *http.Request) (scheduling.Actor, bool) {
	id, err := uuid.Parse(r.Header.Get("X-Actor-ID"))
	if err != nil {
		return scheduling.Actor{}, false
	}
	role := r.Header.Get("X-Actor-Role")
	if role == "" {
		return scheduling.Actor{}, false
	}
	return scheduling.Actor{ID: id, Role: role}, true
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func requireActor(w http.ResponseWriter, r *http.Request) (scheduling.Actor, bool) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_actor", "X-Actor-ID and X-Actor-Role headers are required")
	}
	return actor, ok
}

// Schedules

func (h *Handlers) createSchedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CreateScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}

	doctorID, _ := uuid.Parse(req.DoctorID)
	weekday, err := parseWeekday(req.Weekday)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_weekday", err.Error())
		return
	}

	def, err := h.sched.CreateSchedule(r.Context(), actor, scheduling.CreateScheduleInput{
		DoctorID:        doctorID,
		Weekday:         weekday,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		SlotDurationMin: req.SlotDurationMin,
		Breaks:          req.Breaks,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toScheduleResponse(def))
}

func (h *Handlers) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	def, err := h.sched.GetSchedule(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(def))
}

func (h *Handlers) updateSchedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}

	def, err := h.sched.UpdateSchedule(r.Context(), actor, id, scheduling.UpdateScheduleInput{
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		SlotDurationMin: req.SlotDurationMin,
		Breaks:          req.Breaks,
		Active:          req.Active,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(def))
}

func (h *Handlers) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	deleted, err := h.sched.DeleteSchedule(r.Context(), actor, id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted, "deactivated": !deleted})
}

func (h *Handlers) listDoctorSchedules(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	defs, err := h.sched.ListSchedules(r.Context(), doctorID)
	if err != nil {
		handleError(w, err)
		return
	}
	out := make([]ScheduleResponse, 0, len(defs))
	for i := range defs {
		out = append(out, toScheduleResponse(&defs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// Slots

func (h *Handlers) generateSlots(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req GenerateSlotsRequest
	if !h.decode(w, r, &req) {
		return
	}

	from, _ := time.Parse("2006-01-02", req.StartDate)
	to, _ := time.Parse("2006-01-02", req.EndDate)

	n, err := h.sched.GenerateRange(r.Context(), actor, id, from, to, req.OverrideExisting)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateSlotsResponse{Generated: n})
}

func (h *Handlers) listDoctorSlots(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	q := r.URL.Query()
	from, err := time.Parse("2006-01-02", q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from", "from must be YYYY-MM-DD")
		return
	}
	to := from
	if v := q.Get("to"); v != "" {
		to, err = time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to", "to must be YYYY-MM-DD")
			return
		}
	}

	slots, err := h.sched.ListDoctorSlots(r.Context(), doctorID, from, to)
	if err != nil {
		handleError(w, err)
		return
	}
	out := make([]SlotResponse, 0, len(slots))
	for i := range slots {
		out = append(out, toSlotResponse(&slots[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) blockSlot(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req BlockSlotRequest
	if !h.decode(w, r, &req) {
		return
	}

	slot, err := h.sched.BlockSlot(r.Context(), actor, id, req.Reason)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(slot))
}

func (h *Handlers) unblockSlot(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	slot, err := h.sched.UnblockSlot(r.Context(), actor, id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(slot))
}

// Appointments

func (h *Handlers) bookAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req BookAppointmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	slotID, _ := uuid.Parse(req.SlotID)

	result, err := h.bookings.Book(r.Context(), actor.ID, slotID, booking.BookRequest{
		Reason:         req.Reason,
		Symptoms:       req.Symptoms,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
		PaymentMethod:  req.PaymentMethod,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	resp := toAppointmentResponse(result.Appointment)
	resp.PaymentRequired = result.PaymentRequired
	resp.PaymentURL = result.PaymentURL
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.bookings.GetAppointment(r.Context(), actor, id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	patientID := actor.ID
	if v := r.URL.Query().Get("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		patientID = id
	}

	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	appts, err := h.bookings.ListPatientAppointments(r.Context(), actor, patientID, limit, offset)
	if err != nil {
		handleError(w, err)
		return
	}
	out := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		out = append(out, toAppointmentResponse(&appts[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req CancelAppointmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.bookings.Cancel(r.Context(), actor, id, req.Reason)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(result.Appointment))
}

func (h *Handlers) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req RescheduleAppointmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	newSlotID, _ := uuid.Parse(req.NewSlotID)

	result, err := h.bookings.Reschedule(r.Context(), actor, id, newSlotID, booking.BookRequest{
		IdempotencyKey: req.IdempotencyKey,
		PaymentMethod:  req.PaymentMethod,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	resp := toAppointmentResponse(result.Booked.Appointment)
	resp.PaymentRequired = result.Booked.PaymentRequired
	resp.PaymentURL = result.Booked.PaymentURL
	writeJSON(w, http.StatusCreated, resp)
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
