package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carevista/clinic-scheduling/internal/apperr"
)

// ClockToMinutes converts an "HH:MM" wall-clock string to minutes since
// midnight. All interval arithmetic runs on minutes, never on string
// comparison.
func ClockToMinutes(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}

// MinutesToClock is the inverse of ClockToMinutes.
func MinutesToClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// Midnight truncates t to its calendar date at midnight UTC.
func Midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// overlaps tests half-open interval overlap on minute offsets.
func overlaps(aStart, aEnd, bStart, bEnd int) bool {
	return aStart < bEnd && aEnd > bStart
}

// Generate expands a schedule definition into candidate slots for a
// single date. Pure: no I/O, no existence checks. Candidates are carved
// at a fixed SlotDurationMin stride from the start time; a candidate
// that overlaps any break window is discarded whole, never split, and a
// candidate whose end would pass the schedule's end time is discarded.
// A date on the wrong weekday yields no slots.
func Generate(s ScheduleDefinition, date time.Time) ([]AvailabilitySlot, error) {
	day := Midnight(date)
	if day.Weekday() != s.Weekday {
		return nil, nil
	}

	startMin, err := ClockToMinutes(s.StartTime)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRange, err, "schedule %s start time", s.ID)
	}
	endMin, err := ClockToMinutes(s.EndTime)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRange, err, "schedule %s end time", s.ID)
	}
	if startMin >= endMin {
		return nil, apperr.E(apperr.InvalidRange, "schedule %s: start %s not before end %s", s.ID, s.StartTime, s.EndTime)
	}

	type window struct{ start, end int }
	breaks := make([]window, 0, len(s.Breaks))
	for _, b := range s.Breaks {
		bs, err := ClockToMinutes(b.Start)
		if err != nil {
			return nil, apperr.Wrap(apperr.InvalidRange, err, "schedule %s break start", s.ID)
		}
		be, err := ClockToMinutes(b.End)
		if err != nil {
			return nil, apperr.Wrap(apperr.InvalidRange, err, "schedule %s break end", s.ID)
		}
		breaks = append(breaks, window{bs, be})
	}

	var slots []AvailabilitySlot
	for cur := startMin; cur+s.SlotDurationMin <= endMin; cur += s.SlotDurationMin {
		candEnd := cur + s.SlotDurationMin

		blocked := false
		for _, b := range breaks {
			if overlaps(cur, candEnd, b.start, b.end) {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}

		slots = append(slots, AvailabilitySlot{
			ID:         uuid.New(),
			DoctorID:   s.DoctorID,
			ScheduleID: s.ID,
			Date:       day,
			StartTime:  MinutesToClock(cur),
			EndTime:    MinutesToClock(candEnd),
			Status:     SlotAvailable,
		})
	}

	return slots, nil
}

// ValidateRange enforces the generation bounds before any work is done:
// start not after end, span capped at horizonDays.
func ValidateRange(from, to time.Time, horizonDays int) error {
	from, to = Midnight(from), Midnight(to)
	if from.After(to) {
		return apperr.E(apperr.InvalidRange, "start date %s is after end date %s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	if days := int(to.Sub(from).Hours()/24) + 1; days > horizonDays {
		return apperr.E(apperr.InvalidRange, "range of %d days exceeds the %d day limit", days, horizonDays)
	}
	return nil
}
