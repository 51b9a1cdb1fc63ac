package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NoopPublisher satisfies Publisher where no Redis is wired, e.g. in
// tests and offline tools.
type NoopPublisher struct{}

func (NoopPublisher) PublishSlotEvent(context.Context, SlotEvent)                 {}
func (NoopPublisher) InvalidateDoctorSlots(context.Context, uuid.UUID, time.Time) {}
