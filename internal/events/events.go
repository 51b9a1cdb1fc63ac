// Package events publishes slot change notifications and maintains the
// doctor slot listing cache. Both are best-effort: consumers use the
// channel for real-time UI updates, and the store remains the source of
// truth, so failures here are logged and never propagated.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const Channel = "slot_updates"

type Action string

const (
	ActionBooked    Action = "booked"
	ActionCancelled Action = "cancelled"
	ActionBlocked   Action = "blocked"
	ActionUnblocked Action = "unblocked"
)

type SlotEvent struct {
	SlotID        uuid.UUID  `json:"slot_id"`
	DoctorID      uuid.UUID  `json:"doctor_id"`
	PatientID     *uuid.UUID `json:"patient_id,omitempty"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	Action        Action     `json:"action"`
	Status        string     `json:"status"`
	Timestamp     time.Time  `json:"timestamp"`
}

// Publisher is what the orchestrators call after a critical section
// commits.
type Publisher interface {
	PublishSlotEvent(ctx context.Context, ev SlotEvent)
	InvalidateDoctorSlots(ctx context.Context, doctorID uuid.UUID, date time.Time)
}

type RedisPublisher struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisPublisher(client *redis.Client, log zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log.With().Str("component", "events").Logger()}
}

func (p *RedisPublisher) PublishSlotEvent(ctx context.Context, ev SlotEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error().Err(err).Msg("marshal slot event")
		return
	}
	if err := p.client.Publish(ctx, Channel, payload).Err(); err != nil {
		p.log.Warn().Err(err).Str("slot_id", ev.SlotID.String()).Msg("publish slot event failed")
	}
}

func slotCacheKey(doctorID uuid.UUID, date time.Time) string {
	return fmt.Sprintf("slots:doctor:%s:%s", doctorID, date.Format("2006-01-02"))
}

func (p *RedisPublisher) InvalidateDoctorSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) {
	if err := p.client.Del(ctx, slotCacheKey(doctorID, date)).Err(); err != nil {
		p.log.Warn().Err(err).Str("doctor_id", doctorID.String()).Msg("invalidate slot cache failed")
	}
}

// SlotCache is a read-through cache for single-day doctor slot
// listings. Stale reads are possible between a booking commit and the
// invalidation that follows it; the slot store itself is never stale.
type SlotCache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func NewSlotCache(client *redis.Client, ttl time.Duration, log zerolog.Logger) *SlotCache {
	return &SlotCache{client: client, ttl: ttl, log: log.With().Str("component", "slot_cache").Logger()}
}

// Get unmarshals a cached listing into dst; ok is false on miss.
func (c *SlotCache) Get(ctx context.Context, doctorID uuid.UUID, date time.Time, dst any) bool {
	raw, err := c.client.Get(ctx, slotCacheKey(doctorID, date)).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Warn().Err(err).Msg("decode cached slot listing")
		return false
	}
	return true
}

func (c *SlotCache) Set(ctx context.Context, doctorID uuid.UUID, date time.Time, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Warn().Err(err).Msg("encode slot listing for cache")
		return
	}
	if err := c.client.Set(ctx, slotCacheKey(doctorID, date), raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Msg("cache slot listing failed")
	}
}
