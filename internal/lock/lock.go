// Package lock provides named, TTL-bounded mutual exclusion backed by a
// shared store, with an in-process fallback when the store is
// unreachable. The fallback keeps single-instance safety only; across
// multiple server instances it degrades correctness and is logged as
// such rather than hidden.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carevista/clinic-scheduling/internal/apperr"
)

// Store is the shared lock backing store: conditional
// set-if-absent-with-expiry plus token-checked delete.
type Store interface {
	SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// BookingKey scopes contention to a single slot so unrelated bookings
// proceed in parallel.
func BookingKey(slotID uuid.UUID) string {
	return fmt.Sprintf("slot_booking_%s", slotID)
}

type localEntry struct {
	token  string
	expiry time.Time
}

type Service struct {
	store Store
	log   zerolog.Logger

	mu       sync.Mutex
	local    map[string]localEntry
	degraded bool
}

func NewService(store Store, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With().Str("component", "lock").Logger(),
		local: make(map[string]localEntry),
	}
}

// Acquire attempts the conditional set against the shared store. A
// store error switches to the in-process map for this attempt, and an
// unexpired local entry keeps blocking the key after the store
// recovers. The returned token must be passed back to Release.
func (s *Service) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	token := uuid.NewString()

	ok, err := s.store.SetNX(ctx, key, token, ttl)
	if err == nil {
		s.setDegraded(false)
		if ok && s.localHeld(key) {
			// A lock granted by the fallback during an outage lives only
			// in the local map. Yield the store key until that entry
			// expires or releases so two holders never coexist.
			s.store.Release(ctx, key, token)
			return token, false
		}
		return token, ok
	}

	if s.setDegraded(true) {
		s.log.Warn().Err(err).Msg("lock store unreachable, falling back to in-process locks")
	}
	return token, s.acquireLocal(key, token, ttl)
}

// Release frees the lock identified by token. The local map is checked
// first so locks granted in degraded mode release correctly even after
// the store recovers.
func (s *Service) Release(ctx context.Context, key, token string) bool {
	if s.releaseLocal(key, token) {
		return true
	}
	ok, err := s.store.Release(ctx, key, token)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("lock release failed")
		return false
	}
	return ok
}

// WithLock acquires the lock with bounded exponential backoff, runs fn
// under a TTL-capped context, and always releases afterwards. When
// maxRetries acquisitions all find the lock held, it fails with a
// LockTimeout kind.
func (s *Service) WithLock(ctx context.Context, key string, ttl time.Duration, maxRetries int, fn func(ctx context.Context) error) error {
	const baseDelay = 25 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var token string
	acquired := false

	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		var ok bool
		token, ok = s.Acquire(ctx, key, ttl)
		if ok {
			acquired = true
			break
		}
		if attempt == maxRetries {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return apperr.Wrap(apperr.LockTimeout, ctx.Err(), "lock %s: context cancelled while waiting", key)
		case <-t.C:
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	if !acquired {
		return apperr.E(apperr.LockTimeout, "lock %s: still held after %d attempts", key, maxRetries+1)
	}

	defer s.Release(context.WithoutCancel(ctx), key, token)

	fnCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	return fn(fnCtx)
}

// setDegraded flips the degraded flag and reports whether this call
// changed it to true, so the outage is logged once per episode.
func (s *Service) setDegraded(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := v && !s.degraded
	s.degraded = v
	return changed
}

func (s *Service) localHeld(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, held := s.local[key]
	return held && e.expiry.After(time.Now())
}

func (s *Service) acquireLocal(key, token string, ttl time.Duration) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, held := s.local[key]; held && e.expiry.After(now) {
		return false
	}
	s.local[key] = localEntry{token: token, expiry: now.Add(ttl)}
	return true
}

func (s *Service) releaseLocal(key, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, held := s.local[key]
	if !held || e.token != token {
		return false
	}
	delete(s.local, key)
	return true
}
