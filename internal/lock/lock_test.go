package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carevista/clinic-scheduling/internal/apperr"
)

// memStore is an in-memory Store with the same conditional semantics as
// the Redis implementation.
type memStore struct {
	mu   sync.Mutex
	held map[string]string // key -> token
	err  error             // when set, every call fails
}

func newMemStore() *memStore {
	return &memStore{held: make(map[string]string)}
}

func (m *memStore) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, taken := m.held[key]; taken {
		return false, nil
	}
	m.held[key] = token
	return true, nil
}

func (m *memStore) Release(ctx context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.held[key] != token {
		return false, nil
	}
	delete(m.held, key)
	return true, nil
}

func (m *memStore) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func testService(store Store) *Service {
	return NewService(store, zerolog.Nop())
}

func TestAcquireAndRelease(t *testing.T) {
	store := newMemStore()
	svc := testService(store)
	ctx := context.Background()

	token, ok := svc.Acquire(ctx, "k1", time.Second)
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	if _, ok := svc.Acquire(ctx, "k1", time.Second); ok {
		t.Fatal("second acquire of a held lock should fail")
	}
	if !svc.Release(ctx, "k1", token) {
		t.Fatal("release with the owning token should succeed")
	}
	if _, ok := svc.Acquire(ctx, "k1", time.Second); !ok {
		t.Fatal("acquire after release should succeed")
	}
}

func TestReleaseRequiresOwningToken(t *testing.T) {
	store := newMemStore()
	svc := testService(store)
	ctx := context.Background()

	if _, ok := svc.Acquire(ctx, "k1", time.Second); !ok {
		t.Fatal("acquire should succeed")
	}
	if svc.Release(ctx, "k1", "some-other-token") {
		t.Fatal("release with a foreign token must not free the lock")
	}
	if _, ok := svc.Acquire(ctx, "k1", time.Second); ok {
		t.Fatal("lock should still be held after the foreign release attempt")
	}
}

func TestFallbackToLocalWhenStoreFails(t *testing.T) {
	store := newMemStore()
	store.fail(errors.New("connection refused"))
	svc := testService(store)
	ctx := context.Background()

	token, ok := svc.Acquire(ctx, "k1", time.Second)
	if !ok {
		t.Fatal("acquire should succeed via the local fallback")
	}
	if _, ok := svc.Acquire(ctx, "k1", time.Second); ok {
		t.Fatal("fallback must still enforce mutual exclusion")
	}
	if !svc.Release(ctx, "k1", token) {
		t.Fatal("lock granted locally should release locally")
	}
	if _, ok := svc.Acquire(ctx, "k1", time.Second); !ok {
		t.Fatal("acquire after local release should succeed")
	}
}

func TestStoreRecoveryRespectsLocalLock(t *testing.T) {
	store := newMemStore()
	store.fail(errors.New("connection refused"))
	svc := testService(store)
	ctx := context.Background()

	token, ok := svc.Acquire(ctx, "k1", time.Minute)
	if !ok {
		t.Fatal("acquire should succeed via the local fallback")
	}

	store.fail(nil)

	if _, ok := svc.Acquire(ctx, "k1", time.Minute); ok {
		t.Fatal("acquire after store recovery must fail while the local lock is held")
	}
	if _, taken := store.held["k1"]; taken {
		t.Fatal("refused acquire must not leave the key held in the store")
	}
	if !svc.Release(ctx, "k1", token) {
		t.Fatal("local lock should release after recovery")
	}
	if _, ok := svc.Acquire(ctx, "k1", time.Minute); !ok {
		t.Fatal("acquire after the local release should succeed against the store")
	}
}

func TestFallbackMutualExclusionUnderContention(t *testing.T) {
	store := newMemStore()
	store.fail(errors.New("down"))
	svc := testService(store)
	key := BookingKey(uuid.New())

	const workers = 16
	var inside, violations, succeeded int64
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.WithLock(context.Background(), key, time.Second, 8, func(ctx context.Context) error {
				if atomic.AddInt64(&inside, 1) > 1 {
					atomic.AddInt64(&violations, 1)
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt64(&inside, -1)
				return nil
			})
			if err == nil {
				atomic.AddInt64(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt64(&violations); n > 0 {
		t.Fatalf("critical section was entered concurrently %d times with the store down", n)
	}
	if succeeded == 0 {
		t.Fatal("no worker ever entered the critical section")
	}
}

func TestLocalFallbackExpires(t *testing.T) {
	store := newMemStore()
	store.fail(errors.New("down"))
	svc := testService(store)
	ctx := context.Background()

	if _, ok := svc.Acquire(ctx, "k1", 10*time.Millisecond); !ok {
		t.Fatal("acquire should succeed")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := svc.Acquire(ctx, "k1", time.Second); !ok {
		t.Fatal("expired local lock should be reacquirable")
	}
}

func TestWithLockRunsFnAndReleases(t *testing.T) {
	store := newMemStore()
	svc := testService(store)
	ctx := context.Background()

	ran := false
	err := svc.WithLock(ctx, "k1", time.Second, 3, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock returned %v, want nil", err)
	}
	if !ran {
		t.Fatal("fn did not run")
	}
	if _, ok := svc.Acquire(ctx, "k1", time.Second); !ok {
		t.Fatal("lock should be free after WithLock returns")
	}
}

func TestWithLockReleasesOnFnError(t *testing.T) {
	store := newMemStore()
	svc := testService(store)
	ctx := context.Background()

	sentinel := errors.New("boom")
	if err := svc.WithLock(ctx, "k1", time.Second, 3, func(ctx context.Context) error {
		return sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("WithLock returned %v, want the fn's error", err)
	}
	if _, ok := svc.Acquire(ctx, "k1", time.Second); !ok {
		t.Fatal("lock should be free after a failing fn")
	}
}

func TestWithLockTimesOutWhenHeld(t *testing.T) {
	store := newMemStore()
	svc := testService(store)
	ctx := context.Background()

	if _, ok := svc.Acquire(ctx, "k1", time.Minute); !ok {
		t.Fatal("setup acquire should succeed")
	}

	err := svc.WithLock(ctx, "k1", time.Second, 1, func(ctx context.Context) error {
		t.Fatal("fn must not run when the lock is held elsewhere")
		return nil
	})
	if !apperr.IsKind(err, apperr.LockTimeout) {
		t.Fatalf("WithLock returned %v, want lock_timeout kind", err)
	}
}

func TestWithLockMutualExclusionUnderContention(t *testing.T) {
	store := newMemStore()
	svc := testService(store)
	key := BookingKey(uuid.New())

	const workers = 16
	var inside, violations, succeeded int64
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.WithLock(context.Background(), key, time.Second, 8, func(ctx context.Context) error {
				if atomic.AddInt64(&inside, 1) > 1 {
					atomic.AddInt64(&violations, 1)
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt64(&inside, -1)
				return nil
			})
			if err == nil {
				atomic.AddInt64(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt64(&violations); n > 0 {
		t.Fatalf("critical section was entered concurrently %d times", n)
	}
	if succeeded == 0 {
		t.Fatal("no worker ever entered the critical section")
	}
}

func TestBookingKeyIsPerSlot(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	if BookingKey(a) == BookingKey(b) {
		t.Fatal("distinct slots must map to distinct lock keys")
	}
	if BookingKey(a) != BookingKey(a) {
		t.Fatal("the same slot must always map to the same lock key")
	}
}
