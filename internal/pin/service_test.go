package pin

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/twende-pay/twende_pay/internal/logging"
)

func newService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})
	svc := NewService(NewMemoryRepository(), NewRedisLimiter(cache, 3, time.Minute), logging.Discard()).WithCost(bcrypt.MinCost)
	return svc, mr
}

func TestSetAndVerify(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if ok, err := svc.Exists(ctx, "w1"); err != nil || ok {
		t.Fatalf("expected no pin, got %v %v", ok, err)
	}
	if err := svc.Set(ctx, "w1", "12a4"); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
	if err := svc.Set(ctx, "w1", "1234"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := svc.Set(ctx, "w1", "9999"); !errors.Is(err, ErrAlreadySet) {
		t.Fatalf("expected already set, got %v", err)
	}
	if err := svc.Verify(ctx, "w1", "1234"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := svc.Verify(ctx, "w1", "4321"); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := svc.Verify(ctx, "w2", "1234"); !errors.Is(err, ErrNotSet) {
		t.Fatalf("expected not set, got %v", err)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	svc, mr := newService(t)
	ctx := context.Background()
	if err := svc.Set(ctx, "w1", "1234"); err != nil {
		t.Fatalf("set: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := svc.Verify(ctx, "w1", "0000"); !errors.Is(err, ErrMismatch) {
			t.Fatalf("attempt %d: expected mismatch, got %v", i, err)
		}
	}
	if err := svc.Verify(ctx, "w1", "1234"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected locked even with the right pin, got %v", err)
	}
	// Match ignores the lockout and the counter.
	if ok, err := svc.Match(ctx, "w1", "1234"); err != nil || !ok {
		t.Fatalf("match: %v %v", ok, err)
	}

	mr.FastForward(2 * time.Minute)
	if err := svc.Verify(ctx, "w1", "1234"); err != nil {
		t.Fatalf("expected unlock after window, got %v", err)
	}
}

func TestRecheckHonoursLockout(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	if err := svc.Set(ctx, "w1", "1234"); err != nil {
		t.Fatalf("set: %v", err)
	}
	_ = svc.Verify(ctx, "w1", "0000")
	// A correct recheck neither counts nor clears earlier failures.
	for i := 0; i < 5; i++ {
		if err := svc.Recheck(ctx, "w1", "1234"); err != nil {
			t.Fatalf("recheck %d: %v", i, err)
		}
	}
	if err := svc.Recheck(ctx, "w1", "9999"); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := svc.Recheck(ctx, "w1", "8888"); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := svc.Recheck(ctx, "w1", "1234"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected wrong rechecks to lock the wallet, got %v", err)
	}
}

func TestResetClearsPinAndLockout(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	if err := svc.Set(ctx, "w1", "1234"); err != nil {
		t.Fatalf("set: %v", err)
	}
	for i := 0; i < 3; i++ {
		_ = svc.Verify(ctx, "w1", "0000")
	}
	if err := svc.Reset(ctx, "w1", "ops"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ok, _ := svc.Exists(ctx, "w1"); ok {
		t.Fatalf("pin should be gone")
	}
	if err := svc.Set(ctx, "w1", "5678"); err != nil {
		t.Fatalf("set after reset: %v", err)
	}
	if err := svc.Verify(ctx, "w1", "5678"); err != nil {
		t.Fatalf("verify after reset: %v", err)
	}
	if err := svc.Reset(ctx, "w9", "ops"); !errors.Is(err, ErrNotSet) {
		t.Fatalf("expected not set for unknown wallet, got %v", err)
	}
}
