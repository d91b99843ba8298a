package plan

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/salonhq/outreach/internal/store"
)

func newTestLimiter(t *testing.T, limits map[string]int64) (*Limiter, *store.UsageStore) {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "outreach.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	usage := s.Usage()
	limiter := NewLimiter(usage, func(tenantID string) int64 {
		return limits[tenantID]
	}, logger)

	return limiter, usage
}

func TestCheckMessageLimit(t *testing.T) {
	limiter, usage := newTestLimiter(t, map[string]int64{"t1": 5})
	ctx := context.Background()

	ok, err := limiter.CheckMessageLimit(ctx, "t1")
	if err != nil {
		t.Fatalf("CheckMessageLimit failed: %v", err)
	}
	if !ok {
		t.Error("fresh tenant should be under limit")
	}

	if err := usage.AddSends(ctx, "t1", time.Now(), 5); err != nil {
		t.Fatalf("AddSends failed: %v", err)
	}

	ok, err = limiter.CheckMessageLimit(ctx, "t1")
	if err != nil {
		t.Fatalf("CheckMessageLimit failed: %v", err)
	}
	if ok {
		t.Error("tenant at limit should be blocked")
	}
}

func TestCheckMessageLimitUnlimited(t *testing.T) {
	limiter, usage := newTestLimiter(t, nil)
	ctx := context.Background()

	if err := usage.AddSends(ctx, "t1", time.Now(), 1_000_000); err != nil {
		t.Fatalf("AddSends failed: %v", err)
	}

	ok, err := limiter.CheckMessageLimit(ctx, "t1")
	if err != nil {
		t.Fatalf("CheckMessageLimit failed: %v", err)
	}
	if !ok {
		t.Error("a zero limit means unlimited")
	}
}
