package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPollUntil_Timeout(t *testing.T) {
	_, err := PollUntil(context.Background(), 30*time.Millisecond, 5*time.Millisecond, func() (int, bool, error) {
		return 0, false, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestPollUntil_CheckErrorStops(t *testing.T) {
	boom := errors.New("boom")
	_, err := PollUntil(context.Background(), time.Second, 5*time.Millisecond, func() (int, bool, error) {
		return 0, false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestPollUntil_ReturnsValue(t *testing.T) {
	calls := 0
	v, err := PollUntil(context.Background(), time.Second, 5*time.Millisecond, func() (string, bool, error) {
		calls++
		if calls < 2 {
			return "starting", false, nil
		}
		return "idle", true, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "idle" {
		t.Errorf("expected idle, got %q", v)
	}
}

func TestPollUntil_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := PollUntil(ctx, time.Second, 5*time.Millisecond, func() (int, bool, error) {
		return 0, false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestUUIDv5_Deterministic(t *testing.T) {
	a := UUIDv5("https://mybinder.org/gh/SamLau95/nbinteract-image/master")
	b := UUIDv5("https://mybinder.org/gh/SamLau95/nbinteract-image/master")
	if a != b {
		t.Errorf("expected stable uuid, got %s and %s", a, b)
	}
	if a == UUIDv5("https://mybinder.org/gh/other/repo/master") {
		t.Error("expected distinct uuids for distinct names")
	}
}
