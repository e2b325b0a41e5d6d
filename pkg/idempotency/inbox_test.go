package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var errInvalid = errors.New("invalid transition")

func testInbox() *MemoryInbox {
	cfg := DefaultInboxConfig()
	cfg.IsTerminal = func(err error) bool { return errors.Is(err, errInvalid) }
	return NewMemoryInbox(cfg)
}

func TestGenerateKey(t *testing.T) {
	at := time.Date(2024, 7, 1, 10, 0, 0, 400, time.UTC)
	k1 := GenerateKey("orders", "o1", "ready", at)
	k2 := GenerateKey("orders", "o1", "ready", at.Add(300*time.Millisecond).In(time.FixedZone("IST", 19800)))
	if k1 != k2 {
		t.Error("same second in another zone should give the same key")
	}
	if k1 == GenerateKey("orders", "o1", "completed", at) {
		t.Error("status must change the key")
	}
	if len(k1) != 64 {
		t.Errorf("expected hex sha256, got %d chars", len(k1))
	}
}

func TestMemoryInboxRunsOnce(t *testing.T) {
	ctx := context.Background()
	in := testInbox()
	calls := 0
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"applied":true}`), nil
	}

	first, err := in.Process(ctx, "k", "status", nil, fn)
	if err != nil || first.Duplicate {
		t.Fatalf("first Process = %+v, %v", first, err)
	}
	second, err := in.Process(ctx, "k", "status", nil, fn)
	if err != nil || !second.Duplicate || string(second.Result) != `{"applied":true}` {
		t.Fatalf("second Process = %+v, %v", second, err)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times", calls)
	}
}

func TestMemoryInboxFailures(t *testing.T) {
	ctx := context.Background()
	in := testInbox()

	transient := errors.New("store unavailable")
	_, err := in.Process(ctx, "k1", "status", nil, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		return nil, transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if st, _ := in.Status("k1"); st != StatusRecoverable {
		t.Fatalf("expected RECOVERABLE, got %s", st)
	}
	res, err := in.Process(ctx, "k1", "status", nil, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	if err != nil || !res.WasRecovered {
		t.Fatalf("retry = %+v, %v", res, err)
	}

	_, err = in.Process(ctx, "k2", "status", nil, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		return nil, errInvalid
	})
	if !errors.Is(err, errInvalid) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	_, err = in.Process(ctx, "k2", "status", nil, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		t.Fatal("terminal key must not run again")
		return nil, nil
	})
	if !errors.Is(err, ErrPreviouslyFailed) {
		t.Fatalf("expected ErrPreviouslyFailed, got %v", err)
	}
}

func TestMemoryInboxInProgress(t *testing.T) {
	ctx := context.Background()
	in := testInbox()
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	in.now = func() time.Time { return now }

	_, err := in.Process(ctx, "k", "status", nil, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		_, inner := in.Process(ctx, "k", "status", nil, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
			t.Fatal("concurrent run of the same key")
			return nil, nil
		})
		if !errors.Is(inner, ErrMessageInProgress) {
			t.Errorf("expected ErrMessageInProgress, got %v", inner)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
}
