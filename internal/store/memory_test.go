package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

type testRecord struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func next(t *testing.T, sub Subscription) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Snapshots():
		if !ok {
			t.Fatal("subscription closed")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func TestMemorySubscribeDeliversFullSnapshotsInOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	defer m.Close()

	sub, err := m.Subscribe(ctx, Where("orders", "userId", "u1").Ordered("createdAt", true))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if snap := next(t, sub); len(snap.Docs) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d docs", len(snap.Docs))
	}

	base := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	first, err := m.Create(ctx, "orders", testRecord{UserID: "u1", Status: "pending", CreatedAt: base})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(ctx, "orders", testRecord{UserID: "u2", Status: "pending", CreatedAt: base}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, _ := m.Create(ctx, "orders", testRecord{UserID: "u1", Status: "pending", CreatedAt: base.Add(time.Hour)})
	if err := m.Update(ctx, "orders", first, map[string]any{"status": "processing"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if snap := next(t, sub); len(snap.Docs) != 1 {
		t.Fatalf("expected 1 doc, got %d", len(snap.Docs))
	}
	// the write for another user still produces a delivery with the same set
	if snap := next(t, sub); len(snap.Docs) != 1 {
		t.Fatalf("expected 1 doc, got %d", len(snap.Docs))
	}
	snap := next(t, sub)
	if len(snap.Docs) != 2 || snap.Docs[0].ID != second {
		t.Fatalf("expected newest first, got %+v", snap.Docs)
	}
	snap = next(t, sub)
	if snap.Docs[1].String("status") != "processing" {
		t.Errorf("expected merged status, got %q", snap.Docs[1].String("status"))
	}
}

func TestMemoryGetAndDecode(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	created := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	id, _ := m.Create(ctx, "orders", testRecord{ID: "ignored", UserID: "u1", Status: "pending", CreatedAt: created})

	doc, err := m.Get(ctx, "orders", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var rec testRecord
	if err := doc.Decode(&rec); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec.ID != id || !rec.CreatedAt.Equal(created) {
		t.Errorf("unexpected record %+v", rec)
	}

	if _, err := m.Get(ctx, "orders", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := m.Update(ctx, "orders", "missing", map[string]any{"status": "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryWriteFailure(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	m.FailWrites(errors.New("disk full"))

	if _, err := m.Create(ctx, "orders", testRecord{UserID: "u1"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	m.FailWrites(nil)
	if _, err := m.Create(ctx, "orders", testRecord{UserID: "u1"}); err != nil {
		t.Fatalf("Create after recovery: %v", err)
	}
}

func TestMemoryCreateOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	created, err := m.CreateOnce(ctx, "notifications", "n1", testRecord{UserID: "u1", Status: "first"})
	if !created || err != nil {
		t.Fatalf("first CreateOnce: created=%v err=%v", created, err)
	}
	created, err = m.CreateOnce(ctx, "notifications", "n1", testRecord{UserID: "u1", Status: "second"})
	if created || err != nil {
		t.Fatalf("second CreateOnce: created=%v err=%v", created, err)
	}
	doc, _ := m.Get(ctx, "notifications", "n1")
	if doc.String("status") != "first" {
		t.Errorf("existing document overwritten: %+v", doc.Data)
	}

	m.FailWrites(errors.New("disk full"))
	if _, err := m.CreateOnce(ctx, "notifications", "n2", testRecord{UserID: "u1"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestMemoryBreakSubscriptions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	sub, _ := m.Subscribe(ctx, Query{Collection: "orders"})
	defer sub.Close()
	next(t, sub)

	m.BreakSubscriptions("orders", errors.New("listener dropped"))
	if snap := next(t, sub); !errors.Is(snap.Err, ErrUnavailable) {
		t.Fatalf("expected unavailable snapshot, got %v", snap.Err)
	}
}

func TestMemorySubscriptionClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory(nil)
	sub, _ := m.Subscribe(ctx, Query{Collection: "orders"})
	next(t, sub)
	cancel()

	select {
	case _, ok := <-sub.Snapshots():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestLiveKeepsLastGoodSnapshot(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	m.Seed("doctors", "d1", map[string]any{"name": "Dr. Rao", "specialty": "Cardiology"})

	updates := make(chan Snapshot, 4)
	live, err := Watch(ctx, m, Where("doctors", "specialty", "Cardiology"), func(s Snapshot) { updates <- s })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer live.Close()
	if err := live.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	<-updates

	m.BreakSubscriptions("doctors", errors.New("boom"))
	<-updates

	docs, err := live.Latest()
	if err == nil {
		t.Fatal("expected error from latest delivery")
	}
	if len(docs) != 1 || docs[0].String("name") != "Dr. Rao" {
		t.Errorf("expected last good result set, got %+v", docs)
	}
}

func TestSortTimestamps(t *testing.T) {
	docs := []Document{
		{ID: "a", Data: map[string]any{"createdAt": "2024-07-01T09:00:00.5Z"}},
		{ID: "b", Data: map[string]any{"createdAt": "2024-07-01T09:00:00.25Z"}},
		{ID: "c", Data: map[string]any{"createdAt": "2024-07-01T10:00:00Z"}},
	}
	Sort(docs, "createdAt", true)
	if docs[0].ID != "c" || docs[1].ID != "a" || docs[2].ID != "b" {
		t.Errorf("unexpected order %s %s %s", docs[0].ID, docs[1].ID, docs[2].ID)
	}
}
