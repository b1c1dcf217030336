package reliability

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMessageTracker_Lifecycle(t *testing.T) {
	tracker := NewMessageTracker(time.Hour)
	tracker.Track("msg-1", "partner-b")

	msg, exists := tracker.GetMessage("msg-1")
	if !exists {
		t.Fatal("expected message to exist")
	}
	if msg.State != StateSubmitted {
		t.Errorf("expected StateSubmitted, got %s", msg.State)
	}
	if msg.PartnerID != "partner-b" {
		t.Errorf("expected partner-b, got %s", msg.PartnerID)
	}

	if err := tracker.MarkSending("msg-1"); err != nil {
		t.Fatalf("MarkSending: %v", err)
	}
	if err := tracker.MarkAwaitingReceipt("msg-1"); err != nil {
		t.Fatalf("MarkAwaitingReceipt: %v", err)
	}
	if pending := tracker.Pending(); len(pending) != 1 || pending[0] != "msg-1" {
		t.Errorf("expected msg-1 pending, got %v", pending)
	}

	if err := tracker.RecordReceipt("msg-1", "automatic-action/MDN-sent-automatically; processed"); err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}
	msg, _ = tracker.GetMessage("msg-1")
	if msg.State != StateReceived {
		t.Errorf("expected StateReceived, got %s", msg.State)
	}
	if msg.AttemptCount != 1 {
		t.Errorf("expected AttemptCount 1, got %d", msg.AttemptCount)
	}
	if msg.CompletedAt.IsZero() {
		t.Error("expected CompletedAt to be set")
	}
	if len(tracker.Pending()) != 0 {
		t.Error("expected nothing pending after receipt")
	}
}

func TestMessageTracker_RecordError(t *testing.T) {
	tracker := NewMessageTracker(time.Hour)
	tracker.Track("msg-1", "b")

	if err := tracker.RecordError("msg-1", errors.New("connection refused")); err != nil {
		t.Fatalf("RecordError: %v", err)
	}
	msg, _ := tracker.GetMessage("msg-1")
	if msg.State != StateFailed {
		t.Errorf("expected StateFailed, got %s", msg.State)
	}
	if len(msg.Errors) != 1 || msg.Errors[0] != "connection refused" {
		t.Errorf("unexpected errors %v", msg.Errors)
	}
}

func TestMessageTracker_NotTracked(t *testing.T) {
	tracker := NewMessageTracker(time.Hour)

	if err := tracker.MarkSending("nonexistent"); err == nil {
		t.Error("expected error for untracked message")
	}
	if err := tracker.RecordReceipt("nonexistent", ""); err == nil {
		t.Error("expected error for untracked message")
	}
	if _, exists := tracker.GetMessage("nonexistent"); exists {
		t.Error("expected message to not exist")
	}
}

func TestMessageTracker_Prune(t *testing.T) {
	tracker := NewMessageTracker(time.Minute)
	tracker.Track("old", "b")
	tracker.Track("open", "b")
	_ = tracker.RecordReceipt("old", "processed")

	tracker.mu.Lock()
	tracker.messages["old"].CompletedAt = time.Now().Add(-time.Hour)
	tracker.mu.Unlock()

	tracker.Track("new", "b")

	var ids []string
	tracker.mu.RLock()
	for id := range tracker.messages {
		ids = append(ids, id)
	}
	tracker.mu.RUnlock()
	sort.Strings(ids)

	if len(ids) != 2 || ids[0] != "new" || ids[1] != "open" {
		t.Errorf("expected finished message to be pruned, have %v", ids)
	}
}

func TestMemoryTracker_Seen(t *testing.T) {
	tracker := NewMemoryTracker(time.Hour)
	defer tracker.Close()
	ctx := context.Background()

	dup, err := tracker.Seen(ctx, "<a@b>")
	if err != nil || dup {
		t.Fatalf("first sighting: dup=%v err=%v", dup, err)
	}
	dup, _ = tracker.Seen(ctx, "<a@b>")
	if !dup {
		t.Error("expected second sighting to be a duplicate")
	}
	dup, _ = tracker.Seen(ctx, "<c@d>")
	if dup {
		t.Error("expected a different id not to be a duplicate")
	}
}

func TestMemoryTracker_Forget(t *testing.T) {
	tracker := NewMemoryTracker(time.Hour)
	defer tracker.Close()
	ctx := context.Background()

	_, _ = tracker.Seen(ctx, "<po1@x>")
	if err := tracker.Forget(ctx, "<po1@x>"); err != nil {
		t.Fatal(err)
	}
	dup, _ := tracker.Seen(ctx, "<po1@x>")
	if dup {
		t.Error("expected a forgotten id not to be a duplicate")
	}
	if err := tracker.Forget(ctx, "<unknown@x>"); err != nil {
		t.Errorf("forgetting an unknown id: %v", err)
	}
}

func TestMemoryTracker_Expire(t *testing.T) {
	tracker := NewMemoryTracker(time.Minute)
	defer tracker.Close()

	_, _ = tracker.Seen(context.Background(), "<a@b>")
	tracker.expire(time.Now().Add(2 * time.Minute))
	if tracker.Len() != 0 {
		t.Errorf("expected expired id to be removed, have %d", tracker.Len())
	}

	dup, _ := tracker.Seen(context.Background(), "<a@b>")
	if dup {
		t.Error("expected id outside the window not to be a duplicate")
	}
}

func TestMemoryTracker_CloseTwice(t *testing.T) {
	tracker := NewMemoryTracker(time.Hour)
	if err := tracker.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatal(err)
	}
}

type fakeRedis struct {
	keys   map[string]time.Duration
	err    error
	closed bool
}

func (f *fakeRedis) SetNX(_ context.Context, key string, _ interface{}, expiration time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			delete(f.keys, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisTracker_Seen(t *testing.T) {
	client := &fakeRedis{keys: map[string]time.Duration{}}
	tracker := NewRedisTrackerWithClient(client, "", 24*time.Hour)
	ctx := context.Background()

	dup, err := tracker.Seen(ctx, "<a@b>")
	if err != nil || dup {
		t.Fatalf("first sighting: dup=%v err=%v", dup, err)
	}
	dup, err = tracker.Seen(ctx, "<a@b>")
	if err != nil || !dup {
		t.Fatalf("second sighting: dup=%v err=%v", dup, err)
	}

	key := "as2:seen:" + ComputeMessageHash([]byte("<a@b>"))
	if ttl, ok := client.keys[key]; !ok || ttl != 24*time.Hour {
		t.Errorf("expected key %s with 24h ttl, got %v", key, client.keys)
	}

	if err := tracker.Close(); err != nil || !client.closed {
		t.Error("expected Close to close the client")
	}
}

func TestRedisTracker_Forget(t *testing.T) {
	client := &fakeRedis{keys: map[string]time.Duration{}}
	tracker := NewRedisTrackerWithClient(client, "", time.Hour)
	ctx := context.Background()

	_, _ = tracker.Seen(ctx, "<po1@x>")
	if err := tracker.Forget(ctx, "<po1@x>"); err != nil {
		t.Fatal(err)
	}
	if len(client.keys) != 0 {
		t.Errorf("expected key to be deleted, have %v", client.keys)
	}
	dup, err := tracker.Seen(ctx, "<po1@x>")
	if err != nil || dup {
		t.Errorf("resend after forget: dup=%v err=%v", dup, err)
	}
}

func TestRedisTracker_Error(t *testing.T) {
	tracker := NewRedisTrackerWithClient(&fakeRedis{err: errors.New("down")}, "x:", time.Hour)
	if _, err := tracker.Seen(context.Background(), "<a@b>"); err == nil {
		t.Error("expected redis error to propagate")
	}
	if err := tracker.Forget(context.Background(), "<a@b>"); err == nil {
		t.Error("expected redis error to propagate from Forget")
	}
}

func TestComputeMessageHash(t *testing.T) {
	h1 := ComputeMessageHash([]byte("<a@b>"))
	h2 := ComputeMessageHash([]byte("<a@b>"))
	if h1 != h2 || len(h1) != 64 {
		t.Errorf("unexpected hash %q", h1)
	}
}
