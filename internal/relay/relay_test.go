package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/internal/events/bus"
	"github.com/agentwire/agentwire/internal/storage"
	"github.com/agentwire/agentwire/pkg/acp/protocol"
)

func newTestRelay(t *testing.T) (*Relay, storage.MessageStore, bus.EventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	store := storage.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() {
		store.Close()
		eventBus.Close()
	})
	return NewRelay(store, eventBus, log), store, eventBus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDeliverPersistsOnlyTerminalEnvelopes(t *testing.T) {
	r, store, _ := newTestRelay(t)
	ctx := context.Background()

	live := protocol.NewContentDeltaMessage("conv-1", "msg-1", "Hi")
	if err := r.Deliver(ctx, live); err != nil {
		t.Fatalf("Deliver live: %v", err)
	}
	final := protocol.NewFinalMessage("conv-1", "msg-1", "Hi there")
	if err := r.Deliver(ctx, final); err != nil {
		t.Fatalf("Deliver final: %v", err)
	}

	stored, err := store.List(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored = %d, want 1", len(stored))
	}
	if stored[0].Data["content"] != "Hi there" {
		t.Errorf("stored content = %v", stored[0].Data["content"])
	}
}

func TestDeliverPublishesOnConversationSubject(t *testing.T) {
	r, _, eventBus := newTestRelay(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []*bus.Event
	sub, err := eventBus.Subscribe(SubjectFor("conv-2"), func(_ context.Context, ev *bus.Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := r.Deliver(ctx, protocol.NewContentDeltaMessage("conv-2", "m1", "x")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	// Bus handlers run asynchronously.
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].Type != string(protocol.MessageTypeMessageDelta) {
		t.Errorf("event type = %s", got[0].Type)
	}
}

func TestListenersReceiveLiveEnvelopes(t *testing.T) {
	r, _, _ := newTestRelay(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	remove := r.AddListener("conv-3", func(msg *protocol.Message) {
		mu.Lock()
		seen = append(seen, msg.MsgID)
		mu.Unlock()
	})

	r.Deliver(ctx, protocol.NewContentDeltaMessage("conv-3", "m1", "a"))
	remove()
	r.Deliver(ctx, protocol.NewContentDeltaMessage("conv-3", "m2", "b"))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "m1" {
		t.Errorf("seen = %v, want [m1]", seen)
	}
}

func TestRecentReturnsBufferedTail(t *testing.T) {
	r, _, _ := newTestRelay(t)
	ctx := context.Background()

	r.Deliver(ctx, protocol.NewContentDeltaMessage("conv-4", "m1", "a"))
	r.Deliver(ctx, protocol.NewContentDeltaMessage("conv-4", "m2", "b"))
	r.Deliver(ctx, protocol.NewContentDeltaMessage("conv-4", "m3", "c"))

	recent := r.Recent("conv-4", 2)
	if len(recent) != 2 || recent[0].MsgID != "m2" || recent[1].MsgID != "m3" {
		t.Errorf("recent = %v", recent)
	}

	r.CleanupConversation("conv-4")
	if len(r.Recent("conv-4", 0)) != 0 {
		t.Error("buffer not cleared")
	}
}
