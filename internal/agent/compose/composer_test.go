package compose

import (
	"context"
	"sync"
	"testing"

	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/pkg/acp/protocol"
)

type memorySink struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (s *memorySink) Deliver(_ context.Context, msg *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *memorySink) all() []*protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Message(nil), s.msgs...)
}

func (s *memorySink) byType(t protocol.MessageType) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range s.all() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *memorySink) persisted() []*protocol.Message {
	var out []*protocol.Message
	for _, m := range s.all() {
		if m.Persist {
			out = append(out, m)
		}
	}
	return out
}

func newTestComposer(t *testing.T) (*Composer, *memorySink) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	sink := &memorySink{}
	return NewComposer("conv-1", sink, log), sink
}

func TestReasoningDeltasAccumulate(t *testing.T) {
	c, sink := newTestComposer(t)
	ctx := context.Background()

	c.Handle(ctx, protocol.TurnStart{SessionID: "s1"})
	c.Handle(ctx, protocol.ReasoningDelta{SessionID: "s1", Text: "Hel"})
	c.Handle(ctx, protocol.ReasoningDelta{SessionID: "s1", Text: "lo"})

	reasoning := sink.byType(protocol.MessageTypeReasoningDelta)
	if len(reasoning) != 2 {
		t.Fatalf("expected 2 reasoning envelopes, got %d", len(reasoning))
	}
	if reasoning[0].MsgID != reasoning[1].MsgID {
		t.Error("reasoning envelopes must share one msg id")
	}
	if got := reasoning[1].Data["content"]; got != "Hello" {
		t.Errorf("expected accumulated content %q, got %q", "Hello", got)
	}
}

func TestSectionBreakResetsReasoning(t *testing.T) {
	c, sink := newTestComposer(t)
	ctx := context.Background()

	c.Handle(ctx, protocol.TurnStart{})
	c.Handle(ctx, protocol.ReasoningDelta{Text: "first section"})
	c.Handle(ctx, protocol.ReasoningSectionBreak{})
	c.Handle(ctx, protocol.ReasoningDelta{Text: "second"})

	reasoning := sink.byType(protocol.MessageTypeReasoningDelta)
	if len(reasoning) != 2 {
		t.Fatalf("expected 2 reasoning envelopes, got %d", len(reasoning))
	}
	last := reasoning[len(reasoning)-1]
	if got := last.Data["content"]; got != "second" {
		t.Errorf("expected reset accumulation %q, got %q", "second", got)
	}
	if reasoning[0].MsgID == last.MsgID {
		t.Error("section break must start a fresh reasoning message id")
	}
}

func TestTurnReplacesLoadingExactlyOnce(t *testing.T) {
	c, sink := newTestComposer(t)
	ctx := context.Background()

	c.Handle(ctx, protocol.TurnStart{})
	c.Handle(ctx, protocol.MessageDelta{Text: "Hi"})
	c.Handle(ctx, protocol.MessageDelta{Text: " there"})
	c.Handle(ctx, protocol.MessageFinal{Text: "Hi there"})

	starts := sink.byType(protocol.MessageTypeTurnStart)
	if len(starts) != 1 {
		t.Fatalf("expected 1 turn-start envelope, got %d", len(starts))
	}
	loadingID := starts[0].MsgID

	deltas := sink.byType(protocol.MessageTypeMessageDelta)
	if len(deltas) != 2 {
		t.Fatalf("expected 2 live deltas, got %d", len(deltas))
	}
	for _, d := range deltas {
		if d.Persist {
			t.Error("deltas must not be persisted")
		}
		if d.MsgID != loadingID {
			t.Error("deltas must ride the loading message id")
		}
	}

	finals := sink.byType(protocol.MessageTypeMessageFinal)
	if len(finals) != 1 {
		t.Fatalf("expected 1 final envelope, got %d", len(finals))
	}
	if finals[0].MsgID != loadingID {
		t.Error("final must replace the loading message in place")
	}
	if got := finals[0].Data["content"]; got != "Hi there" {
		t.Errorf("expected final content %q, got %q", "Hi there", got)
	}

	persisted := sink.persisted()
	if len(persisted) != 1 {
		t.Fatalf("expected exactly 1 persisted record, got %d", len(persisted))
	}
}

func TestRepeatedFinalReusesMsgID(t *testing.T) {
	c, sink := newTestComposer(t)
	ctx := context.Background()

	c.Handle(ctx, protocol.TurnStart{})
	c.Handle(ctx, protocol.MessageFinal{Text: "v1"})
	c.Handle(ctx, protocol.MessageFinal{Text: "v2"})

	finals := sink.byType(protocol.MessageTypeMessageFinal)
	if len(finals) != 2 {
		t.Fatalf("expected 2 final envelopes, got %d", len(finals))
	}
	if finals[0].MsgID != finals[1].MsgID {
		t.Error("repeated finals must reuse the same msg id so storage upserts")
	}
}

func TestToolCallMergeByCallID(t *testing.T) {
	c, sink := newTestComposer(t)
	ctx := context.Background()

	c.Handle(ctx, protocol.TurnStart{})
	c.Handle(ctx, protocol.ToolCallBegin{CallID: "call-1", Kind: protocol.ToolKindExecute, Title: "ls", Status: "pending"})
	c.Handle(ctx, protocol.ToolCallDelta{CallID: "call-1", Status: "in_progress"})
	// Identical update: deep-equality merge must suppress the write.
	c.Handle(ctx, protocol.ToolCallDelta{CallID: "call-1", Status: "in_progress"})
	c.Handle(ctx, protocol.ToolCallEnd{CallID: "call-1", Status: "completed"})

	begins := sink.byType(protocol.MessageTypeToolCallBegin)
	updates := sink.byType(protocol.MessageTypeToolCallUpdate)
	ends := sink.byType(protocol.MessageTypeToolCallEnd)

	if len(begins) != 1 || len(updates) != 1 || len(ends) != 1 {
		t.Fatalf("expected 1 begin / 1 update / 1 end, got %d/%d/%d",
			len(begins), len(updates), len(ends))
	}
	if begins[0].MsgID != updates[0].MsgID || updates[0].MsgID != ends[0].MsgID {
		t.Error("all updates for one call id must share one msg id")
	}
	if !ends[0].Persist {
		t.Error("terminal tool-call update must persist")
	}
	if updates[0].Persist {
		t.Error("intermediate tool-call update must not persist")
	}
}

func TestTurnCompletePersistsUnsavedReasoning(t *testing.T) {
	c, sink := newTestComposer(t)
	ctx := context.Background()

	c.Handle(ctx, protocol.TurnStart{})
	c.Handle(ctx, protocol.ReasoningDelta{Text: "partial thought"})
	c.Handle(ctx, protocol.TurnComplete{StopReason: "end_turn"})

	finals := sink.byType(protocol.MessageTypeReasoningFinal)
	if len(finals) != 1 {
		t.Fatalf("expected reasoning flushed on turn complete, got %d envelopes", len(finals))
	}
	if !finals[0].Persist {
		t.Error("flushed reasoning must persist")
	}
	if c.State() != StateIdle {
		t.Errorf("expected idle state after turn complete, got %s", c.State())
	}
}

func TestStreamErrorMarksTurnErrored(t *testing.T) {
	c, sink := newTestComposer(t)
	ctx := context.Background()

	c.Handle(ctx, protocol.TurnStart{})
	c.Handle(ctx, protocol.StreamError{Method: "session/prompt", Message: "boom"})

	if c.State() != StateErrored {
		t.Fatalf("expected errored state, got %s", c.State())
	}
	if len(sink.byType(protocol.MessageTypeStreamError)) != 1 {
		t.Error("expected a stream-error envelope")
	}

	// The next turn cleanly resets the errored sub-state.
	c.Handle(ctx, protocol.TurnStart{})
	if c.State() != StateStarted {
		t.Errorf("expected started state after new turn, got %s", c.State())
	}
}

func TestDeltasWithoutTurnStartStillComposed(t *testing.T) {
	c, sink := newTestComposer(t)
	ctx := context.Background()

	c.Handle(ctx, protocol.MessageDelta{Text: "Hi"})
	c.Handle(ctx, protocol.MessageFinal{Text: "Hi"})

	deltas := sink.byType(protocol.MessageTypeMessageDelta)
	finals := sink.byType(protocol.MessageTypeMessageFinal)
	if len(deltas) != 1 || len(finals) != 1 {
		t.Fatalf("expected 1 delta and 1 final, got %d/%d", len(deltas), len(finals))
	}
	if deltas[0].MsgID != finals[0].MsgID {
		t.Error("implicit turn must still share one loading id")
	}
}

func TestDeltaOnlyTurnPersistsAccumulatedContent(t *testing.T) {
	c, sink := newTestComposer(t)
	ctx := context.Background()

	// Some backends stream chunks and never send an explicit final.
	c.Handle(ctx, protocol.TurnStart{})
	c.Handle(ctx, protocol.MessageDelta{Text: "Hi"})
	c.Handle(ctx, protocol.MessageDelta{Text: " there"})
	c.Handle(ctx, protocol.TurnComplete{StopReason: "end_turn"})

	finals := sink.byType(protocol.MessageTypeMessageFinal)
	if len(finals) != 1 {
		t.Fatalf("expected 1 final, got %d", len(finals))
	}
	if got := finals[0].Data["content"]; got != "Hi there" {
		t.Errorf("final content = %v, want %q", got, "Hi there")
	}
	deltas := sink.byType(protocol.MessageTypeMessageDelta)
	if finals[0].MsgID != deltas[0].MsgID {
		t.Error("accumulated final must reuse the loading id")
	}
	if !finals[0].Persist {
		t.Error("accumulated final must persist")
	}
}
