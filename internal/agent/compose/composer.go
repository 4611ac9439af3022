package compose

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/pkg/acp/protocol"
)

// Sink consumes stream envelopes for UI broadcast and/or durable storage.
// Delivery may complete asynchronously; the composer never depends on it.
type Sink interface {
	Deliver(ctx context.Context, msg *protocol.Message) error
}

// TurnState tracks where the current streaming turn is in its lifecycle.
type TurnState int

const (
	StateIdle TurnState = iota
	StateStarted
	StateFinalized
	StateErrored
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateFinalized:
		return "finalized"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// toolCall is the merged record of one tool invocation within the turn.
type toolCall struct {
	msgID  string
	kind   protocol.ToolKind
	status string
	detail interface{}
}

// Composer accumulates streamed deltas into logical messages for one
// conversation. Each turn gets a loading-message id and a reasoning-message
// id; deltas are forwarded live under those ids and only terminal content
// is persisted. The loading placeholder is replaced exactly once per turn.
type Composer struct {
	conversationID string
	sink           Sink
	logger         *logger.Logger

	mu              sync.Mutex
	state           TurnState
	loadingMsgID    string
	reasoningMsgID  string
	reasoning       strings.Builder
	reasoningSaved  bool
	content         strings.Builder
	replacedLoading bool
	toolCalls       map[string]*toolCall
	lastEventAt     time.Time
}

// NewComposer creates a composer for one conversation.
func NewComposer(conversationID string, sink Sink, log *logger.Logger) *Composer {
	return &Composer{
		conversationID: conversationID,
		sink:           sink,
		logger: log.WithFields(
			zap.String("component", "composer"),
			zap.String("conversation_id", conversationID),
		),
		state:     StateIdle,
		toolCalls: make(map[string]*toolCall),
	}
}

// State returns the current turn state.
func (c *Composer) State() TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastEventAt returns when the composer last handled an event. The façade
// uses it to tell a benign prompt timeout (agent still streaming) from a
// dead session.
func (c *Composer) LastEventAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventAt
}

// Reset clears all turn state, e.g. after a cancelled turn.
func (c *Composer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Composer) resetLocked() {
	c.state = StateIdle
	c.loadingMsgID = ""
	c.reasoningMsgID = ""
	c.reasoning.Reset()
	c.reasoningSaved = false
	c.content.Reset()
	c.replacedLoading = false
	c.toolCalls = make(map[string]*toolCall)
}

// Handle processes one routed event. The switch is exhaustive over the
// event union; anything new falls through to passthrough delivery.
func (c *Composer) Handle(ctx context.Context, ev protocol.Event) {
	c.mu.Lock()
	c.lastEventAt = time.Now()

	switch e := ev.(type) {
	case protocol.TurnStart:
		// A new turn cleanly resets an errored or stale previous turn.
		c.resetLocked()
		c.state = StateStarted
		c.loadingMsgID = uuid.New().String()
		c.reasoningMsgID = uuid.New().String()
		msg := protocol.NewTurnStartMessage(c.conversationID, c.loadingMsgID)
		c.mu.Unlock()
		c.deliver(ctx, msg)

	case protocol.TurnComplete:
		msgs := c.finishTurnLocked(e.StopReason)
		c.mu.Unlock()
		for _, m := range msgs {
			c.deliver(ctx, m)
		}

	case protocol.ReasoningDelta:
		c.ensureTurnLocked()
		c.reasoning.WriteString(e.Text)
		// Re-emit the full accumulated text under the fixed id so the UI
		// replaces by id instead of appending.
		msg := protocol.NewReasoningMessage(c.conversationID, c.reasoningMsgID, c.reasoning.String(), false)
		c.mu.Unlock()
		c.deliver(ctx, msg)

	case protocol.ReasoningFinal:
		c.ensureTurnLocked()
		c.reasoning.Reset()
		c.reasoning.WriteString(e.Text)
		c.reasoningSaved = true
		msg := protocol.NewReasoningMessage(c.conversationID, c.reasoningMsgID, e.Text, true)
		c.mu.Unlock()
		c.deliver(ctx, msg)

	case protocol.ReasoningSectionBreak:
		c.reasoning.Reset()
		c.reasoningMsgID = uuid.New().String()
		c.reasoningSaved = false
		c.mu.Unlock()

	case protocol.MessageDelta:
		c.ensureTurnLocked()
		c.content.WriteString(e.Text)
		msg := protocol.NewContentDeltaMessage(c.conversationID, c.loadingMsgID, e.Text)
		c.mu.Unlock()
		c.deliver(ctx, msg)

	case protocol.MessageFinal:
		c.ensureTurnLocked()
		c.content.Reset()
		c.content.WriteString(e.Text)
		if !c.replacedLoading {
			c.replacedLoading = true
		}
		// The final always rides the loading id, so repeated finals
		// upsert the same stored record instead of duplicating it.
		c.state = StateFinalized
		msg := protocol.NewFinalMessage(c.conversationID, c.loadingMsgID, e.Text)
		c.mu.Unlock()
		c.deliver(ctx, msg)

	case protocol.ToolCallBegin:
		c.ensureTurnLocked()
		tc := &toolCall{
			msgID:  uuid.New().String(),
			kind:   e.Kind,
			status: e.Status,
			detail: decodeDetail(e.Raw),
		}
		c.toolCalls[e.CallID] = tc
		msg := protocol.NewToolCallMessage(protocol.MessageTypeToolCallBegin,
			c.conversationID, tc.msgID, e.CallID, tc.kind, tc.status, e.Raw)
		c.mu.Unlock()
		c.deliver(ctx, msg)

	case protocol.ToolCallDelta:
		msg := c.mergeToolCallLocked(e.CallID, e.Status, e.Raw, protocol.MessageTypeToolCallUpdate)
		c.mu.Unlock()
		if msg != nil {
			c.deliver(ctx, msg)
		}

	case protocol.ToolCallEnd:
		msg := c.mergeToolCallLocked(e.CallID, e.Status, e.Raw, protocol.MessageTypeToolCallEnd)
		c.mu.Unlock()
		if msg != nil {
			c.deliver(ctx, msg)
		}

	case protocol.PermissionRequest:
		msg := protocol.NewPermissionMessage(c.conversationID, uuid.New().String(), e.CallID, e.Title, e.Options)
		c.mu.Unlock()
		c.deliver(ctx, msg)

	case protocol.ElicitationRequest:
		msg := protocol.NewElicitationMessage(c.conversationID, uuid.New().String(), e.CallID, e.Prompt)
		c.mu.Unlock()
		c.deliver(ctx, msg)

	case protocol.SessionConfigured:
		msg := protocol.NewMessage(protocol.MessageTypeSessionConfigured,
			c.conversationID, uuid.New().String(),
			map[string]interface{}{"detail": decodeDetail(e.Raw)}, false)
		c.mu.Unlock()
		c.deliver(ctx, msg)

	case protocol.StreamError:
		if c.state == StateStarted {
			c.state = StateErrored
		}
		msg := protocol.NewStreamErrorMessage(c.conversationID, uuid.New().String(), e.Method, e.Message)
		c.mu.Unlock()
		c.deliver(ctx, msg)

	case protocol.ProcessExit:
		c.resetLocked()
		msg := protocol.NewProcessExitMessage(c.conversationID, uuid.New().String(), e.Code)
		c.mu.Unlock()
		c.deliver(ctx, msg)

	case protocol.Passthrough:
		msg := protocol.NewPassthroughMessage(c.conversationID, uuid.New().String(), e.Method, e.Params)
		c.mu.Unlock()
		c.deliver(ctx, msg)

	default:
		c.mu.Unlock()
		c.logger.Warn("unhandled event type", zap.String("type", string(ev.EventType())))
	}
}

// ensureTurnLocked lets a stream that never sent an explicit turn-start
// (some backends do not) still get per-turn ids.
func (c *Composer) ensureTurnLocked() {
	if c.state == StateIdle || c.state == StateErrored {
		c.state = StateStarted
		c.replacedLoading = false
	}
	if c.loadingMsgID == "" {
		c.loadingMsgID = uuid.New().String()
	}
	if c.reasoningMsgID == "" {
		c.reasoningMsgID = uuid.New().String()
	}
}

// finishTurnLocked persists any unfinalized reasoning, emits turn-complete,
// and resets to idle.
func (c *Composer) finishTurnLocked(stopReason string) []*protocol.Message {
	var msgs []*protocol.Message
	if c.reasoning.Len() > 0 && !c.reasoningSaved {
		msgs = append(msgs, protocol.NewReasoningMessage(
			c.conversationID, c.reasoningMsgID, c.reasoning.String(), true))
	}
	// Backends that stream only deltas never send an explicit final;
	// persist the accumulated content here instead.
	if c.content.Len() > 0 && !c.replacedLoading {
		msgs = append(msgs, protocol.NewFinalMessage(
			c.conversationID, c.loadingMsgID, c.content.String()))
	}
	msgs = append(msgs, protocol.NewTurnCompleteMessage(c.conversationID, c.loadingMsgID, stopReason))
	c.resetLocked()
	return msgs
}

// mergeToolCallLocked updates the record for a call id in place. A deep
// equality check suppresses redundant writes when nothing changed.
func (c *Composer) mergeToolCallLocked(callID, status string, raw json.RawMessage, msgType protocol.MessageType) *protocol.Message {
	tc, ok := c.toolCalls[callID]
	if !ok {
		// Update for a call we never saw begin: record it rather than drop.
		tc = &toolCall{msgID: uuid.New().String(), kind: protocol.ToolKindOther}
		c.toolCalls[callID] = tc
	}

	detail := decodeDetail(raw)
	if msgType == protocol.MessageTypeToolCallUpdate &&
		tc.status == status && reflect.DeepEqual(tc.detail, detail) {
		return nil
	}
	tc.status = status
	if detail != nil {
		tc.detail = detail
	}

	return protocol.NewToolCallMessage(msgType, c.conversationID, tc.msgID, callID, tc.kind, tc.status, raw)
}

func (c *Composer) deliver(ctx context.Context, msg *protocol.Message) {
	if err := c.sink.Deliver(ctx, msg); err != nil {
		c.logger.Warn("sink delivery failed",
			zap.String("type", string(msg.Type)),
			zap.Error(err))
	}
}

func decodeDetail(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var detail interface{}
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil
	}
	return detail
}
