package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/common/logger"
)

// Sentinel errors surfaced by the correlation layer.
var (
	ErrClientClosed   = errors.New("client closed")
	ErrRequestTimeout = errors.New("request timed out")
	ErrProcessExited  = errors.New("agent process exited")
	ErrCallNotFound   = errors.New("no pending call with that id")
)

// Request timeouts. session/prompt turns routinely run for many minutes
// while the agent works; everything else should answer quickly.
const (
	DefaultRequestTimeout = 60 * time.Second
	PromptRequestTimeout  = 30 * time.Minute
)

// TimeoutForMethod returns the default timeout for a method.
func TimeoutForMethod(method string) time.Duration {
	if isLongRunning(method) {
		return PromptRequestTimeout
	}
	return DefaultRequestTimeout
}

// isLongRunning reports whether a method is a long-running conversational
// call whose timeout must be suspended while a human decision is pending.
func isLongRunning(method string) bool {
	return method == MethodSessionPrompt
}

// NotificationHandler receives agent-originated notifications.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler receives agent-originated requests that require a response.
type RequestHandler func(id interface{}, method string, params json.RawMessage)

// StreamErrorHandler is invoked whenever a request fails, so the failure can
// be surfaced to the UI even when the caller does not render the error itself.
type StreamErrorHandler func(method string, err error)

// DisconnectHandler is invoked once when the read loop ends while the client
// is still open (the subprocess exited or closed its stdout).
type DisconnectHandler func(err error)

type settlement struct {
	result json.RawMessage
	err    error
}

// pendingRequest tracks one in-flight request. Exactly one settlement is
// delivered per request: removal from the pending map under the mutex is the
// linearization point, so a racing timeout and response cannot both win.
type pendingRequest struct {
	id        int64
	method    string
	ch        chan settlement
	timer     *time.Timer
	startedAt time.Time
	timeout   time.Duration
	remaining time.Duration
	paused    bool
}

// queuedRequest holds a request issued while the gate is paused. It is
// transmitted with a freshly allocated id when the gate resumes.
type queuedRequest struct {
	method  string
	params  json.RawMessage
	timeout time.Duration
	ch      chan settlement
}

// Client correlates JSON-RPC requests and responses over a framed transport.
// It owns the pending-request table, per-request timeouts, the pause/resume
// gate used during human-approval waits, and the call-id mapping for
// deferred responses to agent-originated requests.
type Client struct {
	transport *Transport

	requestID atomic.Int64

	mu         sync.Mutex
	pending    map[int64]*pendingRequest
	queue      []*queuedRequest
	calls      map[string]interface{} // external call id -> inbound rpc id
	pauseDepth int
	closed     bool

	onNotification NotificationHandler
	onRequest      RequestHandler
	onStreamError  StreamErrorHandler
	onDisconnect   DisconnectHandler

	logger    *logger.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new correlation client over the given transport.
func NewClient(transport *Transport, log *logger.Logger) *Client {
	return &Client{
		transport: transport,
		pending:   make(map[int64]*pendingRequest),
		calls:     make(map[string]interface{}),
		logger:    log.WithFields(zap.String("component", "jsonrpc-client")),
		done:      make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for incoming notifications.
func (c *Client) SetNotificationHandler(handler NotificationHandler) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for incoming requests from the agent.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.onRequest = handler
}

// SetStreamErrorHandler sets the handler invoked on per-request failures.
func (c *Client) SetStreamErrorHandler(handler StreamErrorHandler) {
	c.onStreamError = handler
}

// SetDisconnectHandler sets the handler invoked when the read loop ends
// while the client is still open.
func (c *Client) SetDisconnectHandler(handler DisconnectHandler) {
	c.onDisconnect = handler
}

// Start begins reading frames from the agent's stdout.
func (c *Client) Start() {
	go func() {
		err := c.transport.ReadLoop(c.handleFrame, c.done)
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if err != nil {
			c.logger.Error("read loop error", zap.Error(err))
		}
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}
	}()
}

// Call sends a request using the method's default timeout and waits for the
// matching response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return c.CallWithTimeout(ctx, method, params, TimeoutForMethod(method))
}

// CallWithTimeout sends a request with an explicit timeout and waits for the
// matching response. A protocol-level error, an application-level error
// embedded in the result, and a timeout all reject the call; exactly one
// outcome is delivered even when a response and the timeout race.
func (c *Client) CallWithTimeout(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	ch := make(chan settlement, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c.pauseDepth > 0 {
		// Gate is paused: queue for FIFO replay on resume.
		c.queue = append(c.queue, &queuedRequest{
			method:  method,
			params:  paramsJSON,
			timeout: timeout,
			ch:      ch,
		})
		c.mu.Unlock()
		c.logger.Debug("queued request while paused", zap.String("method", method))
	} else {
		id := c.registerLocked(method, timeout, ch)
		c.mu.Unlock()
		c.send(id, method, paramsJSON)
	}

	select {
	case s := <-ch:
		return s.result, s.err
	case <-ctx.Done():
		c.abandon(ch)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// registerLocked allocates an id, inserts the pending entry, and arms its
// timeout timer. Caller must hold c.mu.
func (c *Client) registerLocked(method string, timeout time.Duration, ch chan settlement) int64 {
	id := c.requestID.Add(1)
	p := &pendingRequest{
		id:        id,
		method:    method,
		ch:        ch,
		startedAt: time.Now(),
		timeout:   timeout,
	}
	p.timer = time.AfterFunc(timeout, func() {
		c.timeoutRequest(id, method, timeout)
	})
	c.pending[id] = p
	return id
}

// send transmits a registered request. A write failure settles the request
// immediately rather than leaving it to time out.
func (c *Client) send(id int64, method string, params json.RawMessage) {
	req := &Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.transport.WriteMessage(req); err != nil {
		c.settle(id, nil, err)
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	notif := &Notification{JSONRPC: "2.0", Method: method, Params: paramsJSON}
	return c.transport.WriteMessage(notif)
}

// SendResponse sends a response to an agent-originated request.
func (c *Client) SendResponse(id interface{}, result interface{}, rpcErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	resp := &Response{JSONRPC: "2.0", ID: id, Result: resultJSON, Error: rpcErr}
	return c.transport.WriteMessage(resp)
}

// TrackCall records the mapping from an agent's external call id to the
// JSON-RPC id of the inbound request awaiting a reply.
func (c *Client) TrackCall(callID string, rpcID interface{}) {
	c.mu.Lock()
	c.calls[callID] = rpcID
	c.mu.Unlock()
}

// RespondToCall answers a previously tracked agent request by external call
// id. The mapping is consumed on first use: responding twice to the same
// call id returns ErrCallNotFound and writes nothing.
func (c *Client) RespondToCall(callID string, result interface{}, rpcErr *Error) error {
	c.mu.Lock()
	rpcID, ok := c.calls[callID]
	if ok {
		delete(c.calls, callID)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	return c.SendResponse(rpcID, result, rpcErr)
}

// Pause suspends the gate: timeouts of long-running conversational requests
// stop ticking and newly issued requests are queued instead of transmitted.
// Calls nest; the gate resumes when every pause has been matched by a Resume.
func (c *Client) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pauseDepth++
	if c.pauseDepth > 1 {
		return
	}

	now := time.Now()
	for _, p := range c.pending {
		if !isLongRunning(p.method) || p.paused {
			continue
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		p.remaining = p.timeout - now.Sub(p.startedAt)
		p.paused = true
	}
	c.logger.Debug("gate paused", zap.Int("pending", len(c.pending)))
}

// Resume re-arms suspended timeouts with their remaining budget (rejecting
// immediately when the budget is already exhausted) and replays requests
// queued during the pause in FIFO order with freshly allocated ids.
func (c *Client) Resume() {
	c.mu.Lock()
	if c.pauseDepth == 0 {
		c.mu.Unlock()
		return
	}
	c.pauseDepth--
	if c.pauseDepth > 0 {
		c.mu.Unlock()
		return
	}

	var expired []*pendingRequest
	for _, p := range c.pending {
		if !p.paused {
			continue
		}
		p.paused = false
		if p.remaining <= 0 {
			delete(c.pending, p.id)
			expired = append(expired, p)
			continue
		}
		id, method, timeout := p.id, p.method, p.remaining
		p.startedAt = time.Now()
		p.timeout = p.remaining
		p.timer = time.AfterFunc(p.remaining, func() {
			c.timeoutRequest(id, method, timeout)
		})
	}

	queued := c.queue
	c.queue = nil

	type replay struct {
		id     int64
		method string
		params json.RawMessage
	}
	replays := make([]replay, 0, len(queued))
	for _, q := range queued {
		id := c.registerLocked(q.method, q.timeout, q.ch)
		replays = append(replays, replay{id: id, method: q.method, params: q.params})
	}
	c.mu.Unlock()

	for _, p := range expired {
		err := fmt.Errorf("%s: %w while awaiting decision", p.method, ErrRequestTimeout)
		p.ch <- settlement{err: err}
		c.emitStreamError(p.method, err)
	}

	for _, r := range replays {
		c.send(r.id, r.method, r.params)
	}

	c.logger.Debug("gate resumed",
		zap.Int("replayed", len(replays)),
		zap.Int("expired", len(expired)))
}

// Paused reports whether the gate is currently paused.
func (c *Client) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauseDepth > 0
}

// PendingCount returns the number of in-flight requests.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// FailAll rejects every pending and queued request with the given error and
// clears the call-id map. Used when the subprocess exits unexpectedly.
func (c *Client) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	queued := c.queue
	c.pending = make(map[int64]*pendingRequest)
	c.queue = nil
	c.calls = make(map[string]interface{})
	c.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- settlement{err: err}
	}
	for _, q := range queued {
		q.ch <- settlement{err: err}
	}
}

// Close stops the client and synchronously rejects every pending and queued
// request with ErrClientClosed. No pending call is left unresolved.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.FailAll(ErrClientClosed)
		close(c.done)
	})
}

// IsConnected reports whether the client is still open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// settle delivers the outcome for a request id. Returns false when the id is
// unknown (already settled or never registered).
func (c *Client) settle(id int64, result json.RawMessage, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.ch <- settlement{result: result, err: err}
	return true
}

// abandon drops a caller that gave up (context cancelled) so a late
// settlement does not leak the pending entry.
func (c *Client) abandon(ch chan settlement) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, p := range c.pending {
		if p.ch == ch {
			delete(c.pending, id)
			if p.timer != nil {
				p.timer.Stop()
			}
			return
		}
	}
	for i, q := range c.queue {
		if q.ch == ch {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func (c *Client) timeoutRequest(id int64, method string, timeout time.Duration) {
	c.mu.Lock()
	if p, ok := c.pending[id]; ok && p.paused {
		// Timer fired in the window before Pause stopped it; the budget is
		// recomputed on resume, so ignore this firing.
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	err := fmt.Errorf("%s: %w after %s", method, ErrRequestTimeout, timeout)
	if c.settle(id, nil, err) {
		c.logger.Warn("request timed out",
			zap.Int64("id", id),
			zap.String("method", method),
			zap.Duration("timeout", timeout))
		c.emitStreamError(method, err)
	}
}

func (c *Client) emitStreamError(method string, err error) {
	if c.onStreamError != nil {
		c.onStreamError(method, err)
	}
}

// handleFrame classifies one inbound frame as a response, request, or
// notification by the presence of id / method / result / error fields.
func (c *Client) handleFrame(frame json.RawMessage) {
	var msg struct {
		ID     interface{}     `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.logger.Warn("failed to parse frame", zap.Error(err))
		return
	}

	hasID := msg.ID != nil
	hasMethod := msg.Method != ""

	switch {
	case hasID && !hasMethod:
		c.handleResponse(msg.ID, msg.Result, msg.Error)
	case hasID && hasMethod:
		c.handleRequest(msg.ID, msg.Method, msg.Params)
	case hasMethod:
		if c.onNotification != nil {
			c.onNotification(msg.Method, msg.Params)
		}
	default:
		c.logger.Warn("received frame with neither id nor method")
	}
}

func (c *Client) handleResponse(rawID interface{}, result json.RawMessage, rpcErr *Error) {
	id, ok := normalizeID(rawID)
	if !ok {
		c.logger.Warn("received response with non-numeric id", zap.Any("id", rawID))
		return
	}

	c.mu.Lock()
	p, known := c.pending[id]
	var method string
	if known {
		method = p.method
	}
	c.mu.Unlock()

	if !known {
		c.logger.Warn("received response for unknown request", zap.Int64("id", id))
		return
	}

	var err error
	if rpcErr != nil {
		err = fmt.Errorf("%s: %w", method, rpcErr)
	} else if embedded := embeddedError(result); embedded != nil {
		// An application-level error riding inside a protocol-level success
		// is treated identically to a protocol-level error.
		err = fmt.Errorf("%s: %w", method, embedded)
	}

	if c.settle(id, result, err) && err != nil {
		c.emitStreamError(method, err)
	}
}

func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	if c.onRequest != nil {
		c.onRequest(id, method, params)
		return
	}
	c.logger.Warn("received request but no handler registered", zap.String("method", method))
	if err := c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: fmt.Sprintf("Unknown method: %s", method)}); err != nil {
		c.logger.Warn("failed to send method not found response", zap.Error(err))
	}
}

// embeddedError extracts an error object nested inside a success result.
func embeddedError(result json.RawMessage) *Error {
	if len(result) == 0 {
		return nil
	}
	var probe struct {
		Error *Error `json:"error"`
	}
	if err := json.Unmarshal(result, &probe); err != nil {
		return nil
	}
	if probe.Error == nil || probe.Error.Message == "" {
		return nil
	}
	return probe.Error
}

// normalizeID coerces a decoded JSON id to int64 for pending-map lookup.
func normalizeID(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}
