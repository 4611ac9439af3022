package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

type wireFrame struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// fakeAgent sits on the far side of the client's pipes, reading the frames
// the client writes and injecting frames into its read loop.
type fakeAgent struct {
	t      *testing.T
	reader *bufio.Reader
	writer io.WriteCloser
}

func (a *fakeAgent) readFrame() wireFrame {
	a.t.Helper()
	line, err := a.reader.ReadString('\n')
	if err != nil {
		a.t.Fatalf("failed to read frame from client: %v", err)
	}
	var frame wireFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		a.t.Fatalf("client wrote invalid JSON %q: %v", line, err)
	}
	return frame
}

func (a *fakeAgent) send(msg interface{}) {
	a.t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		a.t.Fatalf("failed to marshal frame: %v", err)
	}
	if _, err := a.writer.Write(append(data, '\n')); err != nil {
		a.t.Fatalf("failed to write frame to client: %v", err)
	}
}

func (a *fakeAgent) respond(id interface{}, result interface{}) {
	a.send(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})
}

func (a *fakeAgent) respondError(id interface{}, code int, message string) {
	a.send(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]interface{}{"code": code, "message": message},
	})
}

func newTestClient(t *testing.T) (*Client, *fakeAgent) {
	t.Helper()

	agentInR, agentInW := io.Pipe()
	clientOutR, clientOutW := io.Pipe()

	tr := NewTransport(agentInW, clientOutR, newTestLogger(t))
	c := NewClient(tr, newTestLogger(t))
	c.Start()

	agent := &fakeAgent{t: t, reader: bufio.NewReader(agentInR), writer: clientOutW}
	t.Cleanup(func() {
		c.Close()
		_ = clientOutW.Close()
		_ = agentInR.Close()
	})
	return c, agent
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func queueLen(c *Client) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func TestCallCorrelatesResponse(t *testing.T) {
	c, agent := newTestClient(t)

	type outcome struct {
		result json.RawMessage
		err    error
	}
	resCh := make(chan outcome, 1)
	go func() {
		result, err := c.Call(context.Background(), MethodInitialize, &InitializeParams{ProtocolVersion: 1})
		resCh <- outcome{result, err}
	}()

	frame := agent.readFrame()
	if frame.Method != MethodInitialize {
		t.Errorf("expected method %s, got %s", MethodInitialize, frame.Method)
	}
	if frame.ID == nil {
		t.Fatal("request has no id")
	}
	agent.respond(frame.ID, map[string]interface{}{"protocolVersion": 1})

	res := <-resCh
	if res.err != nil {
		t.Fatalf("call failed: %v", res.err)
	}
	var parsed InitializeResult
	if err := json.Unmarshal(res.result, &parsed); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if parsed.ProtocolVersion != 1 {
		t.Errorf("expected protocol version 1, got %d", parsed.ProtocolVersion)
	}
	if c.PendingCount() != 0 {
		t.Errorf("expected no pending requests, got %d", c.PendingCount())
	}
}

func TestCallRejectsOnErrorResponse(t *testing.T) {
	c, agent := newTestClient(t)

	streamErrs := make(chan error, 1)
	c.SetStreamErrorHandler(func(method string, err error) {
		streamErrs <- err
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), MethodSessionNew, &SessionNewParams{Cwd: "/tmp"})
		errCh <- err
	}()

	frame := agent.readFrame()
	agent.respondError(frame.ID, InternalError, "model quota exceeded")

	err := <-errCh
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "model quota exceeded") {
		t.Errorf("expected error to carry agent message, got %v", err)
	}

	select {
	case <-streamErrs:
	case <-time.After(time.Second):
		t.Error("expected a stream error to be emitted")
	}
}

func TestCallRejectsOnEmbeddedError(t *testing.T) {
	c, agent := newTestClient(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), MethodSessionLoad, &SessionLoadParams{SessionID: "s1"})
		errCh <- err
	}()

	frame := agent.readFrame()
	agent.respond(frame.ID, map[string]interface{}{
		"error": map[string]interface{}{"code": -32000, "message": "session not found"},
	})

	err := <-errCh
	if err == nil {
		t.Fatal("expected embedded error to reject the call")
	}
	if !strings.Contains(err.Error(), "session not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCallTimeoutSettlesOnce(t *testing.T) {
	c, agent := newTestClient(t)

	streamErrs := make(chan error, 1)
	c.SetStreamErrorHandler(func(method string, err error) {
		streamErrs <- err
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.CallWithTimeout(context.Background(), MethodSessionNew, nil, 50*time.Millisecond)
		errCh <- err
	}()

	frame := agent.readFrame()

	err := <-errCh
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	select {
	case <-streamErrs:
	case <-time.After(time.Second):
		t.Error("expected a stream error for the timeout")
	}

	// A late response for the already-settled id must be ignored.
	agent.respond(frame.ID, map[string]interface{}{"sessionId": "late"})
	time.Sleep(50 * time.Millisecond)
	if c.PendingCount() != 0 {
		t.Errorf("expected no pending requests, got %d", c.PendingCount())
	}
}

func TestDuplicateResponseIgnored(t *testing.T) {
	c, agent := newTestClient(t)

	resCh := make(chan json.RawMessage, 2)
	go func() {
		result, err := c.Call(context.Background(), MethodSessionNew, nil)
		if err != nil {
			t.Errorf("call failed: %v", err)
		}
		resCh <- result
	}()

	frame := agent.readFrame()
	agent.respond(frame.ID, map[string]interface{}{"sessionId": "first"})
	agent.respond(frame.ID, map[string]interface{}{"sessionId": "second"})

	result := <-resCh
	var parsed SessionNewResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if parsed.SessionID != "first" {
		t.Errorf("expected first settlement to win, got %q", parsed.SessionID)
	}

	select {
	case <-resCh:
		t.Error("call settled twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPauseSuspendsPromptTimeout(t *testing.T) {
	c, agent := newTestClient(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.CallWithTimeout(context.Background(), MethodSessionPrompt, &SessionPromptParams{SessionID: "s1"}, 100*time.Millisecond)
		errCh <- err
	}()

	agent.readFrame()
	c.Pause()

	// Well past the original deadline; the suspended request must not
	// time out while the gate is paused.
	select {
	case err := <-errCh:
		t.Fatalf("request settled while paused: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
	if c.PendingCount() != 1 {
		t.Fatalf("expected 1 pending request, got %d", c.PendingCount())
	}

	c.Resume()

	// The remaining budget re-arms on resume and then expires.
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrRequestTimeout) {
			t.Fatalf("expected ErrRequestTimeout after resume, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never timed out after resume")
	}
}

func TestPausedCallsReplayInOrder(t *testing.T) {
	c, agent := newTestClient(t)

	c.Pause()

	methods := []string{MethodFSReadTextFile, MethodFSWriteTextFile, MethodSessionLoad}
	errCh := make(chan error, len(methods))
	for i, method := range methods {
		m := method
		go func() {
			_, err := c.Call(context.Background(), m, nil)
			errCh <- err
		}()
		want := i + 1
		waitFor(t, func() bool { return queueLen(c) == want }, "request was not queued")
	}

	// Resume transmits the replayed requests synchronously; read them from
	// this goroutine while Resume writes from its own.
	resumed := make(chan struct{})
	go func() {
		c.Resume()
		close(resumed)
	}()

	var lastID float64
	for i, want := range methods {
		frame := agent.readFrame()
		if frame.Method != want {
			t.Errorf("replay %d: expected method %s, got %s", i, want, frame.Method)
		}
		id, ok := frame.ID.(float64)
		if !ok {
			t.Fatalf("replay %d: non-numeric id %v", i, frame.ID)
		}
		if id <= lastID {
			t.Errorf("replay %d: id %v not greater than previous %v", i, id, lastID)
		}
		lastID = id
		agent.respond(frame.ID, map[string]interface{}{})
	}
	<-resumed

	for range methods {
		if err := <-errCh; err != nil {
			t.Errorf("replayed call failed: %v", err)
		}
	}
}

func TestFailAllRejectsPendingAndQueued(t *testing.T) {
	c, agent := newTestClient(t)

	pendingErr := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), MethodSessionPrompt, nil)
		pendingErr <- err
	}()
	agent.readFrame()

	c.Pause()
	queuedErr := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), MethodSessionLoad, nil)
		queuedErr <- err
	}()
	waitFor(t, func() bool { return queueLen(c) == 1 }, "request was not queued")

	c.FailAll(ErrProcessExited)

	if err := <-pendingErr; !errors.Is(err, ErrProcessExited) {
		t.Errorf("pending call: expected ErrProcessExited, got %v", err)
	}
	if err := <-queuedErr; !errors.Is(err, ErrProcessExited) {
		t.Errorf("queued call: expected ErrProcessExited, got %v", err)
	}
	if c.PendingCount() != 0 {
		t.Errorf("expected no pending requests, got %d", c.PendingCount())
	}
}

func TestCloseRejectsPending(t *testing.T) {
	c, agent := newTestClient(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), MethodSessionPrompt, nil)
		errCh <- err
	}()
	agent.readFrame()

	c.Close()

	if err := <-errCh; !errors.Is(err, ErrClientClosed) {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
	if c.IsConnected() {
		t.Error("expected client to report disconnected after close")
	}

	if _, err := c.Call(context.Background(), MethodSessionNew, nil); !errors.Is(err, ErrClientClosed) {
		t.Errorf("call after close: expected ErrClientClosed, got %v", err)
	}
}

func TestRespondToCallConsumesMapping(t *testing.T) {
	c, agent := newTestClient(t)

	c.TrackCall("call-1", float64(7))

	done := make(chan error, 1)
	go func() {
		done <- c.RespondToCall("call-1", &RequestPermissionResult{
			Outcome: PermissionOutcome{Outcome: "selected", OptionID: "allow"},
		}, nil)
	}()

	frame := agent.readFrame()
	if id, ok := frame.ID.(float64); !ok || id != 7 {
		t.Errorf("expected response id 7, got %v", frame.ID)
	}
	if err := <-done; err != nil {
		t.Fatalf("RespondToCall failed: %v", err)
	}

	// Second resolution of the same call id writes nothing.
	if err := c.RespondToCall("call-1", nil, nil); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("expected ErrCallNotFound, got %v", err)
	}
}

func TestAgentRequestRoutedToHandler(t *testing.T) {
	c, agent := newTestClient(t)

	type incoming struct {
		id     interface{}
		method string
		params json.RawMessage
	}
	requests := make(chan incoming, 1)
	c.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		requests <- incoming{id, method, params}
	})

	agent.send(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      42,
		"method":  MethodRequestPermission,
		"params":  map[string]interface{}{"sessionId": "s1"},
	})

	var req incoming
	select {
	case req = <-requests:
	case <-time.After(time.Second):
		t.Fatal("request never reached handler")
	}
	if req.method != MethodRequestPermission {
		t.Errorf("expected method %s, got %s", MethodRequestPermission, req.method)
	}

	go func() {
		_ = c.SendResponse(req.id, &RequestPermissionResult{Outcome: PermissionOutcome{Outcome: "cancelled"}}, nil)
	}()
	frame := agent.readFrame()
	if id, ok := frame.ID.(float64); !ok || id != 42 {
		t.Errorf("expected response id 42, got %v", frame.ID)
	}
}

func TestNotificationRoutedToHandler(t *testing.T) {
	c, agent := newTestClient(t)

	notifs := make(chan string, 1)
	c.SetNotificationHandler(func(method string, params json.RawMessage) {
		notifs <- method
	})

	agent.send(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  NotificationSessionUpdate,
		"params":  map[string]interface{}{"sessionId": "s1"},
	})

	select {
	case method := <-notifs:
		if method != NotificationSessionUpdate {
			t.Errorf("expected %s, got %s", NotificationSessionUpdate, method)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never reached handler")
	}
}
