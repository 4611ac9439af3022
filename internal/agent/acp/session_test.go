package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/agentwire/agentwire/internal/agent/credentials"
	"github.com/agentwire/agentwire/internal/agent/registry"
	"github.com/agentwire/agentwire/internal/agent/runtime"
	"github.com/agentwire/agentwire/internal/common/config"
	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/pkg/acp/jsonrpc"
	"github.com/agentwire/agentwire/pkg/acp/protocol"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return log
}

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

func (s *memorySink) byType(t protocol.MessageType) []*protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Message
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// fakeProcess stands in for an agent subprocess using in-memory pipes.
type fakeProcess struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader

	agentIn  *io.PipeReader
	agentOut *io.PipeWriter

	once sync.Once
	done chan struct{}
	code int
}

func newFakeProcess() *fakeProcess {
	agentIn, stdin := io.Pipe()
	stdout, agentOut := io.Pipe()
	return &fakeProcess{
		stdin:    stdin,
		stdout:   stdout,
		agentIn:  agentIn,
		agentOut: agentOut,
		done:     make(chan struct{}),
	}
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdout }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitCode() int         { return p.code }
func (p *fakeProcess) Stop(context.Context) error {
	p.exit(0)
	return nil
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		p.agentOut.Close()
		p.agentIn.Close()
		close(p.done)
	})
}

type fakeLauncher struct {
	proc *fakeProcess
	spec runtime.LaunchSpec
}

func (l *fakeLauncher) Start(_ context.Context, spec runtime.LaunchSpec) (runtime.Process, error) {
	l.spec = spec
	return l.proc, nil
}

// scriptedAgent plays the agent side of the wire.
type scriptedAgent struct {
	t *testing.T
	r *bufio.Reader
	w io.Writer
}

type wireFrame struct {
	ID     interface{}            `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
	Result map[string]interface{} `json:"result"`
}

func (a *scriptedAgent) readFrame() wireFrame {
	a.t.Helper()
	line, err := a.r.ReadBytes('\n')
	if err != nil {
		a.t.Fatalf("agent read: %v", err)
	}
	var f wireFrame
	if err := json.Unmarshal(line, &f); err != nil {
		a.t.Fatalf("agent decode %q: %v", line, err)
	}
	return f
}

func (a *scriptedAgent) send(v interface{}) {
	a.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		a.t.Fatalf("agent marshal: %v", err)
	}
	if _, err := a.w.Write(append(data, '\n')); err != nil {
		a.t.Fatalf("agent write: %v", err)
	}
}

func (a *scriptedAgent) respond(id interface{}, result interface{}) {
	a.send(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})
}

func (a *scriptedAgent) notify(method string, params interface{}) {
	a.send(map[string]interface{}{"jsonrpc": "2.0", "method": method, "params": params})
}

func (a *scriptedAgent) request(id interface{}, method string, params interface{}) {
	a.send(map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
}

// answerHandshake services initialize and session/new.
func (a *scriptedAgent) answerHandshake(sessionID string) {
	init := a.readFrame()
	if init.Method != jsonrpc.MethodInitialize {
		a.t.Errorf("first call = %s, want initialize", init.Method)
	}
	a.respond(init.ID, map[string]interface{}{"protocolVersion": 1})

	newSess := a.readFrame()
	if newSess.Method != jsonrpc.MethodSessionNew {
		a.t.Errorf("second call = %s, want session/new", newSess.Method)
	}
	a.respond(newSess.ID, map[string]interface{}{"sessionId": sessionID})
}

func (a *scriptedAgent) chunk(sessionID, text string) {
	a.notify(jsonrpc.NotificationSessionUpdate, map[string]interface{}{
		"sessionId": sessionID,
		"update": map[string]interface{}{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]interface{}{"type": "text", "text": text},
		},
	})
}

type testEnv struct {
	manager  *SessionManager
	sink     *memorySink
	proc     *fakeProcess
	launcher *fakeLauncher
}

func newTestEnv(t *testing.T, cfg config.AgentsConfig) (*testEnv, *scriptedAgent) {
	t.Helper()
	proc := newFakeProcess()
	launcher := &fakeLauncher{proc: proc}
	sink := &memorySink{}

	reg := registry.NewRegistry()
	if err := reg.Register(&registry.AgentProfile{
		ID:       "scripted",
		Name:     "Scripted",
		Command:  "scripted-agent",
		Protocol: registry.ProtocolACP,
		Enabled:  true,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	m := NewSessionManager(cfg, reg, credentials.NewEnvProvider("AGENTWIRE_TEST_"), launcher, sink, newTestLogger(t))
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	agent := &scriptedAgent{t: t, r: bufio.NewReader(proc.agentIn), w: proc.agentOut}
	return &testEnv{manager: m, sink: sink, proc: proc, launcher: launcher}, agent
}

func createScriptedSession(t *testing.T, env *testEnv, agent *scriptedAgent) *Session {
	t.Helper()
	go agent.answerHandshake("sess-abc")
	sess, err := env.manager.CreateSession(context.Background(), "scripted", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
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
	t.Fatalf("condition not met within %v", timeout)
}

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestCreateSessionEstablishes(t *testing.T) {
	env, agent := newTestEnv(t, config.AgentsConfig{})
	sess := createScriptedSession(t, env, agent)

	if sess.Status() != StatusReady {
		t.Errorf("status = %s, want %s", sess.Status(), StatusReady)
	}
	id, ok := sess.AgentSessionID()
	if !ok || id != "sess-abc" {
		t.Errorf("agent session id = %q, %v", id, ok)
	}
	if got, exists := env.manager.GetSession(sess.ID); !exists || got != sess {
		t.Errorf("GetSession did not return the session")
	}
}

func TestPromptStreamsAndPersistsFinal(t *testing.T) {
	env, agent := newTestEnv(t, config.AgentsConfig{})
	sess := createScriptedSession(t, env, agent)

	go func() {
		prompt := agent.readFrame()
		agent.chunk("sess-abc", "Hi")
		agent.chunk("sess-abc", " there")
		agent.respond(prompt.ID, map[string]interface{}{"stopReason": "end_turn"})
	}()

	stop, err := env.manager.Prompt(context.Background(), sess.ID, "hello")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if stop != "end_turn" {
		t.Errorf("stopReason = %q, want end_turn", stop)
	}

	deltas := env.sink.byType(protocol.MessageTypeMessageDelta)
	if len(deltas) != 2 {
		t.Fatalf("deltas = %d, want 2", len(deltas))
	}
	finals := env.sink.byType(protocol.MessageTypeMessageFinal)
	if len(finals) != 1 {
		t.Fatalf("finals = %d, want 1", len(finals))
	}
	if !finals[0].Persist {
		t.Errorf("final not marked for persistence")
	}
	if got := finals[0].Data["content"]; got != "Hi there" {
		t.Errorf("final content = %v, want %q", got, "Hi there")
	}
	if finals[0].MsgID != deltas[0].MsgID {
		t.Errorf("final rides id %s, deltas rode %s", finals[0].MsgID, deltas[0].MsgID)
	}
	if sess.Status() != StatusReady {
		t.Errorf("status = %s, want %s", sess.Status(), StatusReady)
	}
}

func TestPermissionRequestPausesAndRoutesDecision(t *testing.T) {
	env, agent := newTestEnv(t, config.AgentsConfig{DecisionTimeout: 30})
	sess := createScriptedSession(t, env, agent)

	promptDone := make(chan error, 1)
	go func() {
		_, err := env.manager.Prompt(context.Background(), sess.ID, "run it")
		promptDone <- err
	}()

	prompt := agent.readFrame()
	agent.request(77, jsonrpc.MethodRequestPermission, map[string]interface{}{
		"sessionId": "sess-abc",
		"toolCall":  map[string]interface{}{"toolCallId": "call-1", "title": "rm -rf /tmp/x", "kind": "execute"},
		"options": []map[string]interface{}{
			{"optionId": "allow", "name": "Allow", "kind": "allow_once"},
		},
	})

	waitFor(t, time.Second, func() bool {
		return len(env.sink.byType(protocol.MessageTypePermissionRequest)) == 1
	})
	waitFor(t, time.Second, func() bool { return sess.client.Paused() })

	// The decision write blocks until the agent reads it; answer from a
	// separate goroutine and consume the frame here.
	decided := make(chan error, 1)
	go func() {
		decided <- env.manager.RespondToPermission(sess.ID, "call-1", "allow")
	}()

	// The agent receives the decision on the original request id.
	decision := agent.readFrame()
	if err := <-decided; err != nil {
		t.Fatalf("RespondToPermission: %v", err)
	}
	if got, ok := decision.ID.(float64); !ok || got != 77 {
		t.Errorf("decision id = %v, want 77", decision.ID)
	}
	outcome := decision.Result["outcome"].(map[string]interface{})
	if outcome["outcome"] != "selected" || outcome["optionId"] != "allow" {
		t.Errorf("outcome = %v", outcome)
	}

	// Second answer for the same call is rejected.
	if err := env.manager.RespondToPermission(sess.ID, "call-1", "allow"); !errors.Is(err, jsonrpc.ErrCallNotFound) {
		t.Errorf("second decision err = %v, want ErrCallNotFound", err)
	}

	agent.respond(prompt.ID, map[string]interface{}{"stopReason": "end_turn"})
	if err := <-promptDone; err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if sess.client.Paused() {
		t.Errorf("client still paused after decision")
	}
}

func TestDecisionTimeoutDefaultsToDeny(t *testing.T) {
	env, agent := newTestEnv(t, config.AgentsConfig{DecisionTimeout: 1})
	sess := createScriptedSession(t, env, agent)

	go func() {
		prompt := agent.readFrame()
		agent.respond(prompt.ID, map[string]interface{}{"stopReason": "cancelled"})
	}()
	if _, err := env.manager.Prompt(context.Background(), sess.ID, "hi"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	agent.request(5, jsonrpc.MethodRequestPermission, map[string]interface{}{
		"sessionId": "sess-abc",
		"toolCall":  map[string]interface{}{"toolCallId": "call-9", "title": "write", "kind": "edit"},
		"options":   []map[string]interface{}{{"optionId": "allow", "name": "Allow", "kind": "allow_once"}},
	})

	decision := agent.readFrame()
	if got := decision.ID.(float64); got != 5 {
		t.Errorf("decision id = %v, want 5", decision.ID)
	}
	outcome := decision.Result["outcome"].(map[string]interface{})
	if outcome["outcome"] != "cancelled" {
		t.Errorf("timed-out decision outcome = %v, want cancelled", outcome["outcome"])
	}
	waitFor(t, time.Second, func() bool { return !sess.client.Paused() })
}

func TestProcessExitFailsPendingAndEmitsEvent(t *testing.T) {
	env, agent := newTestEnv(t, config.AgentsConfig{})
	sess := createScriptedSession(t, env, agent)

	promptDone := make(chan error, 1)
	go func() {
		_, err := env.manager.Prompt(context.Background(), sess.ID, "hi")
		promptDone <- err
	}()
	agent.readFrame()

	env.proc.exit(137)

	err := <-promptDone
	if !errors.Is(err, jsonrpc.ErrProcessExited) {
		t.Fatalf("Prompt err = %v, want ErrProcessExited", err)
	}
	if sess.Status() != StatusExited {
		t.Errorf("status = %s, want %s", sess.Status(), StatusExited)
	}
	waitFor(t, time.Second, func() bool {
		return !sess.client.IsConnected()
	})

	waitFor(t, time.Second, func() bool {
		return len(env.sink.byType(protocol.MessageTypeProcessExit)) == 1
	})
	exit := env.sink.byType(protocol.MessageTypeProcessExit)[0]
	if code, ok := exit.Data["exit_code"].(int); ok && code != 137 {
		t.Errorf("exit code = %d, want 137", code)
	}
}

func TestFSReadTextFileServed(t *testing.T) {
	env, agent := newTestEnv(t, config.AgentsConfig{})
	createScriptedSession(t, env, agent)

	dir := t.TempDir()
	path := dir + "/notes.txt"
	if err := writeTestFile(path, "alpha\nbeta\ngamma\n"); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	agent.request(11, jsonrpc.MethodFSReadTextFile, map[string]interface{}{
		"sessionId": "sess-abc",
		"path":      path,
		"line":      2,
		"limit":     1,
	})
	resp := agent.readFrame()
	if got := resp.Result["content"]; got != "beta" {
		t.Errorf("content = %v, want beta", got)
	}
}

func TestCloseSessionStopsProcess(t *testing.T) {
	env, agent := newTestEnv(t, config.AgentsConfig{})
	sess := createScriptedSession(t, env, agent)

	if err := env.manager.CloseSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	select {
	case <-env.proc.Done():
	case <-time.After(time.Second):
		t.Fatal("process not stopped")
	}
	if _, exists := env.manager.GetSession(sess.ID); exists {
		t.Errorf("session still registered after close")
	}
	if err := env.manager.CloseSession(context.Background(), sess.ID); err == nil {
		t.Errorf("second close should fail")
	}
}

func TestReadTextFileSlicing(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/f.txt"
	if err := writeTestFile(path, "one\ntwo\nthree"); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cases := []struct {
		name  string
		line  int
		limit int
		want  string
	}{
		{"whole file", 0, 0, "one\ntwo\nthree"},
		{"from line two", 2, 0, "two\nthree"},
		{"bounded", 1, 2, "one\ntwo"},
		{"past the end", 9, 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := readTextFile(path, tc.line, tc.limit)
			if err != nil {
				t.Fatalf("readTextFile: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
