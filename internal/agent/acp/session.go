// Package acp manages live agent sessions: one subprocess per session,
// speaking line-delimited JSON-RPC over stdio.
package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentwire/agentwire/internal/agent/compose"
	"github.com/agentwire/agentwire/internal/agent/credentials"
	"github.com/agentwire/agentwire/internal/agent/network"
	"github.com/agentwire/agentwire/internal/agent/registry"
	"github.com/agentwire/agentwire/internal/agent/runtime"
	"github.com/agentwire/agentwire/internal/common/config"
	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/pkg/acp/jsonrpc"
	"github.com/agentwire/agentwire/pkg/acp/protocol"
)

const (
	// defaultDecisionTimeout bounds how long a permission or input request
	// may hold the stream paused before it is denied automatically.
	defaultDecisionTimeout = 30 * time.Second

	// livenessWindow decides whether a prompt transport timeout is benign:
	// if any event arrived within this window the turn is still alive.
	livenessWindow = 30 * time.Second
)

// Session statuses.
const (
	StatusInitializing = "initializing"
	StatusReady        = "ready"
	StatusPrompting    = "prompting"
	StatusError        = "error"
	StatusExited       = "exited"
)

type decisionKind int

const (
	decisionPermission decisionKind = iota
	decisionInput
)

type pendingDecision struct {
	kind  decisionKind
	timer *time.Timer
}

// Session is one live agent subprocess plus its protocol state. The ID is
// the conversation id used on every envelope; the agent's own session id
// (from session/new or a session_configured event) is tracked separately.
type Session struct {
	ID        string
	AgentID   string
	Profile   *registry.AgentProfile
	CreatedAt time.Time

	proc     runtime.Process
	client   *jsonrpc.Client
	router   *protocol.Router
	composer *compose.Composer

	mu           sync.RWMutex
	agentSession string
	status       string
	decisions    map[string]*pendingDecision

	exitOnce sync.Once
	logger   *logger.Logger
}

// Status returns the session lifecycle status.
func (s *Session) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// AgentSessionID returns the agent-assigned session id, if established.
func (s *Session) AgentSessionID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentSession, s.agentSession != ""
}

func (s *Session) setAgentSessionID(id string) {
	s.mu.Lock()
	if s.agentSession == "" {
		s.agentSession = id
	}
	s.mu.Unlock()
}

// registerDecision arms the default-deny timer for a pending decision.
func (s *Session) registerDecision(callID string, kind decisionKind, timeout time.Duration, expire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.decisions[callID]; exists {
		return
	}
	s.decisions[callID] = &pendingDecision{
		kind:  kind,
		timer: time.AfterFunc(timeout, expire),
	}
}

// consumeDecision removes a pending decision, stopping its timer. The
// first caller wins; a second caller gets ok=false.
func (s *Session) consumeDecision(callID string) (decisionKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, exists := s.decisions[callID]
	if !exists {
		return 0, false
	}
	delete(s.decisions, callID)
	d.timer.Stop()
	return d.kind, true
}

func (s *Session) dropAllDecisions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.decisions {
		d.timer.Stop()
		delete(s.decisions, id)
	}
}

// SessionManager owns all live sessions and the machinery to create them.
type SessionManager struct {
	cfg      config.AgentsConfig
	registry *registry.Registry
	creds    credentials.Provider
	launcher runtime.Launcher
	sink     compose.Sink
	policy   *network.Policy
	logger   *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates a session manager backed by the given launcher
// and delivering composed envelopes to sink.
func NewSessionManager(cfg config.AgentsConfig, reg *registry.Registry, creds credentials.Provider, launcher runtime.Launcher, sink compose.Sink, log *logger.Logger) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		registry: reg,
		creds:    creds,
		launcher: launcher,
		sink:     sink,
		policy:   network.NewPolicy(log),
		logger:   log.WithFields(zap.String("component", "session-manager")),
		sessions: make(map[string]*Session),
	}
}

// Policy exposes the shared network retry policy, mainly for the degraded
// flag on the API surface.
func (m *SessionManager) Policy() *network.Policy {
	return m.policy
}

// CreateSession launches the agent and establishes a fresh session.
func (m *SessionManager) CreateSession(ctx context.Context, agentID, workDir string) (*Session, error) {
	return m.startSession(ctx, agentID, workDir, "")
}

// ResumeSession launches the agent and loads an existing agent session.
func (m *SessionManager) ResumeSession(ctx context.Context, agentID, workDir, agentSessionID string) (*Session, error) {
	if agentSessionID == "" {
		return nil, fmt.Errorf("resume requires a session id")
	}
	return m.startSession(ctx, agentID, workDir, agentSessionID)
}

func (m *SessionManager) startSession(ctx context.Context, agentID, workDir, resumeID string) (*Session, error) {
	profile, err := m.registry.Get(agentID)
	if err != nil {
		return nil, err
	}
	if !profile.Enabled {
		return nil, fmt.Errorf("agent %s is disabled", agentID)
	}

	if workDir == "" {
		workDir = profile.WorkingDir
	}
	if workDir == "" {
		workDir = m.cfg.WorkDir
	}

	env := append([]string(nil), profile.Env...)
	resolved, err := credentials.ResolveEnv(ctx, m.creds, profile.RequiredEnv)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials for %s: %w", agentID, err)
	}
	env = append(env, resolved...)

	id := uuid.New().String()
	image := profile.Image
	if image != "" && profile.Tag != "" {
		image = image + ":" + profile.Tag
	}

	proc, err := m.launcher.Start(ctx, runtime.LaunchSpec{
		Command:    profile.Command,
		Args:       profile.Args,
		Image:      image,
		Name:       "agentwire-" + id[:8],
		Env:        env,
		WorkingDir: workDir,
	})
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", agentID, err)
	}

	log := m.logger.WithFields(
		zap.String("session_id", id),
		zap.String("agent_id", agentID))

	sess := &Session{
		ID:        id,
		AgentID:   agentID,
		Profile:   profile,
		CreatedAt: time.Now(),
		proc:      proc,
		router:    protocol.NewRouter(log),
		status:    StatusInitializing,
		decisions: make(map[string]*pendingDecision),
		logger:    log,
	}
	sess.composer = compose.NewComposer(id, m.sink, log)

	transport := jsonrpc.NewTransport(proc.Stdin(), proc.Stdout(), log)
	sess.client = jsonrpc.NewClient(transport, log)
	sess.client.SetNotificationHandler(func(method string, params json.RawMessage) {
		m.handleNotification(sess, method, params)
	})
	sess.client.SetRequestHandler(func(rpcID interface{}, method string, params json.RawMessage) {
		m.handleRequest(sess, rpcID, method, params)
	})
	sess.client.SetStreamErrorHandler(func(method string, err error) {
		sess.composer.Handle(context.Background(), protocol.StreamError{
			SessionID: sess.ID,
			Method:    method,
			Message:   err.Error(),
		})
	})
	sess.client.SetDisconnectHandler(func(err error) {
		m.onProcessExit(sess, err)
	})
	sess.client.Start()

	go func() {
		<-proc.Done()
		m.onProcessExit(sess, nil)
	}()

	if err := m.establish(ctx, sess, resumeID); err != nil {
		m.teardown(context.Background(), sess)
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	log.Info("agent session established",
		zap.String("status", sess.Status()))
	return sess, nil
}

// establish runs the handshake and session creation under the session
// establishment retry class. The agent session id is checked inside the
// retry closure so a retry after a late success never duplicates the
// session.
func (m *SessionManager) establish(ctx context.Context, sess *Session, resumeID string) error {
	if sess.Profile.Protocol != registry.ProtocolACP {
		// Codex-style agents skip the handshake and announce their
		// session through a session_configured event.
		sess.setStatus(StatusReady)
		return nil
	}

	initialized := false
	err := m.policy.Do(ctx, network.ClassSessionEstablishment, func() error {
		if !initialized {
			if err := m.initialize(ctx, sess); err != nil {
				return err
			}
			initialized = true
		}
		if _, ok := sess.AgentSessionID(); ok {
			return nil
		}
		if resumeID != "" {
			return m.loadSession(ctx, sess, resumeID)
		}
		return m.newSession(ctx, sess)
	})
	if err != nil {
		return err
	}
	sess.setStatus(StatusReady)
	return nil
}

func (m *SessionManager) initialize(ctx context.Context, sess *Session) error {
	params := jsonrpc.InitializeParams{
		ProtocolVersion: 1,
		ClientInfo: jsonrpc.ClientInfo{
			Name:    "agentwire",
			Version: "0.1.0",
		},
		Capabilities: jsonrpc.ClientCapabilities{
			Streaming: true,
			FileSystem: jsonrpc.FSCapabilities{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
		},
	}
	if _, err := sess.client.Call(ctx, jsonrpc.MethodInitialize, params); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	return nil
}

func (m *SessionManager) newSession(ctx context.Context, sess *Session) error {
	params := jsonrpc.SessionNewParams{
		Cwd:        m.workDirFor(sess),
		McpServers: []jsonrpc.McpServer{},
	}
	raw, err := sess.client.Call(ctx, jsonrpc.MethodSessionNew, params)
	if err != nil {
		return fmt.Errorf("session/new failed: %w", err)
	}
	var result jsonrpc.SessionNewResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("parse session/new result: %w", err)
	}
	if result.SessionID == "" {
		return fmt.Errorf("session/new returned an empty session id")
	}
	sess.setAgentSessionID(result.SessionID)
	return nil
}

func (m *SessionManager) loadSession(ctx context.Context, sess *Session, sessionID string) error {
	params := jsonrpc.SessionLoadParams{
		SessionID: sessionID,
		Cwd:       m.workDirFor(sess),
	}
	if _, err := sess.client.Call(ctx, jsonrpc.MethodSessionLoad, params); err != nil {
		return fmt.Errorf("session/load failed: %w", err)
	}
	sess.setAgentSessionID(sessionID)
	return nil
}

func (m *SessionManager) workDirFor(sess *Session) string {
	if sess.Profile.WorkingDir != "" {
		return sess.Profile.WorkingDir
	}
	return m.cfg.WorkDir
}

// Prompt sends one user prompt and waits for the turn to settle. A
// transport timeout is downgraded to a warning while stream events are
// still arriving; the turn keeps running and completion arrives through
// the event stream.
func (m *SessionManager) Prompt(ctx context.Context, sessionID, text string) (string, error) {
	sess, err := m.getSession(sessionID)
	if err != nil {
		return "", err
	}

	agentSession, _ := sess.AgentSessionID()
	sess.setStatus(StatusPrompting)

	if sess.Profile.Protocol == registry.ProtocolACP {
		// ACP agents do not announce turn starts; synthesize one so the
		// composer allocates fresh message ids for this turn.
		sess.composer.Handle(ctx, protocol.TurnStart{SessionID: agentSession})
	}

	timeout := sess.Profile.PromptTimeout
	if timeout <= 0 {
		timeout = m.cfg.PromptTimeoutDuration()
	}
	if timeout <= 0 {
		timeout = jsonrpc.TimeoutForMethod(jsonrpc.MethodSessionPrompt)
	}

	params := jsonrpc.SessionPromptParams{
		SessionID: agentSession,
		Prompt:    []jsonrpc.ContentBlock{{Type: "text", Text: text}},
	}
	raw, err := sess.client.CallWithTimeout(ctx, jsonrpc.MethodSessionPrompt, params, timeout)
	if err != nil {
		if isBenignPromptTimeout(sess, err) {
			sess.logger.Warn("prompt timed out on the transport but events are still arriving",
				zap.Duration("timeout", timeout))
			return "", nil
		}
		if !errors.Is(err, jsonrpc.ErrProcessExited) {
			sess.setStatus(StatusError)
		}
		return "", fmt.Errorf("session/prompt failed: %w", err)
	}

	var result jsonrpc.SessionPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		sess.setStatus(StatusError)
		return "", fmt.Errorf("parse session/prompt result: %w", err)
	}

	if sess.Profile.Protocol == registry.ProtocolACP {
		sess.composer.Handle(ctx, protocol.TurnComplete{
			SessionID:  agentSession,
			StopReason: result.StopReason,
		})
	}
	sess.setStatus(StatusReady)
	return result.StopReason, nil
}

func isBenignPromptTimeout(sess *Session, err error) bool {
	if !errors.Is(err, jsonrpc.ErrRequestTimeout) {
		return false
	}
	last := sess.composer.LastEventAt()
	return !last.IsZero() && time.Since(last) < livenessWindow
}

// Cancel asks the agent to stop the current turn. Cancellation is a
// notification; the running prompt settles through its own response.
func (m *SessionManager) Cancel(ctx context.Context, sessionID, reason string) error {
	sess, err := m.getSession(sessionID)
	if err != nil {
		return err
	}
	agentSession, _ := sess.AgentSessionID()
	return sess.client.Notify(jsonrpc.MethodSessionCancel, jsonrpc.SessionCancelParams{
		SessionID: agentSession,
		Reason:    reason,
	})
}

// RespondToPermission resolves a pending permission request. An empty
// optionID denies. The decision is consumed exactly once; answering an
// already-resolved call returns jsonrpc.ErrCallNotFound.
func (m *SessionManager) RespondToPermission(sessionID, callID, optionID string) error {
	sess, err := m.getSession(sessionID)
	if err != nil {
		return err
	}
	if _, ok := sess.consumeDecision(callID); !ok {
		return jsonrpc.ErrCallNotFound
	}

	outcome := jsonrpc.PermissionOutcome{Outcome: "cancelled"}
	if optionID != "" {
		outcome = jsonrpc.PermissionOutcome{Outcome: "selected", OptionID: optionID}
	}
	if err := sess.client.RespondToCall(callID, jsonrpc.RequestPermissionResult{Outcome: outcome}, nil); err != nil {
		sess.client.Resume()
		return err
	}
	sess.client.Resume()
	return nil
}

// RespondToInput resolves a pending elicitation request.
func (m *SessionManager) RespondToInput(sessionID, callID, text string, cancelled bool) error {
	sess, err := m.getSession(sessionID)
	if err != nil {
		return err
	}
	if _, ok := sess.consumeDecision(callID); !ok {
		return jsonrpc.ErrCallNotFound
	}

	result := jsonrpc.RequestInputResult{Text: text, Cancelled: cancelled}
	if err := sess.client.RespondToCall(callID, result, nil); err != nil {
		sess.client.Resume()
		return err
	}
	sess.client.Resume()
	return nil
}

// CloseSession stops the agent subprocess and removes the session.
// Pending requests are rejected synchronously.
func (m *SessionManager) CloseSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, exists := m.sessions[sessionID]
	if exists {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	sess.logger.Info("closing agent session")
	sess.dropAllDecisions()
	sess.client.Close()
	return sess.proc.Stop(ctx)
}

// Shutdown closes every live session. Sessions stop concurrently since
// each close waits out its agent's termination grace period.
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.CloseSession(ctx, id); err != nil {
				m.logger.Warn("close session on shutdown",
					zap.String("session_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// GetSession returns a session by id.
func (m *SessionManager) GetSession(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, exists := m.sessions[sessionID]
	return sess, exists
}

// ListSessions returns all live sessions.
func (m *SessionManager) ListSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

func (m *SessionManager) getSession(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, exists := m.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	return sess, nil
}

func (m *SessionManager) handleNotification(sess *Session, method string, params json.RawMessage) {
	ev := sess.router.RouteNotification(method, params)
	if ev == nil {
		return
	}

	switch e := ev.(type) {
	case protocol.SessionConfigured:
		if e.SessionID != "" {
			sess.setAgentSessionID(e.SessionID)
		}
		if sess.Status() == StatusInitializing {
			sess.setStatus(StatusReady)
		}
	case protocol.TurnComplete:
		if sess.Status() == StatusPrompting {
			sess.setStatus(StatusReady)
		}
	}

	sess.composer.Handle(context.Background(), ev)
}

func (m *SessionManager) handleRequest(sess *Session, rpcID interface{}, method string, params json.RawMessage) {
	switch method {
	case jsonrpc.MethodFSReadTextFile:
		go m.handleReadTextFile(sess, rpcID, params)
		return
	case jsonrpc.MethodFSWriteTextFile:
		go m.handleWriteTextFile(sess, rpcID, params)
		return
	}

	ev := sess.router.RouteRequest(rpcID, method, params)
	switch e := ev.(type) {
	case protocol.PermissionRequest:
		m.gateDecision(sess, e.CallID, e.RPCID, decisionPermission)
		sess.composer.Handle(context.Background(), e)
	case protocol.ElicitationRequest:
		m.gateDecision(sess, e.CallID, e.RPCID, decisionInput)
		sess.composer.Handle(context.Background(), e)
	default:
		sess.logger.Warn("rejecting unsupported agent request",
			zap.String("method", method))
		if err := sess.client.SendResponse(rpcID, nil, &jsonrpc.Error{
			Code:    jsonrpc.MethodNotFound,
			Message: fmt.Sprintf("method not supported: %s", method),
		}); err != nil {
			sess.logger.Error("send method-not-found response", zap.Error(err))
		}
	}
}

// gateDecision pairs the external call id with the RPC id, pauses the
// client so in-flight timeouts stop consuming their budget, and arms the
// default-deny timer.
func (m *SessionManager) gateDecision(sess *Session, callID string, rpcID interface{}, kind decisionKind) {
	timeout := m.cfg.DecisionTimeoutDuration()
	if timeout <= 0 {
		timeout = defaultDecisionTimeout
	}

	sess.client.TrackCall(callID, rpcID)
	sess.client.Pause()
	sess.registerDecision(callID, kind, timeout, func() {
		m.expireDecision(sess, callID)
	})
}

// expireDecision fires when no decision arrived in time: deny and resume.
func (m *SessionManager) expireDecision(sess *Session, callID string) {
	kind, ok := sess.consumeDecision(callID)
	if !ok {
		return
	}
	sess.logger.Warn("decision timed out, denying",
		zap.String("call_id", callID))

	var result interface{}
	switch kind {
	case decisionPermission:
		result = jsonrpc.RequestPermissionResult{
			Outcome: jsonrpc.PermissionOutcome{Outcome: "cancelled"},
		}
	case decisionInput:
		result = jsonrpc.RequestInputResult{Cancelled: true}
	}
	if err := sess.client.RespondToCall(callID, result, nil); err != nil {
		sess.logger.Error("respond to expired decision", zap.Error(err))
	}
	sess.client.Resume()
}

func (m *SessionManager) handleReadTextFile(sess *Session, rpcID interface{}, params json.RawMessage) {
	var p jsonrpc.FSReadTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		m.respondError(sess, rpcID, jsonrpc.InvalidParams, err.Error())
		return
	}
	content, err := readTextFile(p.Path, p.Line, p.Limit)
	if err != nil {
		m.respondError(sess, rpcID, jsonrpc.InternalError, err.Error())
		return
	}
	if err := sess.client.SendResponse(rpcID, jsonrpc.FSReadTextFileResult{Content: content}, nil); err != nil {
		sess.logger.Error("send fs/read_text_file response", zap.Error(err))
	}
}

func (m *SessionManager) handleWriteTextFile(sess *Session, rpcID interface{}, params json.RawMessage) {
	var p jsonrpc.FSWriteTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		m.respondError(sess, rpcID, jsonrpc.InvalidParams, err.Error())
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		m.respondError(sess, rpcID, jsonrpc.InternalError, err.Error())
		return
	}
	if err := os.WriteFile(p.Path, []byte(p.Content), 0o644); err != nil {
		m.respondError(sess, rpcID, jsonrpc.InternalError, err.Error())
		return
	}
	if err := sess.client.SendResponse(rpcID, struct{}{}, nil); err != nil {
		sess.logger.Error("send fs/write_text_file response", zap.Error(err))
	}
}

func (m *SessionManager) respondError(sess *Session, rpcID interface{}, code int, message string) {
	if err := sess.client.SendResponse(rpcID, nil, &jsonrpc.Error{Code: code, Message: message}); err != nil {
		sess.logger.Error("send error response", zap.Error(err))
	}
}

// onProcessExit runs once per session, whether triggered by the process
// waiter or by the read loop disconnecting first. readErr carries the read
// loop's terminating error when that path fires first.
func (m *SessionManager) onProcessExit(sess *Session, readErr error) {
	sess.exitOnce.Do(func() {
		code := sess.proc.ExitCode()
		sess.logger.Warn("agent process exited",
			zap.Int("exit_code", code), zap.Error(readErr))

		sess.setStatus(StatusExited)
		sess.dropAllDecisions()
		sess.client.FailAll(jsonrpc.ErrProcessExited)
		sess.client.Close()
		sess.composer.Handle(context.Background(), protocol.ProcessExit{
			SessionID: sess.ID,
			Code:      code,
		})
	})
}

func (m *SessionManager) teardown(ctx context.Context, sess *Session) {
	sess.dropAllDecisions()
	sess.client.Close()
	if err := sess.proc.Stop(ctx); err != nil {
		sess.logger.Warn("stop agent process", zap.Error(err))
	}
}

// readTextFile reads a file, optionally slicing from a 1-based line for a
// bounded number of lines, matching the fs/read_text_file contract.
func readTextFile(path string, line, limit int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if line <= 0 && limit <= 0 {
		return string(data), nil
	}
	lines := strings.Split(string(data), "\n")
	start := 0
	if line > 0 {
		start = line - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return strings.Join(lines[start:end], "\n"), nil
}
