// mock-agent speaks scripted ACP over stdio for integration testing: it
// answers the handshake, streams a canned reply for every prompt and can
// exercise the permission flow.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	askPermission = flag.Bool("permission", false, "request permission before replying")
	chunkDelay    = flag.Duration("delay", 20*time.Millisecond, "delay between streamed chunks")
)

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
}

type agent struct {
	mu     sync.Mutex
	out    *bufio.Writer
	nextID int

	pendingMu sync.Mutex
	pending   map[int]chan json.RawMessage
}

func (a *agent) write(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal: %v\n", err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out.Write(data)
	a.out.WriteByte('\n')
	a.out.Flush()
}

func (a *agent) respond(id interface{}, result interface{}) {
	a.write(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})
}

func (a *agent) notify(method string, params interface{}) {
	a.write(map[string]interface{}{"jsonrpc": "2.0", "method": method, "params": params})
}

// call sends a request to the client and waits for its response.
func (a *agent) call(method string, params interface{}) json.RawMessage {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.mu.Unlock()

	ch := make(chan json.RawMessage, 1)
	a.pendingMu.Lock()
	a.pending[id] = ch
	a.pendingMu.Unlock()

	a.write(map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
	return <-ch
}

func (a *agent) update(sessionID string, update map[string]interface{}) {
	a.notify("session/update", map[string]interface{}{
		"sessionId": sessionID,
		"update":    update,
	})
	time.Sleep(*chunkDelay)
}

func (a *agent) chunk(sessionID, kind, text string) {
	a.update(sessionID, map[string]interface{}{
		"sessionUpdate": kind,
		"content":       map[string]interface{}{"type": "text", "text": text},
	})
}

func (a *agent) handlePrompt(id interface{}, params json.RawMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
		Prompt    []struct {
			Text string `json:"text"`
		} `json:"prompt"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		fmt.Fprintf(os.Stderr, "bad prompt params: %v\n", err)
		return
	}

	a.chunk(p.SessionID, "agent_thought_chunk", "Considering the request")
	a.chunk(p.SessionID, "agent_thought_chunk", " carefully.")

	if *askPermission {
		raw := a.call("session/request_permission", map[string]interface{}{
			"sessionId": p.SessionID,
			"toolCall": map[string]interface{}{
				"toolCallId": "mock-exec-1",
				"title":      "echo hello",
				"kind":       "execute",
			},
			"options": []map[string]interface{}{
				{"optionId": "allow", "name": "Allow", "kind": "allow_once"},
				{"optionId": "deny", "name": "Deny", "kind": "reject_once"},
			},
		})
		var decision struct {
			Outcome struct {
				Outcome  string `json:"outcome"`
				OptionID string `json:"optionId"`
			} `json:"outcome"`
		}
		_ = json.Unmarshal(raw, &decision)
		if decision.Outcome.Outcome != "selected" || decision.Outcome.OptionID != "allow" {
			a.chunk(p.SessionID, "agent_message_chunk", "Understood, not running the command.")
			a.respond(id, map[string]interface{}{"stopReason": "refusal"})
			return
		}
		a.update(p.SessionID, map[string]interface{}{
			"sessionUpdate": "tool_call",
			"toolCallId":    "mock-exec-1",
			"title":         "echo hello",
			"kind":          "execute",
			"status":        "in_progress",
		})
		a.update(p.SessionID, map[string]interface{}{
			"sessionUpdate": "tool_call_update",
			"toolCallId":    "mock-exec-1",
			"status":        "completed",
		})
	}

	a.chunk(p.SessionID, "agent_message_chunk", "Hello from the mock agent")
	a.chunk(p.SessionID, "agent_message_chunk", ", over and out.")
	a.respond(id, map[string]interface{}{"stopReason": "end_turn"})
}

func main() {
	flag.Parse()

	a := &agent{
		out:     bufio.NewWriter(os.Stdout),
		pending: make(map[int]chan json.RawMessage),
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}

		// Response to one of our own requests.
		if f.Method == "" && f.ID != nil {
			if id, ok := f.ID.(float64); ok {
				a.pendingMu.Lock()
				ch, exists := a.pending[int(id)]
				if exists {
					delete(a.pending, int(id))
				}
				a.pendingMu.Unlock()
				if exists {
					data, _ := json.Marshal(f.Result)
					ch <- data
				}
			}
			continue
		}

		switch f.Method {
		case "initialize":
			a.respond(f.ID, map[string]interface{}{
				"protocolVersion": 1,
				"serverInfo":      map[string]interface{}{"name": "mock-agent", "version": "0.1.0"},
			})
		case "session/new":
			a.respond(f.ID, map[string]interface{}{"sessionId": "mock-session-1"})
		case "session/load":
			var p struct {
				SessionID string `json:"sessionId"`
			}
			_ = json.Unmarshal(f.Params, &p)
			a.respond(f.ID, map[string]interface{}{"sessionId": p.SessionID, "restored": true})
		case "session/prompt":
			go a.handlePrompt(f.ID, f.Params)
		case "session/cancel":
			// Notification; nothing to do for the canned script.
		default:
			if f.ID != nil {
				a.write(map[string]interface{}{
					"jsonrpc": "2.0",
					"id":      f.ID,
					"error":   map[string]interface{}{"code": -32601, "message": "method not found"},
				})
			}
		}
	}
}
