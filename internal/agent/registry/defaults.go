package registry

import "time"

// DefaultAgents returns the built-in agent profiles.
func DefaultAgents() []*AgentProfile {
	return []*AgentProfile{
		{
			ID:            "claude-code",
			Name:          "Claude Code",
			Description:   "Claude Code CLI via the ACP adapter. Requires ANTHROPIC_API_KEY unless already authenticated.",
			Command:       "claude-code-acp",
			Protocol:      ProtocolACP,
			RequiredEnv:   []string{"ANTHROPIC_API_KEY"},
			Image:         "agentwire/claude-code",
			Tag:           "latest",
			WorkingDir:    "/workspace",
			PromptTimeout: 30 * time.Minute,
			Enabled:       true,
		},
		{
			ID:            "gemini",
			Name:          "Gemini CLI",
			Description:   "Gemini CLI in experimental ACP mode. Requires GEMINI_API_KEY.",
			Command:       "gemini",
			Args:          []string{"--experimental-acp"},
			Protocol:      ProtocolACP,
			RequiredEnv:   []string{"GEMINI_API_KEY"},
			Image:         "agentwire/gemini-cli",
			Tag:           "latest",
			WorkingDir:    "/workspace",
			PromptTimeout: 30 * time.Minute,
			Enabled:       true,
		},
		{
			ID:            "qwen",
			Name:          "Qwen Code",
			Description:   "Qwen Code CLI in experimental ACP mode. Requires DASHSCOPE_API_KEY.",
			Command:       "qwen",
			Args:          []string{"--experimental-acp"},
			Protocol:      ProtocolACP,
			RequiredEnv:   []string{"DASHSCOPE_API_KEY"},
			WorkingDir:    "/workspace",
			PromptTimeout: 30 * time.Minute,
			Enabled:       true,
		},
		{
			ID:            "codex",
			Name:          "Codex CLI",
			Description:   "Codex CLI speaking its native event stream. Requires OPENAI_API_KEY.",
			Command:       "codex",
			Args:          []string{"proto"},
			Protocol:      ProtocolCodex,
			RequiredEnv:   []string{"OPENAI_API_KEY"},
			Image:         "agentwire/codex",
			Tag:           "latest",
			WorkingDir:    "/workspace",
			PromptTimeout: 30 * time.Minute,
			Enabled:       true,
		},
		{
			ID:            "mock",
			Name:          "Mock Agent",
			Description:   "Scripted in-repo agent used by integration tests.",
			Command:       "mock-agent",
			Protocol:      ProtocolACP,
			PromptTimeout: time.Minute,
			Enabled:       true,
		},
	}
}
