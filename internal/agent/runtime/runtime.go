// Package runtime launches agent CLIs as subprocesses, either directly on
// the host or inside containers, and exposes their stdio for the protocol
// layer.
package runtime

import (
	"context"
	"io"
	"strings"
)

// LaunchSpec describes one agent subprocess to start.
type LaunchSpec struct {
	// Command and Args launch a host binary (local runtime).
	Command string
	Args    []string

	// Image and Name select a container (docker runtime).
	Image string
	Name  string

	Env        []string // appended to the inherited/base environment
	WorkingDir string
}

// Process is a running agent subprocess. Stdout carries protocol bytes
// only; stderr is consumed internally as diagnostics.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader

	// Done is closed when the process exits. ExitCode is valid after Done.
	Done() <-chan struct{}
	ExitCode() int

	// Stop terminates the process, gracefully first.
	Stop(ctx context.Context) error
}

// Launcher starts agent subprocesses.
type Launcher interface {
	Start(ctx context.Context, spec LaunchSpec) (Process, error)
}

// suppressedEnvPrefixes are environment variables that must not leak into a
// spawned agent: a parent editor or debugger setting these makes Node-based
// CLIs open inspector ports or print banners onto stdout, corrupting the
// protocol stream.
var suppressedEnvPrefixes = []string{
	"NODE_OPTIONS=",
	"NODE_INSPECT_RESUME_ON_START=",
	"VSCODE_INSPECTOR_OPTIONS=",
	"ELECTRON_RUN_AS_NODE=",
	"JS_DEBUG_",
	"DEBUG=",
}

// ScrubEnv filters debugger and inspector variables out of an environment.
func ScrubEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, entry := range env {
		suppressed := false
		for _, prefix := range suppressedEnvPrefixes {
			if strings.HasPrefix(entry, prefix) {
				suppressed = true
				break
			}
		}
		if !suppressed {
			out = append(out, entry)
		}
	}
	return out
}
