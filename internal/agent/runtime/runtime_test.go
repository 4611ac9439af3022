package runtime

import "testing"

func TestScrubEnvDropsInspectorVars(t *testing.T) {
	env := []string{
		"PATH=/usr/bin",
		"NODE_OPTIONS=--inspect=9229",
		"HOME=/home/dev",
		"VSCODE_INSPECTOR_OPTIONS={}",
		"ELECTRON_RUN_AS_NODE=1",
		"JS_DEBUG_SESSION=abc",
		"DEBUG=express:*",
		"ANTHROPIC_API_KEY=sk-1",
	}

	got := ScrubEnv(env)
	want := []string{"PATH=/usr/bin", "HOME=/home/dev", "ANTHROPIC_API_KEY=sk-1"}

	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestScrubEnvKeepsSimilarButSafeVars(t *testing.T) {
	env := []string{
		"NODE_ENV=production",    // not NODE_OPTIONS
		"DEBUGGER_FRIENDLY=true", // not the DEBUG= var itself
	}
	got := ScrubEnv(env)
	if len(got) != 2 {
		t.Errorf("expected both entries kept, got %v", got)
	}
}
