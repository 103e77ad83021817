package session

import (
	"strings"
	"testing"
)

func TestSummarizeSystemPrompt(t *testing.T) {
	lower := strings.ToLower(summarizeSystemPrompt)
	for _, kw := range []string{"summarize", "terminal", "command"} {
		if !strings.Contains(lower, kw) {
			t.Errorf("expected system prompt to mention %q", kw)
		}
	}
}

func TestSummary_DisabledSkipsGeneration(t *testing.T) {
	fx := newTestSession(t, nil)
	fx.pty.feed("$ make\nok\n")
	fx.waitHistory(t, 10)

	if err := fx.s.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if got := fx.s.Summary(); got != "" {
		t.Errorf("summary generated with summaries disabled: %q", got)
	}
}

func TestSummary_EmptyPlainTextSkipsUpstreamCall(t *testing.T) {
	fx := newTestSession(t, func(_ *CreateOptions, st *Settings, _ *Deps) {
		st.SummaryEnabled = true
		st.SummaryModel = "haiku"
	})
	// Escape sequences only; stripping leaves nothing to summarize, so
	// terminate returns without contacting the API.
	fx.pty.feed("\x1b[2J\x1b[H\x1b[?25l")
	fx.waitHistory(t, 5)

	if err := fx.s.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if got := fx.s.Summary(); got != "" {
		t.Errorf("summary = %q, want empty", got)
	}
}
