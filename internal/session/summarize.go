package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/joestump/termhub/internal/term"
)

const summarizeSystemPrompt = "You are a concise technical summarizer. Summarize the following terminal session output in 2-4 sentences. Focus on: what command was run, what it produced, and how it ended. Be specific about program names, errors, and outcomes."

// summarizeTimeout bounds the terminate-time API call so a slow upstream
// cannot stall session teardown.
const summarizeTimeout = 30 * time.Second

// summarizeOutput calls the Anthropic Messages API to generate a short
// plain-text summary of terminal output. The model parameter should be an
// Anthropic model identifier (e.g. "haiku").
func summarizeOutput(ctx context.Context, output string, model string) (string, error) {
	client := anthropic.NewClient()

	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 200,
		System: []anthropic.TextBlockParam{
			{Text: summarizeSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(output)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}

	return "", fmt.Errorf("no text block in response")
}

// generateSummary produces the terminate-time summary from the tail of the
// session history, stripped of escape sequences and redacted. Failures only
// log; the terminate itself never depends on the summary.
func (s *Session) generateSummary() {
	if !s.settings.SummaryEnabled {
		return
	}

	s.mu.Lock()
	total := s.history.len()
	offset := 0
	if total > s.settings.SummaryMaxHistoryBytes {
		offset = total - s.settings.SummaryMaxHistoryBytes
	}
	tail := s.history.slice(offset, 0)
	model := s.settings.SummaryModel
	s.mu.Unlock()

	plain := strings.TrimSpace(term.StripANSI(tail))
	if plain == "" {
		return
	}
	plain = NewRedactionFilter().Redact(plain)

	ctx, cancel := context.WithTimeout(context.Background(), summarizeTimeout)
	defer cancel()

	summary, err := summarizeOutput(ctx, plain, model)
	if err != nil {
		log.Printf("session %s: summarize: %v", s.ID, err)
		return
	}

	s.mu.Lock()
	s.summary = summary
	s.mu.Unlock()
}

// Summary returns the generated summary, empty until terminate.
func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}
