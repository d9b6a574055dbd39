// Package synth turns free-form utterances into intents and Home
// Assistant commands through a series of stateless LLM calls.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emberhall/hearth/internal/llm"
)

// Intent is the coarse category assigned to an utterance.
type Intent string

const (
	IntentControl  Intent = "control"
	IntentQuestion Intent = "question"
	IntentWeather  Intent = "weather"
	IntentRebuild  Intent = "rebuild_database"
	IntentTest     Intent = "test"
)

var validIntents = map[Intent]bool{
	IntentControl:  true,
	IntentQuestion: true,
	IntentWeather:  true,
	IntentRebuild:  true,
	IntentTest:     true,
}

// Synthesizer issues the classification, refinement, and command
// generation calls. Every call degrades to a safe fallback when the
// provider misbehaves; callers never see a provider error except from
// GenerateCommands, whose parse failures are part of its contract.
type Synthesizer struct {
	llm      llm.Client
	model    string
	cmdModel string
	logger   *slog.Logger
}

// New creates a Synthesizer. model serves the cheap classification
// calls; cmdModel serves command generation and may be a stronger
// model. An empty cmdModel falls back to model.
func New(client llm.Client, model, cmdModel string, logger *slog.Logger) *Synthesizer {
	if cmdModel == "" {
		cmdModel = model
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		llm:      client,
		model:    model,
		cmdModel: cmdModel,
		logger:   logger,
	}
}

// complete is the single fallible-call wrapper every LLM call goes
// through: call, catch, map to fallback, log.
func (s *Synthesizer) complete(ctx context.Context, op, model, system, user, fallback string) string {
	out, err := s.llm.Complete(ctx, model, system, user)
	if err != nil {
		s.logger.Warn("llm call failed", "op", op, "error", err)
		return fallback
	}
	return strings.TrimSpace(out)
}

// Classify assigns an intent to text. Any provider failure or
// unexpected output maps to IntentTest.
func (s *Synthesizer) Classify(ctx context.Context, text string) Intent {
	out := s.complete(ctx, "classify", s.model, classifyPrompt, text, string(IntentTest))
	intent := Intent(strings.ToLower(out))
	if !validIntents[intent] {
		s.logger.Debug("unexpected classification", "output", out)
		return IntentTest
	}
	return intent
}

// RefineQuery reduces text to retrieval keywords. Falls back to the
// original text.
func (s *Synthesizer) RefineQuery(ctx context.Context, text string) string {
	out := s.complete(ctx, "refine_query", s.model, refineQueryPrompt, text, text)
	if out == "" {
		return text
	}
	return strings.ToLower(out)
}

// WantsMusic reports whether the utterance implies playing music.
// Anything but a clean "true" means no.
func (s *Synthesizer) WantsMusic(ctx context.Context, text string) bool {
	out := s.complete(ctx, "wants_music", s.model, wantsMusicPrompt, text, "false")
	return strings.ToLower(out) == "true"
}

// MusicQuery produces a Spotify search query for the utterance,
// falling back to the raw text.
func (s *Synthesizer) MusicQuery(ctx context.Context, text string) string {
	out := s.complete(ctx, "music_query", s.model, musicQueryPrompt, text, text)
	if out == "" {
		return text
	}
	return out
}

// Confirmation phrases the pending commands as a spoken yes/no
// question. The fallback is a deterministic summary built from the
// command list so confirmation never depends on the provider.
func (s *Synthesizer) Confirmation(ctx context.Context, text string, commands []Command) string {
	labels := make([]string, len(commands))
	for i, c := range commands {
		labels[i] = c.Label()
	}
	user := fmt.Sprintf("Request: %s\nService calls: %s", text, strings.Join(labels, "; "))

	fallback := fmt.Sprintf("I'm ready to run %d action(s): %s. Should I go ahead?",
		len(commands), strings.Join(labels, ", "))

	out := s.complete(ctx, "confirmation", s.model, confirmationPrompt, user, fallback)
	if out == "" {
		return fallback
	}
	return out
}

// GenerateCommands asks the model for service calls given the device
// context. Malformed output is reported as ErrBadCommandJSON with an
// empty list; provider failures map to the same empty-output path.
func (s *Synthesizer) GenerateCommands(ctx context.Context, text, deviceContext string) ([]Command, error) {
	system := fmt.Sprintf(commandsPromptFormat, deviceContext)
	out := s.complete(ctx, "generate_commands", s.cmdModel, system, text, "")

	commands, err := ParseCommands(out)
	if err != nil {
		s.logger.Warn("command parse failed", "output", truncate(out, 200), "error", err)
		return nil, err
	}
	return commands, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
