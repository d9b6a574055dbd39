package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/emberhall/hearth/internal/config"
	"github.com/emberhall/hearth/internal/history"
	"github.com/emberhall/hearth/internal/homeassistant"
	"github.com/emberhall/hearth/internal/refine"
	"github.com/emberhall/hearth/internal/session"
	"github.com/emberhall/hearth/internal/synth"
	"github.com/emberhall/hearth/internal/vecindex"
)

// scriptedLLM answers by matching substrings of the system prompt and
// records the system prompt of the command generation call.
type scriptedLLM struct {
	intent      string
	commands    string
	lastCmdCtx  string
	musicAnswer string
}

func (s *scriptedLLM) Complete(ctx context.Context, model, system, user string) (string, error) {
	switch {
	case strings.Contains(system, "Analyze the following user text"):
		return s.intent, nil
	case strings.Contains(system, "essential keywords"):
		return strings.ToLower(user), nil
	case strings.Contains(system, "playing music"):
		if s.musicAnswer == "" {
			return "false", nil
		}
		return s.musicAnswer, nil
	case strings.Contains(system, "command generator"):
		s.lastCmdCtx = system
		return s.commands, nil
	case strings.Contains(system, "asking the user to confirm"):
		return "Shall I turn on the office light?", nil
	}
	return "", errors.New("unscripted call")
}

func (s *scriptedLLM) Ping(ctx context.Context) error { return nil }

// fakeEmbedder gives every text the same vector, so retrieval order is
// document order.
type fakeEmbedder struct{ fail bool }

func (f *fakeEmbedder) Generate(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, errors.New("embedder down")
	}
	return []float32{1, 0}, nil
}

func (f *fakeEmbedder) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := f.Generate(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type fakeEntities struct {
	entities []homeassistant.Entity
	err      error
}

func (f *fakeEntities) ListEntities(ctx context.Context) ([]homeassistant.Entity, error) {
	return f.entities, f.err
}

type fakeExecutor struct {
	results []bool
	calls   int
}

func (f *fakeExecutor) Execute(ctx context.Context, service string, data map[string]any) bool {
	f.calls++
	if f.calls > len(f.results) {
		return true
	}
	return f.results[f.calls-1]
}

type fixture struct {
	orch     *Orchestrator
	llm      *scriptedLLM
	embedder *fakeEmbedder
	exec     *fakeExecutor
	sessions *session.Store
	index    *vecindex.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	llmClient := &scriptedLLM{intent: "test"}
	embedder := &fakeEmbedder{}
	exec := &fakeExecutor{}

	index := vecindex.New(t.TempDir(), embedder, logger)
	sessions := session.NewStore(300 * time.Second)
	hist := history.New(t.TempDir(), logger)
	resolver := session.NewResolver(sessions, exec, hist, nil, session.Config{
		YesWords: config.DefaultYesWords(),
		NoWords:  config.DefaultNoWords(),
	}, logger)
	refiner := refine.New(refine.Config{
		ExcludedDomains:  config.DefaultExcludedDomains(),
		PreferredDomains: config.DefaultPreferredDomains(),
		RoomKeywords:     config.DefaultRoomKeywords(),
	})
	syn := synth.New(llmClient, "mini", "", logger)

	entities := &fakeEntities{entities: []homeassistant.Entity{
		{EntityID: "light.office", Name: "Office Lamp", Domain: "light"},
	}}

	orch := New(Config{TopK: 50, KeepN: 20, SnippetLimit: 1000},
		syn, refiner, index, sessions, resolver, nil, entities, nil, hist, nil, logger)

	return &fixture{
		orch:     orch,
		llm:      llmClient,
		embedder: embedder,
		exec:     exec,
		sessions: sessions,
		index:    index,
	}
}

func TestHandleWeather(t *testing.T) {
	f := newFixture(t)
	f.llm.intent = "weather"

	got := f.orch.Handle(context.Background(), "what's the weather", "dev-1")
	if got.Response != "Weather not implemented" || !got.Success {
		t.Errorf("got %+v", got)
	}
}

func TestHandleQuestionAndTest(t *testing.T) {
	f := newFixture(t)

	f.llm.intent = "question"
	if got := f.orch.Handle(context.Background(), "why is the sky blue", "dev-1"); got.Response != "Question not implemented" || !got.Success {
		t.Errorf("question: %+v", got)
	}

	f.llm.intent = "test"
	if got := f.orch.Handle(context.Background(), "ping", "dev-1"); got.Response != "Test done" || !got.Success {
		t.Errorf("test: %+v", got)
	}
}

func TestControlCreatesPendingSession(t *testing.T) {
	f := newFixture(t)
	f.llm.intent = "control"
	f.llm.commands = `[{"service":"light.turn_on","data":{"entity_id":"light.office"}}]`

	if err := f.orch.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	got := f.orch.Handle(context.Background(), "turn on the office light", "dev-1")

	if got.Success {
		t.Error("pending confirmation must report success=false")
	}
	if got.Response != "Shall I turn on the office light?" {
		t.Errorf("response = %q", got.Response)
	}
	sess := f.sessions.Get("dev-1")
	if sess == nil || sess.Status != session.StatusAwaitingConfirmation {
		t.Fatalf("session = %+v", sess)
	}
	if len(sess.Commands) != 1 || sess.Commands[0].Service != "light.turn_on" {
		t.Errorf("session commands = %+v", sess.Commands)
	}
	if !strings.Contains(f.llm.lastCmdCtx, "Entity: light.office") {
		t.Errorf("device context missing from prompt: %q", f.llm.lastCmdCtx)
	}
}

func TestConfirmationYesExecutes(t *testing.T) {
	f := newFixture(t)
	f.llm.intent = "control"
	f.llm.commands = `[{"service":"light.turn_on","data":{"entity_id":"light.office"}}]`
	if err := f.orch.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.orch.Handle(context.Background(), "turn on the office light", "dev-1")

	// While awaiting confirmation, classification is skipped entirely:
	// even though the scripted intent says "control", "yes" resolves.
	got := f.orch.Handle(context.Background(), "yes", "dev-1")
	if got.Response != "Done." || !got.Success {
		t.Errorf("got %+v", got)
	}
	if f.exec.calls != 1 {
		t.Errorf("executed %d commands, want 1", f.exec.calls)
	}
	if f.sessions.Get("dev-1") != nil {
		t.Error("session survived execution")
	}
}

func TestConfirmationMaybeReprompts(t *testing.T) {
	f := newFixture(t)
	f.llm.intent = "control"
	f.llm.commands = `[{"service":"light.turn_on","data":{"entity_id":"light.office"}}]`
	if err := f.orch.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.orch.Handle(context.Background(), "turn on the office light", "dev-1")
	got := f.orch.Handle(context.Background(), "maybe", "dev-1")

	if got.Response != "Please say yes or no." || got.Success {
		t.Errorf("got %+v", got)
	}
	if f.sessions.Get("dev-1") == nil {
		t.Error("session must survive a re-prompt")
	}
	if f.exec.calls != 0 {
		t.Error("commands executed without confirmation")
	}
}

func TestControlRetrievalFailureUsesNoMatchMarker(t *testing.T) {
	f := newFixture(t)
	f.llm.intent = "control"
	f.llm.commands = `[]`
	if err := f.orch.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Query embedding fails after the index is built: zero candidates.
	f.embedder.fail = true

	f.orch.Handle(context.Background(), "turn on the thing", "dev-1")

	if !strings.Contains(f.llm.lastCmdCtx, noMatchMarker) {
		t.Errorf("context missing no-match marker: %q", f.llm.lastCmdCtx)
	}
}

func TestControlBadCommandJSON(t *testing.T) {
	f := newFixture(t)
	f.llm.intent = "control"
	f.llm.commands = "I'd be happy to help with that!"
	if err := f.orch.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := f.orch.Handle(context.Background(), "turn on the light", "dev-1")
	if got.Response != "" || got.Success {
		t.Errorf("got %+v, want empty failure result", got)
	}
	if f.sessions.Get("dev-1") != nil {
		t.Error("session created despite parse failure")
	}
}

func TestControlEmptyCommandListOpensNoSession(t *testing.T) {
	f := newFixture(t)
	f.llm.intent = "control"
	// Valid JSON, zero commands: there is nothing to confirm.
	f.llm.commands = `[]`
	if err := f.orch.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := f.orch.Handle(context.Background(), "turn on the light", "dev-1")
	if got.Response != "No command generated." || got.Success {
		t.Errorf("got %+v", got)
	}
	if f.sessions.Get("dev-1") != nil {
		t.Fatal("session created with zero commands")
	}

	// The next utterance must be classified normally, not swallowed by
	// a confirmation prompt that would execute nothing.
	f.llm.intent = "test"
	got = f.orch.Handle(context.Background(), "yes", "dev-1")
	if got.Response != "Test done" {
		t.Errorf("follow-up response = %q", got.Response)
	}
	if f.exec.calls != 0 {
		t.Errorf("executed %d commands, want 0", f.exec.calls)
	}
}

func TestHandleRebuildIntent(t *testing.T) {
	f := newFixture(t)
	f.llm.intent = "rebuild_database"

	got := f.orch.Handle(context.Background(), "rebuild database", "dev-1")
	if got.Response != "Rebuilding database in the background..." || !got.Success {
		t.Errorf("got %+v", got)
	}
}

func TestRebuildIndexesFilteredEntities(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if got := f.orch.IndexedDocuments(); got != 1 {
		t.Errorf("indexed %d documents, want 1", got)
	}
}

func TestRebuildFailsWhenEntitySourceDown(t *testing.T) {
	f := newFixture(t)
	src := &fakeEntities{err: errors.New("unreachable")}
	f.orch.entities = src

	if err := f.orch.Rebuild(context.Background()); err == nil {
		t.Error("expected error when entity source is down")
	}
}
