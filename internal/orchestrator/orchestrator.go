// Package orchestrator sequences classification, retrieval, command
// synthesis, and confirmation for each incoming utterance.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberhall/hearth/internal/events"
	"github.com/emberhall/hearth/internal/history"
	"github.com/emberhall/hearth/internal/homeassistant"
	"github.com/emberhall/hearth/internal/music"
	"github.com/emberhall/hearth/internal/refine"
	"github.com/emberhall/hearth/internal/session"
	"github.com/emberhall/hearth/internal/synth"
	"github.com/emberhall/hearth/internal/vecindex"
)

// noMatchMarker keeps the synthesis context non-empty when retrieval
// finds nothing; the model is told to guess rather than given a blank.
const noMatchMarker = "No devices matched. If the user wants to control a device, guess from context."

// Result is the user-facing outcome of one utterance.
type Result struct {
	Response string `json:"response"`
	Success  bool   `json:"success"`
}

// EntitySource lists the current entity snapshot.
type EntitySource interface {
	ListEntities(ctx context.Context) ([]homeassistant.Entity, error)
}

// AreaSource joins the registries into a per-area device summary.
// Optional; area context is skipped when unavailable.
type AreaSource interface {
	DevicesByArea(ctx context.Context) (homeassistant.AreaSummary, []homeassistant.DeviceDetail, error)
}

// Config carries the retrieval tuning knobs.
type Config struct {
	TopK         int
	KeepN        int
	SnippetLimit int
}

// Orchestrator drives the per-utterance pipeline.
type Orchestrator struct {
	cfg      Config
	synth    *synth.Synthesizer
	refiner  *refine.Refiner
	index    *vecindex.Store
	sessions *session.Store
	resolver *session.Resolver
	music    *music.Client
	entities EntitySource
	areas    AreaSource
	hist     *history.Log
	bus      *events.Bus
	logger   *slog.Logger

	areaMu      sync.RWMutex
	areaSummary homeassistant.AreaSummary
	areaDevices []homeassistant.DeviceDetail

	// keyMu guards keyLocks; each conversation key gets its own lock so
	// a confirmation answer cannot race the utterance that created the
	// session. Keys are satellite/device IDs, so the map stays small.
	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex

	rebuilding atomic.Bool
}

// New wires an orchestrator. areas and bus may be nil.
func New(
	cfg Config,
	syn *synth.Synthesizer,
	refiner *refine.Refiner,
	index *vecindex.Store,
	sessions *session.Store,
	resolver *session.Resolver,
	musicClient *music.Client,
	entities EntitySource,
	areas AreaSource,
	hist *history.Log,
	bus *events.Bus,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 50
	}
	if cfg.KeepN <= 0 {
		cfg.KeepN = 20
	}
	if cfg.SnippetLimit <= 0 {
		cfg.SnippetLimit = 1000
	}
	return &Orchestrator{
		cfg:      cfg,
		synth:    syn,
		refiner:  refiner,
		index:    index,
		sessions: sessions,
		resolver: resolver,
		music:    musicClient,
		entities: entities,
		areas:    areas,
		hist:     hist,
		bus:      bus,
		logger:   logger,
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// lockKey serializes utterances for one conversation key.
func (o *Orchestrator) lockKey(key string) *sync.Mutex {
	o.keyMu.Lock()
	defer o.keyMu.Unlock()
	mu, ok := o.keyLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		o.keyLocks[key] = mu
	}
	return mu
}

// Handle processes one utterance for a conversation key and returns
// the assistant's response. Every provider failure along the way
// degrades locally; the caller always gets a Result.
func (o *Orchestrator) Handle(ctx context.Context, text, key string) Result {
	mu := o.lockKey(key)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	o.bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourceOrchestrator,
		Kind:      events.KindRequestStart,
		Data:      map[string]any{"conversation_id": key, "text_len": len(text)},
	})

	if swept := o.sessions.Sweep(start); swept > 0 {
		o.logger.Info("swept expired sessions", "count", swept)
		o.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceSession,
			Kind:      events.KindSessionExpired,
			Data:      map[string]any{"count": swept},
		})
	}

	var result Result
	var intent synth.Intent

	if sess := o.sessions.Get(key); sess != nil && sess.Status == session.StatusAwaitingConfirmation {
		// An open confirmation owns the conversation: no
		// classification, no retrieval.
		response, success := o.resolver.Resolve(ctx, key, text, sess)
		result = Result{Response: response, Success: success}
		intent = "confirmation"
	} else {
		intent = o.synth.Classify(ctx, text)
		o.logger.Info("intent classified", "intent", intent, "key", key)
		result = o.dispatch(ctx, text, key, intent)
	}

	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindRequestComplete,
		Data: map[string]any{
			"conversation_id": key,
			"intent":          string(intent),
			"success":         result.Success,
			"elapsed_ms":      time.Since(start).Milliseconds(),
		},
	})
	return result
}

func (o *Orchestrator) dispatch(ctx context.Context, text, key string, intent synth.Intent) Result {
	switch intent {
	case synth.IntentControl:
		return o.handleControl(ctx, text, key)
	case synth.IntentWeather:
		return Result{Response: "Weather not implemented", Success: true}
	case synth.IntentQuestion:
		return Result{Response: "Question not implemented", Success: true}
	case synth.IntentRebuild:
		go func() {
			// Detached from the request: the rebuild outlives the HTTP
			// exchange that asked for it.
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := o.Rebuild(ctx); err != nil {
				o.logger.Error("background rebuild failed", "error", err)
			}
		}()
		return Result{Response: "Rebuilding database in the background...", Success: true}
	case synth.IntentTest:
		return Result{Response: "Test done", Success: true}
	default:
		o.logger.Warn("unrecognized intent", "intent", intent)
		return Result{}
	}
}

func (o *Orchestrator) handleControl(ctx context.Context, text, key string) Result {
	refined := o.synth.RefineQuery(ctx, text)

	var musicURI string
	if o.synth.WantsMusic(ctx, text) {
		refined += ", media_player, sonos"
		if o.music != nil && o.music.Enabled() {
			musicURI = o.music.Search(ctx, o.synth.MusicQuery(ctx, text))
		}
	}

	candidates, err := o.index.Query(ctx, refined, o.cfg.TopK)
	if err != nil {
		o.logger.Warn("retrieval failed", "error", err)
		candidates = nil
	}
	final := o.refiner.Rerank(refined, candidates, o.cfg.KeepN)
	combined := o.buildContext(final, musicURI)

	o.logger.Debug("synthesis context built",
		"query", refined, "docs", len(final), "music", musicURI != "", "context_len", len(combined))

	commands, err := o.synth.GenerateCommands(ctx, text, combined)
	if err != nil {
		o.logger.Warn("command generation failed", "key", key, "error", err)
		return Result{}
	}
	if len(commands) == 0 {
		// A session with nothing to confirm would trap the next
		// utterance in a pointless yes/no exchange.
		o.logger.Info("no commands generated", "key", key)
		return Result{Response: "No command generated.", Success: false}
	}

	o.sessions.Put(key, &session.Session{
		Commands:  commands,
		Status:    session.StatusAwaitingConfirmation,
		CreatedAt: time.Now(),
		EntityID:  key,
	})

	confirmation := o.synth.Confirmation(ctx, text, commands)
	o.hist.Append(history.Entry{
		UserText:  text,
		DeviceID:  key,
		SessionID: key,
		Response:  confirmation,
		Commands:  history.Refs(commands),
		Metadata:  map[string]string{"status": session.StatusAwaitingConfirmation},
	})

	// Pending: the user still has to say yes.
	return Result{Response: confirmation, Success: false}
}

// buildContext assembles the device info block handed to command
// generation. Never empty: zero candidates yield the no-match marker.
func (o *Orchestrator) buildContext(docs []vecindex.Result, musicURI string) string {
	var parts []string
	if musicURI != "" {
		parts = append(parts, "The user wants music, please play on media player using spotify URI => "+musicURI)
	}
	if len(docs) == 0 {
		parts = append(parts, noMatchMarker)
	} else {
		for _, doc := range docs {
			snippet := doc.Content
			if len(snippet) > o.cfg.SnippetLimit {
				snippet = snippet[:o.cfg.SnippetLimit]
			}
			parts = append(parts, snippet)
		}
	}
	if areas := o.AreaSummary(); len(areas) > 0 {
		parts = append(parts, areas.String())
	}
	return strings.Join(parts, "\n\n")
}

// Rebuild re-snapshots the entity list, refreshes the area summary,
// and rebuilds the vector index. Concurrent calls collapse to one.
func (o *Orchestrator) Rebuild(ctx context.Context) error {
	if !o.rebuilding.CompareAndSwap(false, true) {
		o.logger.Info("rebuild already in progress")
		return nil
	}
	defer o.rebuilding.Store(false)

	start := time.Now()
	o.bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourceIndex,
		Kind:      events.KindRebuildStart,
	})

	docs, err := o.CollectDocuments(ctx)
	if err == nil {
		err = o.index.Rebuild(ctx, docs)
	}

	if o.areas != nil {
		if summary, devices, areaErr := o.areas.DevicesByArea(ctx); areaErr != nil {
			o.logger.Warn("area summary refresh failed", "error", areaErr)
		} else {
			o.areaMu.Lock()
			o.areaSummary = summary
			o.areaDevices = devices
			o.areaMu.Unlock()
		}
	}

	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceIndex,
		Kind:      events.KindRebuildComplete,
		Data: map[string]any{
			"documents":  len(docs),
			"ok":         err == nil,
			"elapsed_ms": time.Since(start).Milliseconds(),
		},
	})

	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	o.logger.Info("rebuild finished", "documents", len(docs), "elapsed", time.Since(start))
	return nil
}

// CollectDocuments snapshots the exposed entities, filters them, and
// renders one retrieval document per entity. Suitable as the index's
// on-demand rebuild source.
func (o *Orchestrator) CollectDocuments(ctx context.Context) ([]vecindex.Document, error) {
	entities, err := o.entities.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	filtered := o.refiner.Filter(entities)
	o.logger.Info("entity snapshot", "total", len(entities), "indexed", len(filtered))

	docs := make([]vecindex.Document, len(filtered))
	for i, e := range filtered {
		docs[i] = vecindex.Document{
			Content: renderEntity(e),
			Metadata: vecindex.Metadata{
				EntityID: e.EntityID,
				Domain:   e.Domain,
			},
		}
	}
	return docs, nil
}

// renderEntity formats one entity as retrieval text. Attribute keys
// are sorted so the document is stable across rebuilds.
func renderEntity(e homeassistant.Entity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entity: %s\nName: %s\nDomain: %s\n", e.EntityID, e.Name, e.Domain)
	if len(e.Attributes) > 0 {
		keys := make([]string, 0, len(e.Attributes))
		for k := range e.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Attributes:")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Attributes[k])
		}
		b.WriteString("\n")
	}
	return b.String()
}

// AreaSummary returns the last captured area summary, or nil.
func (o *Orchestrator) AreaSummary() homeassistant.AreaSummary {
	o.areaMu.RLock()
	defer o.areaMu.RUnlock()
	return o.areaSummary
}

// AreaDevices returns the last captured device details.
func (o *Orchestrator) AreaDevices() []homeassistant.DeviceDetail {
	o.areaMu.RLock()
	defer o.areaMu.RUnlock()
	return o.areaDevices
}

// SessionCount reports live confirmation sessions, for status export.
func (o *Orchestrator) SessionCount() int {
	return o.sessions.Len()
}

// IndexedDocuments reports the size of the current index snapshot.
func (o *Orchestrator) IndexedDocuments() int {
	return o.index.Len()
}
