// Package vecindex stores entity documents with their embeddings and
// answers similarity queries over them.
package vecindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/emberhall/hearth/internal/embeddings"
)

// ErrNotFound indicates no persisted index exists (or the persisted
// pair is unreadable or inconsistent).
var ErrNotFound = errors.New("vecindex: index not found")

// Metadata identifies the entity a document describes.
type Metadata struct {
	EntityID string `json:"entity_id"`
	Domain   string `json:"domain"`
}

// Document is one indexed entity description.
type Document struct {
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// Result is a document with its similarity score.
type Result struct {
	Document
	Score float32
}

// SentinelDocument is returned by Query when no index has been built
// and no rebuild source is available.
func SentinelDocument() Document {
	return Document{
		Content: "Please say 'rebuild database' to refresh my device list.",
		Metadata: Metadata{
			EntityID: "assistant.rebuild_request",
			Domain:   "assistant",
		},
	}
}

// Embedder generates embedding vectors for texts.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
	GenerateBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// snapshot is an immutable index state. Matrix rows are unit-normalized
// at build time so queries reduce to dot products.
type snapshot struct {
	docs   []Document
	matrix [][]float32
	dim    int
}

// Store holds the current index snapshot and its on-disk mirror.
type Store struct {
	dataDir  string
	embedder Embedder
	logger   *slog.Logger

	mu   sync.RWMutex
	snap *snapshot

	// source, when set, lets Query rebuild a missing index on demand.
	source func(ctx context.Context) ([]Document, error)
}

// New creates a store persisting under dataDir.
func New(dataDir string, embedder Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dataDir:  dataDir,
		embedder: embedder,
		logger:   logger,
	}
}

// SetSource registers a document source used when Query finds no
// snapshot loaded.
func (s *Store) SetSource(fn func(ctx context.Context) ([]Document, error)) {
	s.mu.Lock()
	s.source = fn
	s.mu.Unlock()
}

// Len reports the number of indexed documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return 0
	}
	return len(s.snap.docs)
}

// Rebuild embeds docs and swaps in a fresh snapshot. Any embedding
// failure aborts the whole rebuild; the previous snapshot and the
// persisted pair stay untouched.
func (s *Store) Rebuild(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return fmt.Errorf("rebuild with no documents")
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}

	vectors, err := s.embedder.GenerateBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("got %d vectors for %d documents", len(vectors), len(docs))
	}

	dim := len(vectors[0])
	matrix := make([][]float32, len(vectors))
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("vector %d has dim %d, want %d", i, len(v), dim)
		}
		matrix[i] = embeddings.Normalize(v)
	}

	snap := &snapshot{docs: docs, matrix: matrix, dim: dim}

	if err := s.persist(snap); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	s.logger.Info("index rebuilt", "documents", len(docs), "dim", dim)
	return nil
}

// Load restores the persisted snapshot from disk. Returns ErrNotFound
// when no consistent pair exists.
func (s *Store) Load() error {
	snap, err := s.load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	s.logger.Info("index loaded", "documents", len(snap.docs), "dim", snap.dim)
	return nil
}

// Query embeds text and returns the k most similar documents, highest
// score first, ties broken by document order. With no snapshot loaded
// it attempts one rebuild via the registered source, and failing that
// returns the rebuild-request sentinel.
func (s *Store) Query(ctx context.Context, text string, k int) ([]Result, error) {
	s.mu.RLock()
	snap := s.snap
	source := s.source
	s.mu.RUnlock()

	if snap == nil && source != nil {
		docs, err := source(ctx)
		if err != nil {
			s.logger.Warn("on-demand rebuild source failed", "error", err)
		} else if err := s.Rebuild(ctx, docs); err != nil {
			s.logger.Warn("on-demand rebuild failed", "error", err)
		} else {
			s.mu.RLock()
			snap = s.snap
			s.mu.RUnlock()
		}
	}

	if snap == nil {
		return []Result{{Document: SentinelDocument(), Score: 0}}, nil
	}

	qvec, err := s.embedder.Generate(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(qvec) != snap.dim {
		return nil, fmt.Errorf("query dim %d, index dim %d", len(qvec), snap.dim)
	}
	qvec = embeddings.Normalize(qvec)

	results := make([]Result, len(snap.docs))
	for i, row := range snap.matrix {
		var dot float32
		for j := range row {
			dot += row[j] * qvec[j]
		}
		results[i] = Result{Document: snap.docs[i], Score: dot}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if k > 0 && k < len(results) {
		results = results[:k]
	}
	return results, nil
}
