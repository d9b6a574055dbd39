package vecindex

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const (
	manifestFile     = "documents.json"
	embeddingsGlob   = "embeddings-*.bin"
	embeddingsFormat = "embeddings-%d.bin"
)

// manifest is the on-disk root of the index. It carries the document
// list and names the embeddings file it was built with, so renaming
// the manifest into place commits both halves of the pair at once. A
// crash before that rename leaves the previous manifest pointing at
// the previous embeddings file, which is never overwritten.
type manifest struct {
	Embeddings string     `json:"embeddings"`
	Documents  []Document `json:"documents"`
}

func (s *Store) persist(snap *snapshot) error {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	embName := fmt.Sprintf(embeddingsFormat, time.Now().UnixNano())
	if err := s.writeEmbeddings(embName, snap); err != nil {
		return err
	}
	if err := s.writeManifest(manifest{Embeddings: embName, Documents: snap.docs}); err != nil {
		return err
	}
	s.removeStaleEmbeddings(embName)
	return nil
}

// writeEmbeddings writes the matrix under a name no manifest refers to
// yet, so a partial write can never be paired with live documents.
func (s *Store) writeEmbeddings(name string, snap *snapshot) error {
	path := filepath.Join(s.dataDir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint32(snap.dim)); err != nil {
		f.Close()
		return fmt.Errorf("write dim header: %w", err)
	}
	for _, row := range snap.matrix {
		if err := binary.Write(w, binary.LittleEndian, row); err != nil {
			f.Close()
			return fmt.Errorf("write embedding row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush embeddings: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close embeddings: %w", err)
	}
	return nil
}

// writeManifest renames the new manifest into place. This rename is
// the commit point for the whole snapshot.
func (s *Store) writeManifest(m manifest) error {
	path := filepath.Join(s.dataDir, manifestFile)
	tmp := path + ".tmp"

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	defer os.Remove(tmp)
	return os.Rename(tmp, path)
}

// removeStaleEmbeddings deletes embeddings files no longer referenced
// by the manifest, including partial writes from interrupted rebuilds.
func (s *Store) removeStaleEmbeddings(live string) {
	matches, err := filepath.Glob(filepath.Join(s.dataDir, embeddingsGlob))
	if err != nil {
		return
	}
	for _, m := range matches {
		if filepath.Base(m) == live {
			continue
		}
		if err := os.Remove(m); err != nil {
			s.logger.Warn("remove stale embeddings file", "path", m, "error", err)
		}
	}
}

// load reads the persisted pair. Any missing file, decode failure, or
// row/document count mismatch yields ErrNotFound so callers treat a
// damaged index the same as an absent one.
func (s *Store) load() (*snapshot, error) {
	m, err := s.readManifest()
	if err != nil {
		return nil, err
	}
	dim, matrix, err := s.readEmbeddings(filepath.Base(m.Embeddings))
	if err != nil {
		return nil, err
	}
	if len(matrix) != len(m.Documents) {
		s.logger.Warn("index pair mismatch",
			"embeddings", len(matrix), "documents", len(m.Documents))
		return nil, ErrNotFound
	}
	return &snapshot{docs: m.Documents, matrix: matrix, dim: dim}, nil
}

func (s *Store) readManifest() (manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.dataDir, manifestFile))
	if err != nil {
		return manifest{}, ErrNotFound
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn("manifest unreadable", "error", err)
		return manifest{}, ErrNotFound
	}
	if m.Embeddings == "" {
		s.logger.Warn("manifest names no embeddings file")
		return manifest{}, ErrNotFound
	}
	return m, nil
}

func (s *Store) readEmbeddings(name string) (int, [][]float32, error) {
	f, err := os.Open(filepath.Join(s.dataDir, name))
	if err != nil {
		return 0, nil, ErrNotFound
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var dim uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		s.logger.Warn("embeddings file unreadable", "error", err)
		return 0, nil, ErrNotFound
	}
	if dim == 0 || dim > 1<<16 {
		s.logger.Warn("embeddings file has implausible dim", "dim", dim)
		return 0, nil, ErrNotFound
	}

	var matrix [][]float32
	for {
		row := make([]float32, dim)
		err := binary.Read(r, binary.LittleEndian, row)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// io.ErrUnexpectedEOF here means a truncated row.
			s.logger.Warn("embeddings file truncated", "error", err)
			return 0, nil, ErrNotFound
		}
		matrix = append(matrix, row)
	}
	return int(dim), matrix, nil
}
