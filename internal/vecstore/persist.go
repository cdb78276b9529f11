package vecstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/mistakeknot/tldr-swinton/internal/index"
	"github.com/mistakeknot/tldr-swinton/pkg/types"
)

// Backend-specific file names under the single-vector subdirectory.
const (
	unitsFile   = "units.json"
	vectorsFile = "vectors.f32"
)

// subMeta is the backend-specific metadata document. It is written last
// on save, so its presence implies the data files are complete.
type subMeta struct {
	EmbedModel string `json:"embed_model"`
	Dimension  int    `json:"dimension"`
	Count      int    `json:"count"`
}

func readSubMeta(dir string) (subMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, index.MetaFile))
	if err != nil {
		return subMeta{}, err
	}
	var meta subMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return subMeta{}, fmt.Errorf("parse backend metadata: %w", err)
	}
	return meta, nil
}

// Save persists the current generation. The top-level metadata file is
// written strictly first so a concurrent reader that sees it either finds
// complete backend data or cleanly fails to load.
func (s *Store) Save(_ context.Context) error {
	st := s.snapshot()
	if st == nil {
		return errors.New("no index state to save")
	}

	ownLock := !s.guard.Held()
	if ownLock {
		if err := s.guard.Acquire(); err != nil {
			return err
		}
	}

	err := s.save(st)
	if relErr := s.guard.Release(err == nil); relErr != nil && err == nil {
		err = relErr
	}
	return err
}

func (s *Store) save(st *state) error {
	top := index.TopMeta{
		Backend:    index.KindSingleVector,
		EmbedModel: st.model,
		Dimension:  st.dim,
		Count:      st.count(),
	}
	if err := index.WriteTopMeta(s.indexDir, top); err != nil {
		return fmt.Errorf("write top-level metadata: %w", err)
	}

	units := make([]types.CodeUnit, len(st.ids))
	for i, id := range st.ids {
		units[i] = st.units[id]
	}
	unitsData, err := json.MarshalIndent(units, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal units: %w", err)
	}
	if err := index.WriteFileAtomic(filepath.Join(s.dir, unitsFile), unitsData); err != nil {
		return fmt.Errorf("write units: %w", err)
	}

	if err := index.WriteFileAtomic(filepath.Join(s.dir, vectorsFile), encodeVectors(st.vectors)); err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}

	// Backend metadata goes last: it confirms the data files above.
	meta := subMeta{EmbedModel: st.model, Dimension: st.dim, Count: st.count()}
	if err := index.WriteJSONAtomic(filepath.Join(s.dir, index.MetaFile), meta); err != nil {
		return fmt.Errorf("write backend metadata: %w", err)
	}

	s.logger.Info("index saved", "units", st.count(), "dimension", st.dim)
	return nil
}

// Load reads a persisted index into memory. All corrupt-state conditions
// degrade to (false, nil): the caller can always trigger a fresh build.
func (s *Store) Load(ctx context.Context) (bool, error) {
	return s.load(ctx)
}

func (s *Store) load(_ context.Context) (bool, error) {
	top, ok, err := index.ReadTopMeta(s.indexDir)
	if err != nil {
		s.logger.Warn("corrupt top-level metadata, treating as no index", "error", err)
		return false, nil
	}
	if !ok || top.Backend != index.KindSingleVector {
		return false, nil
	}

	if index.StaleBuild(s.dir) {
		// Distinguish a crashed build from one running in another
		// process: only clean up if we can take the lock.
		if err := s.guard.Acquire(); err != nil {
			if errors.Is(err, index.ErrBuildInProgress) {
				return false, nil
			}
			return false, err
		}
		cleanErr := index.CleanupStale(s.dir)
		if relErr := s.guard.Release(true); relErr != nil {
			s.logger.Warn("release lock after cleanup", "error", relErr)
		}
		if cleanErr != nil {
			return false, cleanErr
		}
		s.logger.Warn("cleaned up artifacts from incomplete build")
		return false, nil
	}

	meta, err := readSubMeta(s.dir)
	if err != nil {
		s.logger.Warn("unreadable backend metadata, treating as no index", "error", err)
		return false, nil
	}
	if s.emb != nil && (meta.EmbedModel != s.emb.Model() || meta.Dimension != s.emb.Dimension()) {
		s.logger.Warn("persisted model or dimension differs from configured embedder, rebuild required",
			"persisted_model", meta.EmbedModel, "configured_model", s.emb.Model())
		return false, nil
	}
	if top.EmbedModel != meta.EmbedModel || top.Count != meta.Count {
		// Narrow save window: the top-level file is from a newer build
		// than the backend files. Treat as index-being-rebuilt.
		s.logger.Warn("metadata version mismatch, index may be mid-rebuild")
		return false, nil
	}

	unitsData, err := os.ReadFile(filepath.Join(s.dir, unitsFile))
	if err != nil {
		s.logger.Warn("unreadable units file, treating as no index", "error", err)
		return false, nil
	}
	var units []types.CodeUnit
	if err := json.Unmarshal(unitsData, &units); err != nil || len(units) != meta.Count {
		s.logger.Warn("units file inconsistent with metadata, treating as no index", "error", err)
		return false, nil
	}

	vecData, err := os.ReadFile(filepath.Join(s.dir, vectorsFile))
	if err != nil {
		s.logger.Warn("unreadable vectors file, treating as no index", "error", err)
		return false, nil
	}
	vectors, err := decodeVectors(vecData, meta.Count, meta.Dimension)
	if err != nil {
		s.logger.Warn("vectors file inconsistent with metadata, treating as no index", "error", err)
		return false, nil
	}

	st := &state{
		dim:     meta.Dimension,
		model:   meta.EmbedModel,
		ids:     make([]string, len(units)),
		vectors: vectors,
		units:   make(map[string]types.CodeUnit, len(units)),
		rows:    make(map[string]int, len(units)),
	}
	for i, u := range units {
		st.ids[i] = u.ID
		st.units[u.ID] = u
		st.rows[u.ID] = i
	}

	s.mu.Lock()
	s.cur = st
	s.mu.Unlock()

	s.logger.Info("index loaded", "units", len(units), "dimension", meta.Dimension)
	return true, nil
}

// encodeVectors packs row-major float32 vectors in little-endian order.
func encodeVectors(vectors [][]float32) []byte {
	var buf bytes.Buffer
	for _, vec := range vectors {
		for _, f := range vec {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
			buf.Write(b[:])
		}
	}
	return buf.Bytes()
}

func decodeVectors(data []byte, count, dim int) ([][]float32, error) {
	want := count * dim * 4
	if len(data) != want {
		return nil, fmt.Errorf("vector data is %d bytes, want %d (count=%d dim=%d)", len(data), want, count, dim)
	}
	vectors := make([][]float32, count)
	off := 0
	for i := 0; i < count; i++ {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		vectors[i] = vec
	}
	return vectors, nil
}
