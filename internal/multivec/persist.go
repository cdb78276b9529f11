package multivec

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
	"time"

	"github.com/mistakeknot/tldr-swinton/internal/index"
	"github.com/mistakeknot/tldr-swinton/pkg/types"
)

// On-disk layout under the multi-vector subdirectory:
//
//	meta.json        backend metadata (written last)
//	active/          current index segment
//	  units.json     live units
//	  docs.bin       all document token matrices, zombies included
//
// A full rebuild assembles a tmp-* segment and swaps it in with renames;
// incremental saves rewrite the files inside active/ atomically.
const (
	activeDir = "active"
	unitsFile = "units.json"
	docsFile  = "docs.bin"
)

// subMeta is the backend-specific metadata document. The counters survive
// process restarts so rebuild thresholds keep working across runs.
type subMeta struct {
	EmbedModel     string `json:"embed_model"`
	Count          int    `json:"count"` // live units
	Docs           int    `json:"docs"`  // doc entries including zombies
	IncUpdates     int    `json:"incremental_updates"`
	CumDeleted     int    `json:"cumulative_deleted"`
	TotalAtRebuild int    `json:"total_at_last_rebuild"`
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

// Save persists the current generation, writing the top-level metadata
// file strictly first. After a full rebuild the new segment is built in a
// temp directory and swapped into place with reversible renames; the
// scratch "old" directory is removed on both success and failure paths so
// repeated rebuilds never leak disk space.
func (s *Store) Save(_ context.Context) error {
	s.mu.RLock()
	st := s.cur
	swap := s.pendingSwap
	s.mu.RUnlock()
	if st == nil {
		return errors.New("no index state to save")
	}

	ownLock := !s.guard.Held()
	if ownLock {
		if err := s.guard.Acquire(); err != nil {
			return err
		}
	}

	err := s.save(st, swap)
	if err == nil && swap {
		s.mu.Lock()
		s.pendingSwap = false
		s.mu.Unlock()
	}
	if relErr := s.guard.Release(err == nil); relErr != nil && err == nil {
		err = relErr
	}
	return err
}

func (s *Store) save(st *state, swap bool) error {
	top := index.TopMeta{
		Backend:    index.KindMultiVector,
		EmbedModel: st.model,
		Dimension:  0, // variable, per token
		Count:      st.count(),
	}
	if err := index.WriteTopMeta(s.indexDir, top); err != nil {
		return fmt.Errorf("write top-level metadata: %w", err)
	}

	if swap {
		if err := s.saveSwap(st); err != nil {
			return err
		}
	} else if err := s.saveIncremental(st); err != nil {
		return err
	}

	meta := subMeta{
		EmbedModel:     st.model,
		Count:          st.count(),
		Docs:           len(st.docs),
		IncUpdates:     st.incUpdates,
		CumDeleted:     st.cumDeleted,
		TotalAtRebuild: st.totalAtRebuild,
	}
	if err := index.WriteJSONAtomic(filepath.Join(s.dir, index.MetaFile), meta); err != nil {
		return fmt.Errorf("write backend metadata: %w", err)
	}

	s.logger.Info("index saved", "units", st.count(), "docs", len(st.docs), "swapped", swap)
	return nil
}

// saveIncremental rewrites the active segment's files in place, each via
// an atomic temp-and-rename write.
func (s *Store) saveIncremental(st *state) error {
	active := filepath.Join(s.dir, activeDir)
	unitsData, docsData, err := encodeState(st)
	if err != nil {
		return err
	}
	if err := index.WriteFileAtomic(filepath.Join(active, unitsFile), unitsData); err != nil {
		return fmt.Errorf("write units: %w", err)
	}
	if err := index.WriteFileAtomic(filepath.Join(active, docsFile), docsData); err != nil {
		return fmt.Errorf("write docs: %w", err)
	}
	return nil
}

// saveSwap builds a fresh segment directory and swaps it in:
// active -> old (reversible), tmp -> active, then old is removed. If the
// second rename fails, old is renamed back so the previous index remains
// usable.
func (s *Store) saveSwap(st *state) error {
	ts := time.Now().UnixNano()
	tmp := filepath.Join(s.dir, fmt.Sprintf("tmp-%d", ts))
	old := filepath.Join(s.dir, fmt.Sprintf("old-%d", ts))
	active := filepath.Join(s.dir, activeDir)

	defer func() {
		// Scratch locations must never outlive the swap attempt.
		_ = os.RemoveAll(tmp)
		_ = os.RemoveAll(old)
	}()

	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("create temp segment: %w", err)
	}
	unitsData, docsData, err := encodeState(st)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmp, unitsFile), unitsData, 0o644); err != nil {
		return fmt.Errorf("write temp units: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, docsFile), docsData, 0o644); err != nil {
		return fmt.Errorf("write temp docs: %w", err)
	}

	hadActive := false
	if _, statErr := os.Stat(active); statErr == nil {
		hadActive = true
		if err := os.Rename(active, old); err != nil {
			return fmt.Errorf("stage previous segment: %w", err)
		}
	}
	if err := os.Rename(tmp, active); err != nil {
		if hadActive {
			if revErr := os.Rename(old, active); revErr != nil {
				return fmt.Errorf("activate new segment: %w (revert also failed: %v)", err, revErr)
			}
		}
		return fmt.Errorf("activate new segment: %w", err)
	}
	return nil
}

// Load reads a persisted index into memory. Corrupt state degrades to
// (false, nil) so the caller can rebuild.
func (s *Store) Load(ctx context.Context) (bool, error) {
	return s.load(ctx)
}

func (s *Store) load(_ context.Context) (bool, error) {
	top, ok, err := index.ReadTopMeta(s.indexDir)
	if err != nil {
		s.logger.Warn("corrupt top-level metadata, treating as no index", "error", err)
		return false, nil
	}
	if !ok || top.Backend != index.KindMultiVector {
		return false, nil
	}

	if index.StaleBuild(s.dir) {
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
	if s.emb != nil && meta.EmbedModel != s.emb.Model() {
		s.logger.Warn("persisted model differs from configured embedder, rebuild required",
			"persisted_model", meta.EmbedModel, "configured_model", s.emb.Model())
		return false, nil
	}
	if top.EmbedModel != meta.EmbedModel || top.Count != meta.Count {
		s.logger.Warn("metadata version mismatch, index may be mid-rebuild")
		return false, nil
	}

	active := filepath.Join(s.dir, activeDir)
	unitsData, err := os.ReadFile(filepath.Join(active, unitsFile))
	if err != nil {
		s.logger.Warn("unreadable units file, treating as no index", "error", err)
		return false, nil
	}
	var units []types.CodeUnit
	if err := json.Unmarshal(unitsData, &units); err != nil || len(units) != meta.Count {
		s.logger.Warn("units file inconsistent with metadata, treating as no index", "error", err)
		return false, nil
	}

	docsData, err := os.ReadFile(filepath.Join(active, docsFile))
	if err != nil {
		s.logger.Warn("unreadable docs file, treating as no index", "error", err)
		return false, nil
	}
	docs, err := decodeDocs(docsData, meta.Docs)
	if err != nil {
		s.logger.Warn("docs file inconsistent with metadata, treating as no index", "error", err)
		return false, nil
	}

	st := &state{
		docs:           docs,
		units:          make(map[string]types.CodeUnit, len(units)),
		docRow:         make(map[string]int, len(units)),
		model:          meta.EmbedModel,
		incUpdates:     meta.IncUpdates,
		cumDeleted:     meta.CumDeleted,
		totalAtRebuild: meta.TotalAtRebuild,
	}
	for _, u := range units {
		st.units[u.ID] = u
	}
	// Later rows supersede earlier ones for the same unit.
	for row, d := range docs {
		st.docRow[d.id] = row
	}

	s.mu.Lock()
	s.cur = st
	s.pendingSwap = false
	s.mu.Unlock()

	s.logger.Info("index loaded", "units", len(units), "docs", len(docs))
	return true, nil
}

func encodeState(st *state) (unitsData, docsData []byte, err error) {
	units := make([]types.CodeUnit, 0, len(st.units))
	// Keep doc order for a stable, diffable units file.
	for row, d := range st.docs {
		if st.live(row) {
			units = append(units, st.units[d.id])
		}
	}
	unitsData, err = json.MarshalIndent(units, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("marshal units: %w", err)
	}
	return unitsData, encodeDocs(st.docs), nil
}

// encodeDocs packs doc entries as: idLen, id, tokenCount, dimension,
// then row-major little-endian float32 data.
func encodeDocs(docs []docEntry) []byte {
	var buf bytes.Buffer
	var u32 [4]byte
	writeU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(u32[:], v)
		buf.Write(u32[:])
	}
	for _, d := range docs {
		writeU32(uint32(len(d.id)))
		buf.WriteString(d.id)
		writeU32(uint32(len(d.tokens)))
		dim := 0
		if len(d.tokens) > 0 {
			dim = len(d.tokens[0])
		}
		writeU32(uint32(dim))
		for _, row := range d.tokens {
			for _, f := range row {
				binary.LittleEndian.PutUint32(u32[:], math.Float32bits(f))
				buf.Write(u32[:])
			}
		}
	}
	return buf.Bytes()
}

func decodeDocs(data []byte, count int) ([]docEntry, error) {
	docs := make([]docEntry, 0, count)
	off := 0
	readU32 := func() (uint32, error) {
		if off+4 > len(data) {
			return 0, fmt.Errorf("docs data truncated at offset %d", off)
		}
		v := binary.LittleEndian.Uint32(data[off:])
		off += 4
		return v, nil
	}
	for i := 0; i < count; i++ {
		idLen, err := readU32()
		if err != nil {
			return nil, err
		}
		if off+int(idLen) > len(data) {
			return nil, fmt.Errorf("docs data truncated in id at offset %d", off)
		}
		id := string(data[off : off+int(idLen)])
		off += int(idLen)

		nTokens, err := readU32()
		if err != nil {
			return nil, err
		}
		dim, err := readU32()
		if err != nil {
			return nil, err
		}
		tokens := make([][]float32, nTokens)
		for t := range tokens {
			if off+int(dim)*4 > len(data) {
				return nil, fmt.Errorf("docs data truncated in vectors at offset %d", off)
			}
			row := make([]float32, dim)
			for j := range row {
				row[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
				off += 4
			}
			tokens[t] = row
		}
		docs = append(docs, docEntry{id: id, tokens: tokens})
	}
	if off != len(data) {
		return nil, fmt.Errorf("docs data has %d trailing bytes", len(data)-off)
	}
	return docs, nil
}
