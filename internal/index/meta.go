package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// MetaVersion is the on-disk metadata format version.
	MetaVersion = "1.0"

	// MetaFile is the metadata file name, used both at the index top
	// level and inside each backend subdirectory.
	MetaFile = "meta.json"

	// SentinelFile marks an in-progress or crashed build inside a
	// backend subdirectory.
	SentinelFile = ".build_in_progress"

	// LockFile is the flock target for build serialization. Never read
	// for content.
	LockFile = ".build.lock"

	// indexDirName is the per-project index location relative to the
	// project root.
	indexDirName = ".swinton/index"
)

// TopMeta is the top-level metadata document. It is the single source of
// truth for which backend built the active index and must be written
// before any backend-specific metadata file.
type TopMeta struct {
	Backend    Kind   `json:"backend"`
	Version    string `json:"version"`
	EmbedModel string `json:"embed_model"`
	Dimension  int    `json:"dimension"`
	Count      int    `json:"count"`
}

// Dir returns the index directory for a project.
func Dir(projectPath string) string {
	return filepath.Join(projectPath, filepath.FromSlash(indexDirName))
}

// SubDir returns a backend's own subdirectory under the index directory.
func SubDir(indexDir string, kind Kind) string {
	return filepath.Join(indexDir, string(kind))
}

// WriteFileAtomic writes data to path via a temp file in the same
// directory plus rename, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// WriteJSONAtomic marshals v and writes it atomically to path.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, data)
}

// WriteTopMeta atomically writes the top-level metadata file.
func WriteTopMeta(indexDir string, meta TopMeta) error {
	meta.Version = MetaVersion
	return WriteJSONAtomic(filepath.Join(indexDir, MetaFile), meta)
}

// ReadTopMeta reads the top-level metadata file. The boolean is false
// when the file does not exist; malformed content is an error so callers
// can treat it as corrupt state.
func ReadTopMeta(indexDir string) (TopMeta, bool, error) {
	data, err := os.ReadFile(filepath.Join(indexDir, MetaFile))
	if os.IsNotExist(err) {
		return TopMeta{}, false, nil
	}
	if err != nil {
		return TopMeta{}, false, fmt.Errorf("read top-level metadata: %w", err)
	}
	var meta TopMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return TopMeta{}, false, fmt.Errorf("parse top-level metadata: %w", err)
	}
	if meta.Backend != KindSingleVector && meta.Backend != KindMultiVector {
		return TopMeta{}, false, fmt.Errorf("%w: %q in top-level metadata", ErrUnknownBackend, meta.Backend)
	}
	return meta, true, nil
}
