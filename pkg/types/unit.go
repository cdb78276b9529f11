package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// LineRange is a 1-based inclusive range of source lines.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CodeUnit represents one indexable code entity: a function, method, type,
// or module-level declaration extracted from a source file.
type CodeUnit struct {
	// Identification
	ID   string `json:"id"` // deterministic, derived from file path + symbol name
	Name string `json:"name"`

	// Location
	FilePath string    `json:"file_path"` // relative to project root
	Lines    LineRange `json:"lines"`

	// Embeddable content
	Signature  string `json:"signature"`
	DocSummary string `json:"doc_summary,omitempty"`

	// FileHash is the content hash of the source file at index time.
	// It drives change detection and must be recomputed whenever the
	// unit is re-embedded.
	FileHash string `json:"file_hash"`
}

// UnitID derives the stable identifier for a unit from its file path and
// symbol name. The same (path, name) pair always yields the same ID.
func UnitID(filePath, name string) string {
	h := sha256.Sum256([]byte(filePath + "\x00" + name))
	return hex.EncodeToString(h[:8])
}

// HashContent computes the file hash used for change detection.
func HashContent(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// Validate checks the structural invariants of a code unit.
func (u *CodeUnit) Validate() error {
	if u.ID == "" {
		return ErrMissingUnitID
	}
	if u.FilePath == "" {
		return ErrMissingFilePath
	}
	if u.Lines.Start <= 0 || u.Lines.End <= 0 {
		return errors.New("line numbers must be positive")
	}
	if u.Lines.Start > u.Lines.End {
		return errors.New("start line must be before or equal to end line")
	}
	if u.FileHash == "" {
		return ErrMissingFileHash
	}
	return nil
}
