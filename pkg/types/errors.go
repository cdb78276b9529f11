package types

import "errors"

// Domain errors for type validation
var (
	ErrMissingUnitID   = errors.New("unit ID is required")
	ErrMissingFilePath = errors.New("file path is required")
	ErrMissingFileHash = errors.New("file hash is required")
	ErrInvalidRank     = errors.New("rank must be >= 1")
)
