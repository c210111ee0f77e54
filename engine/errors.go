package engine

import "github.com/pkg/errors"

// Sentinel errors for the engine's part of the taxonomy in §7, so callers
// can classify failures with errors.Is/errors.Cause instead of matching
// strings. A rejected command's error wraps one of these or a sentinel of
// the storage packages (bptree.ErrIndexMissing, bptree.ErrBadCondition,
// the heap errors).
var (
	ErrTypeExists   = errors.New("engine: type already exists")
	ErrTypeNotFound = errors.New("engine: type not found")
	ErrKeyExists    = errors.New("engine: primary key already exists")
	ErrKeyNotFound  = errors.New("engine: primary key not found")
	ErrEmptyResult  = errors.New("engine: result set is empty")
	ErrMalformed    = errors.New("engine: malformed command")
)
