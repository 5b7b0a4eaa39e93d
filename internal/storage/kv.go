// Package storage is the fault-tolerant storage adapter. It exposes a durable
// scope (survives across sessions) and an ephemeral scope (cleared with the
// browsing session) behind one never-failing API.
package storage

import (
	"errors"
)

// ErrNotFound is returned by a KV backend when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// KV is a raw key-value backend. Implementations may fail; the Adapter
// absorbs those failures.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	// Scan calls fn for every key with the given prefix in key order until fn
	// returns false.
	Scan(prefix string, fn func(key string, value []byte) bool) error
	Close() error
}

// Scope selects the durable or the ephemeral backend.
type Scope int

const (
	Durable Scope = iota
	Ephemeral
)

func (s Scope) String() string {
	switch s {
	case Durable:
		return "durable"
	case Ephemeral:
		return "ephemeral"
	default:
		return "unknown"
	}
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no such bound exists.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
