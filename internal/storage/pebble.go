package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
)

// PebbleKV is a durable KV backed by PebbleDB.
type PebbleKV struct {
	db   *pebble.DB
	path string
}

// OpenPebble opens (creating if needed) a pebble store under path.
func OpenPebble(path string) (*PebbleKV, error) {
	if path == "" {
		return nil, fmt.Errorf("pebble path is required")
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return &PebbleKV{db: db, path: path}, nil
}

// Path returns the storage directory.
func (p *PebbleKV) Path() string {
	return p.path
}

func (p *PebbleKV) Get(key string) ([]byte, error) {
	value, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()

	return append([]byte(nil), value...), nil
}

func (p *PebbleKV) Set(key string, value []byte) error {
	return p.db.Set([]byte(key), value, pebble.Sync)
}

func (p *PebbleKV) Delete(key string) error {
	err := p.db.Delete([]byte(key), pebble.Sync)
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	return nil
}

func (p *PebbleKV) Scan(prefix string, fn func(key string, value []byte) bool) error {
	lower := []byte(prefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value := append([]byte(nil), iter.Value()...)
		if !fn(string(iter.Key()), value) {
			break
		}
	}
	return iter.Error()
}

func (p *PebbleKV) Close() error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close pebble database: %w", err)
	}
	return nil
}
