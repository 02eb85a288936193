// Package adapters defines the Index interface that spec.md section 1
// scopes out of the core ("ordered key-value indexes other than this one
// are out of scope; this module exposes the shape they would implement so
// a benchmark harness can compare them side by side") and provides one
// concrete implementation of it, backed by cockroachdb/pebble, as a
// reference baseline for bench/report.go to plot alongside polyleaf.
package adapters

import (
	"github.com/cockroachdb/pebble"
)

// Index is the minimal ordered key-value surface a comparison baseline
// must expose: point insert/lookup and an ascending range scan with the
// same early-stop callback shape as polyleaf.Tree.RangeLookup.
type Index interface {
	Insert(key, payload []byte) error
	Lookup(key []byte, cb func(payload []byte)) error
	RangeLookup(startKey []byte, cb func(key, payload []byte) bool) error
	Close() error
}

// PebbleIndex adapts a *pebble.DB to Index.
type PebbleIndex struct {
	db *pebble.DB
}

// OpenPebbleIndex opens (or creates) a pebble store at dir.
func OpenPebbleIndex(dir string) (*PebbleIndex, error) {
	opts := &pebble.Options{}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	return &PebbleIndex{db: db}, nil
}

func (p *PebbleIndex) Insert(key, payload []byte) error {
	return p.db.Set(key, payload, pebble.NoSync)
}

func (p *PebbleIndex) Lookup(key []byte, cb func(payload []byte)) error {
	val, closer, err := p.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil
		}
		return err
	}
	cb(val)
	return closer.Close()
}

func (p *PebbleIndex) RangeLookup(startKey []byte, cb func(key, payload []byte) bool) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: startKey})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if !cb(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

func (p *PebbleIndex) Close() error { return p.db.Close() }
