package polyleaf

import "errors"

// Harness is the external, callback-based surface from spec.md section 6:
// a thin wrapper over Tree that never leaks an internal Restart and turns
// "key absent" into a quiet no-op rather than an error the caller has to
// special-case, matching "the only user-observable failure mode is absence
// of a key (lookup) or the successful completion of every submitted op."
type Harness struct {
	tree *Tree
}

// OpenHarness bootstraps a tree under cfg and wraps it.
func OpenHarness(cfg Config) (*Harness, error) {
	t, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return &Harness{tree: t}, nil
}

func (h *Harness) Close() error { return h.tree.Close() }

// Insert maps key to payload, replacing any existing payload for key.
func (h *Harness) Insert(key, payload []byte) error {
	return h.tree.Insert(key, payload)
}

// Lookup invokes cb exactly once, with a view onto the stored payload, iff
// key is present. cb's argument is only valid for the duration of the call;
// the caller must copy anything it needs to keep.
func (h *Harness) Lookup(key []byte, cb func(payload []byte)) error {
	payload, err := h.tree.Lookup(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	cb(payload)
	return nil
}

// RangeLookup walks ascending key order starting at startKey, copying each
// reconstructed key into outBuf (which must be at least Config.MaxKVSize()
// long) before invoking cb(keyLen, payload). It stops when cb returns false
// or the keyspace is exhausted.
func (h *Harness) RangeLookup(startKey, outBuf []byte, cb func(keyLen int, payload []byte) bool) error {
	return h.tree.RangeLookup(startKey, func(key, payload []byte) bool {
		n := copy(outBuf, key)
		return cb(n, payload)
	})
}

// Remove deletes key, reporting whether it was present. Not part of
// spec.md's external table; it forwards to Tree.Remove.
func (h *Harness) Remove(key []byte) (bool, error) {
	return h.tree.Remove(key)
}

// Stats exposes buffer-manager residency counters for metrics.go.
func (h *Harness) Stats() Stats { return h.tree.Stats() }

// RunMaintenance triggers one on-demand eviction sweep, used by
// maintenance.go's scheduler.
func (h *Harness) RunMaintenance() { h.tree.RunMaintenance() }
