// Package accountkey implements the Fast Pair account-key ring: a bounded,
// ordered, deduplicated set of 16-byte account keys with LRU-style
// promotion, as specified in spec.md §3/§4.B. It is modeled on the
// teacher's habit of putting persistence behind a narrow injected interface
// (compare ble.Adapter in internal/ble/adapter.go) rather than talking to a
// key-value store directly.
package accountkey

import "fmt"

// NMax is the maximum number of entries the ring holds.
const NMax = 5

// KeySize is the length in bytes of an account key.
const KeySize = 16

// HighFlagByte is the required value of an ordinary account key's first
// byte. The two low bits of that byte are reserved for the advertisement
// builder's MRU/in-use flags and are never persisted set.
const HighFlagByte = 0x04

// Key is a 16-byte Fast Pair account key.
type Key [KeySize]byte

// HasValidFlagByte reports whether k's first byte equals HighFlagByte, as
// required for any key accepted via an Account-Key characteristic write.
func (k Key) HasValidFlagByte() bool {
	return k[0] == HighFlagByte
}

// PeerID is a 48-bit Bluetooth device address. Zero means "no peer bound".
type PeerID uint64

// Entry pairs an account key with the peer it was associated with, or a
// zero PeerID if the key was written without peer binding (e.g. classic
// Key-Based Pairing before a BT address was known).
type Entry struct {
	Key  Key
	Peer PeerID
}

// Store persists the ring's entries. The wire format is opaque to this
// package — only the in-memory invariants matter (spec.md §4.B).
type Store interface {
	LoadEntries() ([]Entry, error)
	SaveEntries([]Entry) error
}

// Ring is a fixed-capacity (NMax), ordered, deduplicated sequence of
// account-key entries. Index 0 is always the most recently activated entry.
type Ring struct {
	store   Store
	entries []Entry
}

// New creates a Ring backed by store. Call Load to populate it from
// persistence.
func New(store Store) *Ring {
	return &Ring{store: store}
}

// Load reads the persisted entry list into memory, truncating to NMax if the
// backing store somehow holds more (defensive against a corrupted record).
func (r *Ring) Load() error {
	entries, err := r.store.LoadEntries()
	if err != nil {
		return fmt.Errorf("accountkey: load: %w", err)
	}
	if len(entries) > NMax {
		entries = entries[:NMax]
	}
	r.entries = entries
	return nil
}

// Save persists the current entry list.
func (r *Ring) Save() error {
	if err := r.store.SaveEntries(r.entries); err != nil {
		return fmt.Errorf("accountkey: save: %w", err)
	}
	return nil
}

// Count returns the number of entries currently held, including duplicates
// bound to different peers.
func (r *Ring) Count() int {
	return len(r.entries)
}

// At returns a copy of the entry at index i.
func (r *Ring) At(i int) Entry {
	return r.entries[i]
}

// Add inserts e at index 0. If an entry with the same key and peer already
// exists, it is moved to index 0 instead of duplicated (LRU promotion);
// otherwise a new entry is inserted at index 0, evicting index NMax-1 if the
// ring is full. Add is the only mutator that can evict and is idempotent:
// calling it twice in a row with the same entry leaves the ring unchanged
// beyond the first call.
func (r *Ring) Add(e Entry) {
	for i, existing := range r.entries {
		if existing.Key == e.Key && existing.Peer == e.Peer {
			r.promote(i)
			return
		}
	}
	r.entries = append([]Entry{e}, r.entries...)
	if len(r.entries) > NMax {
		r.entries = r.entries[:NMax]
	}
}

// promote moves the entry at index i to index 0, preserving the relative
// order of all other entries — the shared implementation behind both Add's
// LRU-promotion path and Activate.
func (r *Ring) promote(i int) {
	e := r.entries[i]
	copy(r.entries[1:i+1], r.entries[:i])
	r.entries[0] = e
}

// Activate rotates [0..i] right by one so the old index i becomes index 0,
// preserving the order of the other entries. It is called on successful
// decryption of a Fast Pair write to prove the Seeker still holds that key.
func (r *Ring) Activate(i int) error {
	if i < 0 || i >= len(r.entries) {
		return fmt.Errorf("accountkey: activate: index %d out of range [0,%d)", i, len(r.entries))
	}
	r.promote(i)
	return nil
}

// UniqueCount walks the ring and counts entries whose key does not appear
// at a lower index — i.e. the number of distinct account keys, regardless
// of how many peers are bound to each.
func (r *Ring) UniqueCount() int {
	return len(r.IterUnique())
}

// IterUnique returns, in ring order, the first (most-recently-activated)
// entry for each unique account key. The bloom filter and the advertisement
// builder iterate this list, never the raw entry list, so that a key bound
// to two peers is only ever hashed into the filter once.
func (r *Ring) IterUnique() []Entry {
	seen := make(map[Key]bool, len(r.entries))
	unique := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if seen[e.Key] {
			continue
		}
		seen[e.Key] = true
		unique = append(unique, e)
	}
	return unique
}

// IndexOfKeyMatching scans the ring in order and returns the index of the
// first entry whose key, when passed through match, returns true. match
// typically decrypts a Key-Based Pairing request under each candidate key
// and checks the decrypted address field. Returns -1 if none match.
func IndexOfKeyMatching(r *Ring, match func(Key) bool) int {
	for i, e := range r.entries {
		if match(e.Key) {
			return i
		}
	}
	return -1
}
