package accountkey

import "testing"

type memStore struct {
	entries []Entry
}

func (m *memStore) LoadEntries() ([]Entry, error) {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *memStore) SaveEntries(e []Entry) error {
	m.entries = make([]Entry, len(e))
	copy(m.entries, e)
	return nil
}

func key(b byte) Key {
	var k Key
	k[0] = HighFlagByte
	k[1] = b
	return k
}

func TestAddInsertsAtZero(t *testing.T) {
	r := New(&memStore{})
	r.Add(Entry{Key: key(1), Peer: 10})
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
	if r.At(0).Key != key(1) {
		t.Error("newly added entry must be at index 0")
	}
}

func TestAddEvictsOldest(t *testing.T) {
	r := New(&memStore{})
	for i := 0; i < NMax+2; i++ {
		r.Add(Entry{Key: key(byte(i)), Peer: PeerID(i)})
	}
	if r.Count() != NMax {
		t.Fatalf("Count() = %d, want %d", r.Count(), NMax)
	}
	if r.At(0).Key != key(byte(NMax+1)) {
		t.Error("most recently added entry must be at index 0")
	}
	// The two oldest entries (0 and 1) should have been evicted.
	for i := 0; i < r.Count(); i++ {
		if r.At(i).Key == key(0) || r.At(i).Key == key(1) {
			t.Errorf("entry %d should have been evicted", r.At(i).Key[1])
		}
	}
}

func TestAddPromotesExistingInstead0fDuplicating(t *testing.T) {
	r := New(&memStore{})
	r.Add(Entry{Key: key(1), Peer: 1})
	r.Add(Entry{Key: key(2), Peer: 2})
	r.Add(Entry{Key: key(1), Peer: 1})

	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2 (no duplicate)", r.Count())
	}
	if r.At(0).Key != key(1) {
		t.Error("re-added entry must be promoted to index 0")
	}
	if r.At(1).Key != key(2) {
		t.Error("other entry order must be preserved")
	}
}

func TestAddSameKeyDifferentPeerIsDistinct(t *testing.T) {
	r := New(&memStore{})
	r.Add(Entry{Key: key(1), Peer: 1})
	r.Add(Entry{Key: key(1), Peer: 2})
	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2 (same key, different peer)", r.Count())
	}
}

func TestAddIdempotent(t *testing.T) {
	r1 := New(&memStore{})
	r1.Add(Entry{Key: key(1), Peer: 1})
	r1.Add(Entry{Key: key(2), Peer: 2})
	snapshot1 := append([]Entry(nil), r1.entries...)

	r1.Add(Entry{Key: key(2), Peer: 2})
	snapshot2 := append([]Entry(nil), r1.entries...)

	if len(snapshot1) != len(snapshot2) {
		t.Fatal("repeated Add changed ring length")
	}
	for i := range snapshot1 {
		if snapshot1[i] != snapshot2[i] {
			t.Errorf("repeated Add with same entry should be a no-op at index %d", i)
		}
	}
}

func TestActivateRotates(t *testing.T) {
	r := New(&memStore{})
	r.Add(Entry{Key: key(3), Peer: 3})
	r.Add(Entry{Key: key(2), Peer: 2})
	r.Add(Entry{Key: key(1), Peer: 1})
	// order is now: 1, 2, 3

	if err := r.Activate(2); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if r.At(0).Key != key(3) {
		t.Errorf("At(0) = %v, want key(3)", r.At(0).Key)
	}
	if r.At(1).Key != key(1) || r.At(2).Key != key(2) {
		t.Error("Activate must preserve relative order of other entries")
	}
}

func TestActivateOutOfRange(t *testing.T) {
	r := New(&memStore{})
	r.Add(Entry{Key: key(1)})
	if err := r.Activate(5); err == nil {
		t.Error("expected error for out-of-range index")
	}
}

func TestUniqueCountAndIterUnique(t *testing.T) {
	r := New(&memStore{})
	r.Add(Entry{Key: key(1), Peer: 1})
	r.Add(Entry{Key: key(1), Peer: 2})
	r.Add(Entry{Key: key(2), Peer: 3})

	if got := r.UniqueCount(); got != 2 {
		t.Fatalf("UniqueCount() = %d, want 2", got)
	}
	unique := r.IterUnique()
	if len(unique) != 2 {
		t.Fatalf("IterUnique() len = %d, want 2", len(unique))
	}
	// Most recently added key (2) must be the MRU representative, i.e. first.
	if unique[0].Key != key(2) {
		t.Errorf("IterUnique()[0] = %v, want key(2) as MRU representative", unique[0].Key)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	store := &memStore{}
	r := New(store)
	r.Add(Entry{Key: key(9), Peer: 42})
	if err := r.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	r2 := New(store)
	if err := r2.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if r2.Count() != 1 || r2.At(0) != (Entry{Key: key(9), Peer: 42}) {
		t.Errorf("loaded ring = %+v, want single entry key(9)/42", r2.entries)
	}
}

func TestHasValidFlagByte(t *testing.T) {
	if !key(1).HasValidFlagByte() {
		t.Error("key built with HighFlagByte should be valid")
	}
	var bad Key
	bad[0] = 0x00
	if bad.HasValidFlagByte() {
		t.Error("zero flag byte should be invalid")
	}
}

func TestIndexOfKeyMatching(t *testing.T) {
	r := New(&memStore{})
	r.Add(Entry{Key: key(1), Peer: 1})
	r.Add(Entry{Key: key(2), Peer: 2})

	idx := IndexOfKeyMatching(r, func(k Key) bool { return k == key(2) })
	if idx != 0 {
		t.Errorf("IndexOfKeyMatching() = %d, want 0 (key(2) was added last)", idx)
	}

	idx = IndexOfKeyMatching(r, func(k Key) bool { return k == key(99) })
	if idx != -1 {
		t.Errorf("IndexOfKeyMatching() = %d, want -1 for no match", idx)
	}
}
