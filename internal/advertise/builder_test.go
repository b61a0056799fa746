package advertise

import (
	"bytes"
	"testing"
)

func TestBuildDiscoverableAdvertisement(t *testing.T) {
	got := BuildDiscoverable([3]byte{0x12, 0x34, 0x56})
	want := []byte{0x06, 0x16, 0x2C, 0xFE, 0x12, 0x34, 0x56}
	if !bytes.Equal(got, want) {
		t.Errorf("BuildDiscoverable() = % X, want % X", got, want)
	}
}

// TestBloomFilterWithOneKey reproduces spec.md §8 Scenario 4 byte-for-byte:
// a single account key {0x11,0x22,...,0xFF}, 1-byte salt 0xC7, must produce
// {0x0B, 0x16, 0x2C, 0xFE, 0x00, 0x42, 0x0A, 0x42, 0x88, 0x10, 0x11, 0xC7,
// 0x02, 0x0A, TX} after the TX-power stanza is appended.
func TestBloomFilterWithOneKey(t *testing.T) {
	key := [16]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0xFF}

	frame, err := BuildNonDiscoverable(NonDiscoverableOptions{
		ShowPairingIndicator: false,
		SaltSize:             1,
		Salt:                 []byte{0xC7},
	}, 1)
	if err != nil {
		t.Fatalf("BuildNonDiscoverable() error = %v", err)
	}

	s, err := PopulateBloomFilter(frame, [][16]byte{key}, nil, false)
	if err != nil {
		t.Fatalf("PopulateBloomFilter() error = %v", err)
	}
	if s != 4 {
		t.Fatalf("bloomFilterSize(1) = %d, want 4", s)
	}

	const txPower = 0x0A
	frame = AppendTxPower(frame, txPower)

	want := []byte{0x0B, 0x16, 0x2C, 0xFE, 0x00, 0x42, 0x0A, 0x42, 0x88, 0x10, 0x11, 0xC7, 0x02, 0x0A, txPower}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = % X, want % X", frame, want)
	}
}

func TestBloomFilterSizeFormula(t *testing.T) {
	cases := []struct{ n, want int }{
		{1, 4},
		{2, 5},
		{3, 6},
		{5, 9},
	}
	for _, c := range cases {
		if got := bloomFilterSize(c.n); got != c.want {
			t.Errorf("bloomFilterSize(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestNonDiscoverableNoKeysIsTwoZeroBytes(t *testing.T) {
	frame, err := BuildNonDiscoverable(NonDiscoverableOptions{SaltSize: 2}, 0)
	if err != nil {
		t.Fatalf("BuildNonDiscoverable() error = %v", err)
	}
	want := []byte{0x05, 0x16, 0x2C, 0xFE, 0x00, 0x00}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = % X, want % X", frame, want)
	}
}

func TestBuildNonDiscoverableRejectsBadSaltSize(t *testing.T) {
	if _, err := BuildNonDiscoverable(NonDiscoverableOptions{SaltSize: 3}, 1); err == nil {
		t.Error("expected error for invalid salt size")
	}
}

func TestAppendTxPower(t *testing.T) {
	got := AppendTxPower([]byte{0xAA}, -10)
	want := []byte{0xAA, 0x02, 0x0A, 0xF6} // -10 as int8 -> 0xF6
	if !bytes.Equal(got, want) {
		t.Errorf("AppendTxPower() = % X, want % X", got, want)
	}
}
