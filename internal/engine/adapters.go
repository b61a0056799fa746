package engine

import "github.com/chaz8081/fastpair-provider/internal/accountkey"

// ringStore adapts Persistence's LoadAccountKeys/SaveAccountKeys pair to
// accountkey.Store's LoadEntries/SaveEntries names.
type ringStore struct{ pers Persistence }

func (r ringStore) LoadEntries() ([]accountkey.Entry, error) { return r.pers.LoadAccountKeys() }
func (r ringStore) SaveEntries(e []accountkey.Entry) error   { return r.pers.SaveAccountKeys(e) }

// spotAddress adapts Bluetooth to spot.AddressSource. This deployment uses
// a single shared BLE identity address for both Fast Pair and SPOT, so
// utpActive is ignored — see spot.AddressSource's doc comment on the
// single- vs dual-address distinction. The shared address keeps rotating on
// the AddressRotator's normal period while UTP is active; it is not switched
// to a once-a-day rotation.
type spotAddress struct{ bt Bluetooth }

func (a spotAddress) CurrentSpotAddress(utpActive bool) uint64 { return a.bt.GetBleAddress() }

// consentAdapter joins Bluetooth.IsInPairingMode and OS.HasUserConsentForReadingEIK
// into spot.ConsentSource; the two HALs own those two different facts.
type consentAdapter struct {
	bt Bluetooth
	os OS
}

func (c consentAdapter) IsInPairingMode() bool            { return c.bt.IsInPairingMode() }
func (c consentAdapter) HasUserConsentForReadingEIK() bool { return c.os.HasUserConsentForReadingEIK() }

// accountKeyLookup adapts the account-key ring to msgstream.SassAuthKey:
// the "in-use account key" for a peer is the most recently activated
// entry bound to that peer.
type accountKeyLookup struct{ ring *accountkey.Ring }

func (a accountKeyLookup) AccountKeyFor(peer uint64) ([16]byte, bool) {
	for i := 0; i < a.ring.Count(); i++ {
		entry := a.ring.At(i)
		if uint64(entry.Peer) == peer {
			return entry.Key, true
		}
	}
	return [16]byte{}, false
}
