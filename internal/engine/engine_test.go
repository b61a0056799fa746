package engine

import (
	"testing"
	"time"

	"github.com/chaz8081/fastpair-provider/internal/accountkey"
	"github.com/chaz8081/fastpair-provider/internal/advertise"
	"github.com/chaz8081/fastpair-provider/internal/spot"
)

type fakeOS struct {
	now     uint32
	persist uint32
	fill    byte
	timers  []func()
	consent bool
}

func (o *fakeOS) NowMs() uint32                 { return o.now }
func (o *fakeOS) PersistentTimeSeconds() uint32 { return o.persist }
func (o *fakeOS) RandByte() (byte, error)       { return o.fill, nil }
func (o *fakeOS) RandBytes(n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		out[i] = o.fill
	}
	return out, nil
}
func (o *fakeOS) Start(delayMs uint32, cb func()) advertise.TimerHandle {
	o.timers = append(o.timers, cb)
	return len(o.timers)
}
func (o *fakeOS) Cancel(h advertise.TimerHandle) {}
func (o *fakeOS) HasUserConsentForReadingEIK() bool { return o.consent }
func (o *fakeOS) GetRingingInfo() (spot.RingingInfo, error) { return spot.RingingInfo{}, nil }
func (o *fakeOS) Ring(command byte, timeout uint16, volume byte) error { return nil }

type fakeBT struct {
	public, ble uint64
	pairingMode bool
	sent        map[uint64][][]byte
}

func (b *fakeBT) GetPublicAddress() uint64          { return b.public }
func (b *fakeBT) GetSecondaryPublicAddress() uint64 { return 0 }
func (b *fakeBT) GetBleAddress() uint64             { return b.ble }
func (b *fakeBT) SetBleAddress(addr uint64) uint64  { b.ble = addr; return addr }
func (b *fakeBT) RotateBleAddress() (uint64, bool)  { return 0, false }
func (b *fakeBT) GetTxLevel() int8                  { return -8 }
func (b *fakeBT) SendPairingRequest(peer uint64) error { return nil }
func (b *fakeBT) GetPairingPassKey() (uint32, error)   { return 123456, nil }
func (b *fakeBT) SetRemotePasskey(passkey uint32) error { return nil }
func (b *fakeBT) SetDeviceName(name string) error       { return nil }
func (b *fakeBT) IsInPairingMode() bool                 { return b.pairingMode }
func (b *fakeBT) SendMessageStream(peer uint64, data []byte) error {
	if b.sent == nil {
		b.sent = map[uint64][][]byte{}
	}
	b.sent[peer] = append(b.sent[peer], append([]byte(nil), data...))
	return nil
}

type fakeBLE struct {
	lastFrame    []byte
	spotFrame    []byte
	advertiseSet int
}

func (f *fakeBLE) SetAdvertisement(frame []byte, interval time.Duration) error {
	f.lastFrame = frame
	f.advertiseSet++
	return nil
}
func (f *fakeBLE) SetSpotAdvertisement(address uint64, frame []byte) error {
	f.spotFrame = frame
	return nil
}
func (f *fakeBLE) NotifyKeyBasedPairing(peer uint64, payload []byte) error { return nil }
func (f *fakeBLE) NotifyPasskey(peer uint64, payload []byte) error        { return nil }
func (f *fakeBLE) NotifyAdditionalData(peer uint64, payload []byte) error { return nil }
func (f *fakeBLE) NotifyBeaconAction(peer uint64, payload []byte) error   { return nil }

type fakePersistence struct {
	values  map[string][]byte
	entries []accountkey.Entry
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{values: map[string][]byte{}}
}
func (p *fakePersistence) LoadValue(key string) ([]byte, bool, error) {
	v, ok := p.values[key]
	return v, ok, nil
}
func (p *fakePersistence) SaveValue(key string, data []byte) error {
	p.values[key] = append([]byte(nil), data...)
	return nil
}
func (p *fakePersistence) ClearValue(key string) error {
	delete(p.values, key)
	return nil
}
func (p *fakePersistence) LoadAccountKeys() ([]accountkey.Entry, error) { return p.entries, nil }
func (p *fakePersistence) SaveAccountKeys(e []accountkey.Entry) error {
	p.entries = append([]accountkey.Entry(nil), e...)
	return nil
}

type fixedSecureElement struct{ key [16]byte }

func (s fixedSecureElement) SharedSecret([]byte) ([16]byte, error) { return s.key, nil }

func newTestEngine(t *testing.T) (*Engine, *fakeBLE, *fakeBT, *fakeOS) {
	t.Helper()
	os := &fakeOS{fill: 0x22}
	bt := &fakeBT{public: 0xA0A1A2A3A4A5, ble: 0xA0A1A2A3A4A5}
	ble := &fakeBLE{}
	pers := newFakePersistence()
	se := fixedSecureElement{}

	e, err := New(os, se, bt, ble, pers, nil, nil, Config{
		ModelID:  [3]byte{0x11, 0x22, 0x33},
		SaltSize: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, ble, bt, os
}

func TestNewPublishesNonDiscoverableAdvertisementOnInit(t *testing.T) {
	_, ble, _, _ := newTestEngine(t)
	if ble.advertiseSet == 0 {
		t.Fatal("expected an advertisement to be published during init (initial address rotation)")
	}
	if ble.lastFrame == nil {
		t.Fatal("expected a non-nil advertisement frame")
	}
}

func TestEnterDiscoverableModePublishesModelIDFrame(t *testing.T) {
	e, ble, _, _ := newTestEngine(t)
	if err := e.EnterDiscoverableMode(); err != nil {
		t.Fatal(err)
	}
	want := advertise.BuildDiscoverable([3]byte{0x11, 0x22, 0x33})
	if len(ble.lastFrame) < len(want) {
		t.Fatalf("frame too short: %x", ble.lastFrame)
	}
	for i := range want {
		if ble.lastFrame[i] != want[i] {
			t.Fatalf("discoverable frame mismatch at %d: got %x, want %x", i, ble.lastFrame, want)
		}
	}
}

func TestExitDiscoverableModeReturnsToNonDiscoverable(t *testing.T) {
	e, ble, bt, _ := newTestEngine(t)
	if err := e.EnterDiscoverableMode(); err != nil {
		t.Fatal(err)
	}
	if err := e.ExitDiscoverableMode(); err != nil {
		t.Fatal(err)
	}
	// Non-discoverable frames start with the service-data AD header, not
	// the fixed 10-byte discoverable frame.
	discoverable := advertise.AppendTxPower(advertise.BuildDiscoverable([3]byte{0x11, 0x22, 0x33}), bt.GetTxLevel())
	if len(ble.lastFrame) == len(discoverable) {
		t.Fatalf("expected a different-shaped frame after exiting discoverable mode, got %x", ble.lastFrame)
	}
}

func TestMessageStreamEventsAreFannedOut(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	var events []Event
	e.SetEventHandler(func(ev Event) { events = append(events, ev) })

	if err := e.MessageStream().OnConnect(0xBEEF, 0xA0A1A2A3A4A5); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != EventMessageStreamConnected || events[0].Peer != 0xBEEF {
		t.Fatalf("expected one connected event for peer 0xBEEF, got %+v", events)
	}

	e.MessageStream().OnDisconnect(0xBEEF)
	if len(events) != 2 || events[1].Kind != EventMessageStreamDisconnected {
		t.Fatalf("expected a disconnected event, got %+v", events)
	}
}

func TestInUseAccountKeySwitchesAdvertisementToSASSFormat(t *testing.T) {
	e, ble, _, _ := newTestEngine(t)
	key := accountkey.Key{0x04, 0x01}
	e.AccountKeyRing().Add(accountkey.Entry{Key: key, Peer: accountkey.PeerID(0xBEEF)})
	if err := e.RefreshIfNonDiscoverable(); err != nil {
		t.Fatal(err)
	}
	const headerOffset = 4
	if ble.lastFrame[headerOffset] != 0x00 {
		t.Fatalf("expected regular header before any in-use indication, got %x", ble.lastFrame)
	}

	e.OnInUseAccountKeyChanged(0xBEEF, true)
	if ble.lastFrame[headerOffset] != 0x10 {
		t.Fatalf("expected SASS header once the in-use account key is set, got %x", ble.lastFrame)
	}

	e.OnInUseAccountKeyChanged(0xBEEF, false)
	if ble.lastFrame[headerOffset] != 0x00 {
		t.Fatalf("expected regular header again once the in-use account key clears, got %x", ble.lastFrame)
	}
}

func TestDiscoverableWindowAutoExits(t *testing.T) {
	os := &fakeOS{fill: 0x22}
	bt := &fakeBT{public: 0xA0A1A2A3A4A5, ble: 0xA0A1A2A3A4A5}
	ble := &fakeBLE{}
	pers := newFakePersistence()
	se := fixedSecureElement{}

	e, err := New(os, se, bt, ble, pers, nil, nil, Config{
		ModelID:              [3]byte{0x11, 0x22, 0x33},
		SaltSize:             1,
		DiscoverableWindowMs: 5000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := e.EnterDiscoverableMode(); err != nil {
		t.Fatal(err)
	}
	discoverableFrame := advertise.AppendTxPower(advertise.BuildDiscoverable([3]byte{0x11, 0x22, 0x33}), bt.GetTxLevel())
	if len(ble.lastFrame) != len(discoverableFrame) {
		t.Fatalf("expected the discoverable frame after entering discoverable mode, got %x", ble.lastFrame)
	}
	if len(os.timers) == 0 {
		t.Fatal("expected a discoverable-window timer to be armed")
	}

	os.timers[len(os.timers)-1]() // fire the window timeout
	if len(ble.lastFrame) == len(discoverableFrame) {
		t.Fatal("expected the advertisement to revert to non-discoverable once the window elapses")
	}
}

func TestRefreshIfNonDiscoverableSkipsWhileDiscoverable(t *testing.T) {
	e, ble, _, _ := newTestEngine(t)
	if err := e.EnterDiscoverableMode(); err != nil {
		t.Fatal(err)
	}
	before := ble.advertiseSet
	if err := e.RefreshIfNonDiscoverable(); err != nil {
		t.Fatal(err)
	}
	if ble.advertiseSet != before {
		t.Fatalf("expected no advertisement republish while discoverable, got %d more", ble.advertiseSet-before)
	}
}
