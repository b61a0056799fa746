// Package engine is the top-level façade (spec.md §4.H): it owns
// initialization order, wires the account-key ring, advertisement
// scheduler, Fast Pair GATT engine, Message Stream dispatcher and SPOT
// beacon together, selects the advertising mode, and fans out the events
// those sub-engines don't fully handle themselves to a single injected
// callback — the Go equivalent of the reference firmware's file-scope
// `on_event` function pointer. Modeled on the teacher's top-level
// cmd/gostt-writer wiring: narrow HAL interfaces in, one struct owning the
// wiring out, no package-level state.
package engine

import (
	"fmt"
	"time"

	"github.com/chaz8081/fastpair-provider/internal/accountkey"
	"github.com/chaz8081/fastpair-provider/internal/advertise"
	"github.com/chaz8081/fastpair-provider/internal/fastpair"
	"github.com/chaz8081/fastpair-provider/internal/msgstream"
	"github.com/chaz8081/fastpair-provider/internal/spot"
)

// Advertising intervals, per spec.md §6: discoverable ≤100ms,
// non-discoverable ≤250ms, SPOT ≤2s.
const (
	DiscoverableInterval    = 100 * time.Millisecond
	NonDiscoverableInterval = 250 * time.Millisecond
	SpotInterval            = 2 * time.Second
)

// OS is the subset of the OS HAL (spec.md §6) the façade and the
// components it builds need: monotonic and persistent clocks, randomness,
// one-shot timers, and the ringer-consent gate.
type OS interface {
	NowMs() uint32
	PersistentTimeSeconds() uint32
	RandByte() (byte, error)
	RandBytes(n int) ([]byte, error)
	Start(delayMs uint32, cb func()) advertise.TimerHandle
	Cancel(h advertise.TimerHandle)
	HasUserConsentForReadingEIK() bool
	GetRingingInfo() (spot.RingingInfo, error)
	Ring(command byte, timeoutDeciseconds uint16, volume byte) error
}

// Bluetooth is the subset of the BT HAL the façade drives directly.
type Bluetooth interface {
	GetPublicAddress() uint64
	GetSecondaryPublicAddress() uint64
	GetBleAddress() uint64
	SetBleAddress(addr uint64) uint64
	RotateBleAddress() (addr uint64, ok bool)
	GetTxLevel() int8
	SendPairingRequest(peer uint64) error
	GetPairingPassKey() (uint32, error)
	SetRemotePasskey(passkey uint32) error
	SetDeviceName(name string) error
	IsInPairingMode() bool
	SendMessageStream(peer uint64, data []byte) error
}

// BLE is the subset of the BLE HAL the façade drives directly: raw
// advertisement publication and per-characteristic notifications.
type BLE interface {
	SetAdvertisement(frame []byte, interval time.Duration) error
	SetSpotAdvertisement(address uint64, frame []byte) error
	NotifyKeyBasedPairing(peer uint64, payload []byte) error
	NotifyPasskey(peer uint64, payload []byte) error
	NotifyAdditionalData(peer uint64, payload []byte) error
	NotifyBeaconAction(peer uint64, payload []byte) error
}

// Audio drives ringing hardware for Message Stream's RING message,
// distinct from OS's Ring/GetRingingInfo pair because Message Stream's
// wire format carries a components byte rather than a command+volume
// pair — see msgstream.AudioHAL.
type Audio interface {
	Ring(components byte, timeoutDeciseconds uint16) error
}

// Persistence is the persistent storage HAL (spec.md §6): opaque
// key/value storage plus the account-key list's own load/save pair.
type Persistence interface {
	LoadValue(key string) (data []byte, ok bool, err error)
	SaveValue(key string, data []byte) error
	ClearValue(key string) error
	LoadAccountKeys() ([]accountkey.Entry, error)
	SaveAccountKeys([]accountkey.Entry) error
}

// SecureElement derives the Fast Pair anti-spoofing shared secret from a
// Seeker's raw P-256 public key.
type SecureElement interface {
	SharedSecret(peerPubRaw64 []byte) ([16]byte, error)
}

// BatterySource optionally reports battery levels for the advertisement's
// battery LTV and Message Stream's Battery Info message.
type BatterySource interface {
	Read() (advertise.BatteryInfo, bool)
}

// Config carries the façade's build-time settings, loaded from
// halconfig.Config by the entrypoint.
type Config struct {
	ModelID      [3]byte
	SaltSize     int
	UTPDefaultOn bool
	Features     fastpair.Config

	// AddressRotationMs is the mean period between BLE identity-address
	// rotations; 0 uses advertise.DefaultAddressRotationPeriodMs.
	AddressRotationMs uint32
	// DiscoverableWindowMs auto-exits discoverable mode this many
	// milliseconds after EnterDiscoverableMode, whether or not a pairing
	// completed in the meantime; 0 disables the timeout and
	// discoverable mode stays on until ExitDiscoverableMode is called
	// explicitly.
	DiscoverableWindowMs uint32
}

// Event is a notification the façade could not fully resolve on its own
// and forwards to the embedding application, mirroring the reference
// firmware's on_event(Event*) fan-out (spec.md §4.H).
type Event struct {
	Kind    EventKind
	Peer    uint64
	Group   byte
	Code    byte
	Payload []byte
}

// EventKind tags an Event's variant.
type EventKind int

const (
	EventMessageStreamConnected EventKind = iota
	EventMessageStreamDisconnected
	EventMessageStreamReceived
)

// Handler receives fanned-out events.
type Handler func(Event)

// Engine is the top-level façade: one struct owning the Fast Pair engine,
// Message Stream dispatcher, SPOT beacon, account-key ring and
// advertisement scheduler, plus the glue between them.
type Engine struct {
	os      OS
	bt      Bluetooth
	ble     BLE
	pers    Persistence
	battery BatterySource
	cfg     Config

	ring       *accountkey.Ring
	fastPair   *fastpair.Engine
	msgStream  *msgstream.Dispatcher
	beacon     *spot.Beacon
	interleave *advertise.Interleaver
	rotator    *advertise.AddressRotator

	discoverable    bool
	discoverableEnd advertise.TimerHandle
	onEvent         Handler

	sassInUsePeer uint64
	sassInUseKey  *[16]byte
}

// New wires the façade together, following the initialization order of
// spec.md §4.H: OS → SecureElement → Bluetooth → BLE → Persistence →
// Battery (optional) → AccountKeyRing::load() → rotate BLE address once.
// Any failure aborts the remainder and is returned unwrapped-further by
// the caller.
func New(os OS, se SecureElement, bt Bluetooth, ble BLE, pers Persistence, battery BatterySource, audio Audio, cfg Config) (*Engine, error) {
	if os == nil || se == nil || bt == nil || ble == nil || pers == nil {
		return nil, fmt.Errorf("engine: OS, SecureElement, Bluetooth, BLE and Persistence are all required")
	}

	e := &Engine{os: os, bt: bt, ble: ble, pers: pers, battery: battery, cfg: cfg}

	e.ring = accountkey.New(ringStore{pers})
	if err := e.ring.Load(); err != nil {
		return nil, fmt.Errorf("engine: init: load account-key ring: %w", err)
	}

	e.fastPair = fastpair.New(ble, bt, os, os, se, pers, e.ring, e, cfg.Features, cfg.ModelID)

	var batteryFn func() (msgstream.BatteryInfo, bool)
	if battery != nil {
		batteryFn = func() (msgstream.BatteryInfo, bool) {
			b, ok := battery.Read()
			if !ok {
				return msgstream.BatteryInfo{}, false
			}
			return msgstream.BatteryInfo{
				Available: true, Charging: b.Charging,
				LeftBudLevel: b.LeftBudLevel, RightBudLevel: b.RightBudLevel,
				ChargingCaseLevel: b.ChargingCaseLevel,
			}, true
		}
	}
	e.msgStream = msgstream.New(bt, os, os, audio, accountKeyLookup{e.ring}, e, cfg.ModelID, batteryFn)

	e.beacon = spot.New(ble, ble, spotAddress{bt}, os, os, os, bt, consentAdapter{bt, os}, pers, e.ring)
	if err := e.beacon.Init(); err != nil {
		return nil, fmt.Errorf("engine: init: beacon: %w", err)
	}

	e.interleave = advertise.NewInterleaver(os,
		func() { _ = e.refreshFastPairAdvertisement() },
		func() { _ = e.refreshSpotAdvertisement() })
	e.rotator = advertise.NewAddressRotator(os, bt, os, e.rotationSuspended, e.beforeAddressRotation, e.afterAddressRotation, cfg.AddressRotationMs)

	if err := e.rotator.ForceRotate(); err != nil {
		return nil, fmt.Errorf("engine: init: initial address rotation: %w", err)
	}

	e.interleave.SetFastPairActive(true)
	e.interleave.SetSpotActive(e.beacon.IsProvisioned())

	return e, nil
}

// SetEventHandler installs the single event-fanout callback. Calling it
// again replaces the previous handler, mirroring the reference firmware's
// single on_event pointer.
func (e *Engine) SetEventHandler(h Handler) { e.onEvent = h }

// FastPair exposes the Fast Pair GATT engine for the GATT server to wire
// characteristic write callbacks to.
func (e *Engine) FastPair() *fastpair.Engine { return e.fastPair }

// MessageStream exposes the dispatcher for the transport layer to forward
// connect/disconnect/byte events to.
func (e *Engine) MessageStream() *msgstream.Dispatcher { return e.msgStream }

// Beacon exposes the SPOT engine for the GATT server to wire the Beacon
// Action characteristic to.
func (e *Engine) Beacon() *spot.Beacon { return e.beacon }

// AccountKeyRing exposes the shared account-key ring, e.g. for diagnostics.
func (e *Engine) AccountKeyRing() *accountkey.Ring { return e.ring }

// EnterDiscoverableMode switches to the fixed-model-id discoverable
// advertisement, forces an address rotation to defeat replay (spec.md
// §4.D), narrows the advertising interval to ≤100ms, and — if
// cfg.DiscoverableWindowMs is set — arms a timer that automatically reverts
// to non-discoverable mode once the window elapses. Only ExitDiscoverableMode
// or another EnterDiscoverableMode cancels that timer; a completed pairing
// does not.
func (e *Engine) EnterDiscoverableMode() error {
	e.discoverable = true
	e.cancelDiscoverableWindow()
	if err := e.rotator.ForceRotate(); err != nil {
		return fmt.Errorf("engine: enter discoverable: %w", err)
	}
	if e.cfg.DiscoverableWindowMs > 0 {
		e.discoverableEnd = e.os.Start(e.cfg.DiscoverableWindowMs, func() { _ = e.ExitDiscoverableMode() })
	}
	return e.refreshFastPairAdvertisement()
}

// ExitDiscoverableMode reverts to the non-discoverable, bloom-filter
// advertisement.
func (e *Engine) ExitDiscoverableMode() error {
	e.discoverable = false
	e.cancelDiscoverableWindow()
	return e.refreshFastPairAdvertisement()
}

func (e *Engine) cancelDiscoverableWindow() {
	if e.discoverableEnd != nil {
		e.os.Cancel(e.discoverableEnd)
		e.discoverableEnd = nil
	}
}

// RefreshIfNonDiscoverable implements fastpair.AdvertisementRefresher:
// the account-key ring mutated, so the non-discoverable advertisement's
// bloom filter must be rebuilt — but only while actually advertising
// non-discoverably (spec.md §4.E's RunPostPairingSteps).
func (e *Engine) RefreshIfNonDiscoverable() error {
	if e.discoverable {
		return nil
	}
	return e.refreshFastPairAdvertisement()
}

func (e *Engine) refreshFastPairAdvertisement() error {
	var frame []byte
	if e.discoverable {
		frame = advertise.BuildDiscoverable(e.cfg.ModelID)
		frame = advertise.AppendTxPower(frame, e.bt.GetTxLevel())
		return e.ble.SetAdvertisement(frame, DiscoverableInterval)
	}

	unique := e.ring.IterUnique()
	keys := make([][16]byte, len(unique))
	for i, entry := range unique {
		keys[i] = entry.Key
	}
	opts := advertise.NonDiscoverableOptions{
		ShowPairingIndicator: true,
		SaltSize:             e.cfg.SaltSize,
	}
	if e.battery != nil {
		if b, ok := e.battery.Read(); ok {
			opts.ShowBatteryIndicator = true
			opts.Battery = &b
		}
	}
	built, err := advertise.BuildNonDiscoverable(opts, len(keys))
	if err != nil {
		return fmt.Errorf("engine: build non-discoverable advertisement: %w", err)
	}
	if len(keys) > 0 {
		if _, err := advertise.PopulateBloomFilter(built, keys, e.sassInUseKey, e.sassInUseKey != nil); err != nil {
			return fmt.Errorf("engine: populate bloom filter: %w", err)
		}
	}
	built = advertise.AppendTxPower(built, e.bt.GetTxLevel())
	frame = built
	return e.ble.SetAdvertisement(frame, NonDiscoverableInterval)
}

func (e *Engine) refreshSpotAdvertisement() error {
	if !e.beacon.IsProvisioned() {
		return nil
	}
	return e.beacon.SetAdvertisement(true)
}

// rotationSuspended implements spec.md §4.D: rotation is suppressed while
// pairing is in progress, but not during the two post-pairing steps
// (WaitAccountKeyWrite, WaitAdditionalData) that no longer depend on the
// BLE identity address staying put.
func (e *Engine) rotationSuspended() bool {
	switch e.fastPair.State() {
	case fastpair.WaitPairingRequest, fastpair.WaitPasskey, fastpair.WaitPairingResult:
		return true
	default:
		return false
	}
}

func (e *Engine) beforeAddressRotation() {
	_ = e.ble.SetAdvertisement(nil, 0)
}

func (e *Engine) afterAddressRotation(newAddr uint64) {
	_ = e.msgStream.BroadcastBLEAddressUpdated(newAddr)
	_ = e.refreshFastPairAdvertisement()
	if e.beacon.IsProvisioned() {
		_ = e.beacon.SetAdvertisement(true)
	}
}

// --- msgstream.Handlers: built-in handling already ran; forward the rest ---

func (e *Engine) OnMessageStreamConnected(peer uint64) {
	e.emit(Event{Kind: EventMessageStreamConnected, Peer: peer})
}

func (e *Engine) OnMessageStreamDisconnected(peer uint64) {
	e.emit(Event{Kind: EventMessageStreamDisconnected, Peer: peer})
}

// OnInUseAccountKeyChanged implements msgstream.Handlers: the in-use account
// key drives the 0x02 bit in the next non-discoverable advertisement's bloom
// filter, and switches the advertisement into SASS format while it's set
// (spec.md §4.F.SASS).
func (e *Engine) OnInUseAccountKeyChanged(peer uint64, inUse bool) {
	if !inUse {
		if e.sassInUsePeer == peer {
			e.sassInUseKey = nil
		}
		_ = e.RefreshIfNonDiscoverable()
		return
	}
	key, ok := accountKeyLookup{e.ring}.AccountKeyFor(peer)
	if !ok {
		return
	}
	e.sassInUsePeer = peer
	e.sassInUseKey = &key
	_ = e.RefreshIfNonDiscoverable()
}

func (e *Engine) OnMessageStreamReceived(peer uint64, group, code byte, payload []byte) {
	e.emit(Event{Kind: EventMessageStreamReceived, Peer: peer, Group: group, Code: code, Payload: payload})
}

func (e *Engine) emit(ev Event) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}
