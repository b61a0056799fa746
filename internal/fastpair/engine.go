// Package fastpair implements the provider-side Fast Pair GATT engine:
// Key-Based Pairing, Passkey, Account-Key and Additional-Data characteristic
// handling, the pairing sub-state-machine, the pairing-failure throttle and
// the retroactive-pairing candidate list. Grounded on spec.md §4.E and
// modeled, in its injected-HAL-interface shape, on the teacher's
// ble.Adapter/ble.Connection split in internal/ble/adapter.go.
package fastpair

import (
	"fmt"

	"github.com/chaz8081/fastpair-provider/internal/accountkey"
	"github.com/chaz8081/fastpair-provider/internal/cryptokit"
)

const (
	maxFail               = 10
	blockDurationMs       = 5 * 60 * 1000
	pairingRequestTimeout = 10 * 1000
	pendingKeyTimeout     = 60 * 1000
	retroactiveTimeout    = 60 * 1000
	retroactiveListSize   = 2

	reqLen16 = 16
	reqLen80 = 80

	reqFlagsOffset    = 0
	reqSubFlagsOffset = 1
	reqAddrOffset     = 2
	reqSeekerOffset   = 8
	reqSaltOffset     = 14

	// Bit layout of the decrypted request's flags byte (byte 0). spec.md
	// §4.E.3 gives "0x00 = key-based pairing request, 0x10 = action
	// request" as if the whole byte selected the message, yet also
	// assigns "bit 4" to RetroactiveWriteAccountKey inside the
	// KeyBasedPairingRequest variant — the same bit position. That can't
	// be literally true for a single byte carrying both a type selector
	// and an independent flag at the same position, so this
	// implementation treats bit4 (0x10) as the type discriminator alone
	// and moves RetroactiveWriteAccountKey to the otherwise-reserved bit3
	// (0x08); see DESIGN.md.
	flagTypeActionRequest            = 0x10 // bit4
	flagBitInitiatePairing           = 0x40 // bit6
	flagBitNotifyExistingName        = 0x20 // bit5
	flagBitRetroactiveWriteAccount   = 0x08 // bit3 (moved from bit4, see above)
	actionBitWillWriteAdditionalData = 0x40 // bit6, within ActionRequest
	actionBitDeviceAction            = 0x80 // bit7, within ActionRequest

	// reqSubFlagsOffset bit indicating the Seeker can use a BLE-only
	// Provider identity and wants the Extended key-based pairing response
	// layout instead of Classic ("bit 4" of spec.md §4.E's request, read
	// from the byte after flags rather than flags itself — see the same
	// note above about bit4 overload).
	subFlagWantsExtendedResponse = 0x10

	respTypeClassic  = 0x01
	respTypeExtended = 0x02

	accountKeyFlagByte = 0x04 // accountkey.HighFlagByte, repeated for a local name
)

// PairingState is the Fast Pair pairing sub-state-machine (spec.md §3).
type PairingState int

const (
	Idle PairingState = iota
	WaitPairingRequest
	WaitPasskey
	WaitPairingResult
	WaitAccountKeyWrite
	WaitAdditionalData
)

func (s PairingState) String() string {
	switch s {
	case WaitPairingRequest:
		return "WaitPairingRequest"
	case WaitPasskey:
		return "WaitPasskey"
	case WaitPairingResult:
		return "WaitPairingResult"
	case WaitAccountKeyWrite:
		return "WaitAccountKeyWrite"
	case WaitAdditionalData:
		return "WaitAdditionalData"
	default:
		return "Idle"
	}
}

// Notifier delivers GATT notifications on the Fast Pair characteristics.
type Notifier interface {
	NotifyKeyBasedPairing(peer uint64, payload []byte) error
	NotifyPasskey(peer uint64, payload []byte) error
	NotifyAdditionalData(peer uint64, payload []byte) error
}

// BTHAL is the subset of the Bluetooth HAL (spec.md §6) the Fast Pair engine
// drives directly.
type BTHAL interface {
	GetPublicAddress() uint64
	GetSecondaryPublicAddress() uint64 // 0 if none configured
	GetBleAddress() uint64
	SendPairingRequest(peer uint64) error
	GetPairingPassKey() (uint32, error)
	SetRemotePasskey(passkey uint32) error
	SetDeviceName(name string) error
}

// Clock supplies monotonic milliseconds since boot.
type Clock interface {
	NowMs() uint32
}

// Randomness supplies random bytes for response padding.
type Randomness interface {
	RandBytes(n int) ([]byte, error)
}

// KeyAgreement derives the anti-spoofing shared secret from a Seeker's raw
// 64-byte P-256 public key (spec.md §4.A CreateSharedSecret).
type KeyAgreement interface {
	SharedSecret(peerPubRaw64 []byte) ([16]byte, error)
}

// Store persists the personalized device name across reboots.
type Store interface {
	SaveValue(key string, data []byte) error
}

// AdvertisementRefresher rebuilds and republishes the current advertisement
// after a ring mutation, but only takes effect when the device is currently
// advertising non-discoverably — spec.md §4.E's RunPostPairingSteps.
type AdvertisementRefresher interface {
	RefreshIfNonDiscoverable() error
}

// Config carries build-time feature flags spec.md §4.E.4's Extended
// key-based-pairing response encodes.
type Config struct {
	BLEOnly                   bool
	PreferBLEBonding          bool
	PreferLETransport         bool
	PersonalizedNamingEnabled bool
}

func (c Config) featureFlags() byte {
	var f byte
	if c.BLEOnly {
		f |= 0x01
	}
	if c.PreferBLEBonding {
		f |= 0x02
	}
	if c.PreferLETransport {
		f |= 0x04
	}
	return f
}

type retroactiveEntry struct {
	active     bool
	peer       uint64
	deadlineMs uint32
	leAddr     uint64
	leAddrSet  bool
}

// Engine is the provider-side Fast Pair GATT state machine: one field struct
// owning everything that used to be file-scope statics in the reference
// firmware (pairing_state, pending account key, retroactive list, throttle).
type Engine struct {
	notify    Notifier
	bt        BTHAL
	clock     Clock
	rnd       Randomness
	keyAgree  KeyAgreement
	store     Store
	ring      *accountkey.Ring
	adv       AdvertisementRefresher
	cfg       Config
	modelID   [3]byte

	state        PairingState
	stateStartMs uint32
	activePeer   uint64

	hasSharedKey bool
	sharedKey    [16]byte

	hasPendingKey  bool
	pendingKey     accountkey.Key
	pendingArmedMs uint32

	pendingDataID byte

	failures      byte
	blockDeadline uint32

	retroactive [retroactiveListSize]retroactiveEntry
}

// New creates a Fast Pair engine. All HAL dependencies are injected so the
// engine stays synchronous and free of hidden globals.
func New(notify Notifier, bt BTHAL, clock Clock, rnd Randomness, keyAgree KeyAgreement, store Store, ring *accountkey.Ring, adv AdvertisementRefresher, cfg Config, modelID [3]byte) *Engine {
	return &Engine{
		notify: notify, bt: bt, clock: clock, rnd: rnd, keyAgree: keyAgree,
		store: store, ring: ring, adv: adv, cfg: cfg, modelID: modelID,
	}
}

// State returns the current pairing sub-state.
func (e *Engine) State() PairingState { return e.state }

// ModelID returns the Model-Id characteristic's fixed value.
func (e *Engine) ModelID() [3]byte { return e.modelID }

// Reset returns the engine to Idle, as the host's explicit Reset() does.
func (e *Engine) Reset() {
	e.state = Idle
	e.hasSharedKey = false
	e.sharedKey = [16]byte{}
	e.hasPendingKey = false
	e.activePeer = 0
}

func (e *Engine) isBlocked(now uint32) bool {
	if e.failures < maxFail {
		return false
	}
	if now >= e.blockDeadline {
		e.failures = 0
		return false
	}
	return true
}

func (e *Engine) registerFailure(now uint32) {
	if e.failures < maxFail {
		e.failures++
	}
	if e.failures >= maxFail {
		e.blockDeadline = now + blockDurationMs
	}
}

func (e *Engine) registerSuccess() {
	e.failures = 0
}

// pruneRetroactive evicts any entry whose deadline has passed, lazily, as
// spec.md §4.E.5/§9 specify (checked on every add and on disconnect).
func (e *Engine) pruneRetroactive(now uint32) {
	for i := range e.retroactive {
		if e.retroactive[i].active && now >= e.retroactive[i].deadlineMs {
			e.retroactive[i] = retroactiveEntry{}
		}
	}
}

// AddRetroactiveCandidate offers peer as a retroactive-pairing candidate —
// called when a peer connects to Message Stream having bonded via some
// other means. The oldest slot is reused if the list is full.
func (e *Engine) AddRetroactiveCandidate(peer uint64) {
	now := e.clock.NowMs()
	e.pruneRetroactive(now)
	for i := range e.retroactive {
		if !e.retroactive[i].active {
			e.retroactive[i] = retroactiveEntry{active: true, peer: peer, deadlineMs: now + retroactiveTimeout}
			return
		}
	}
	oldest := 0
	for i := range e.retroactive {
		if e.retroactive[i].deadlineMs < e.retroactive[oldest].deadlineMs {
			oldest = i
		}
	}
	e.retroactive[oldest] = retroactiveEntry{active: true, peer: peer, deadlineMs: now + retroactiveTimeout}
}

// OnDisconnect evicts any retroactive candidate bound to peer.
func (e *Engine) OnDisconnect(peer uint64) {
	for i := range e.retroactive {
		if e.retroactive[i].active && e.retroactive[i].peer == peer {
			e.retroactive[i] = retroactiveEntry{}
		}
	}
}

func (e *Engine) retroactiveIndex(peer uint64, now uint32) int {
	e.pruneRetroactive(now)
	for i := range e.retroactive {
		if e.retroactive[i].active && e.retroactive[i].peer == peer {
			return i
		}
	}
	return -1
}

// OnKeyBasedPairingWrite handles a write to the Key-Based Pairing
// characteristic (spec.md §4.E "Key-Based Pairing write"). It always
// returns nil for a structural/throttle failure — per spec.md §7, a
// pairing-throttle rejection is deliberately silent (kOk) to deny an
// attacker a timing oracle — and only returns an error for a HAL failure
// serious enough to abort the step.
func (e *Engine) OnKeyBasedPairingWrite(peer uint64, data []byte) error {
	now := e.clock.NowMs()
	if e.isBlocked(now) {
		return nil
	}

	var (
		plain     []byte
		sharedKey [16]byte
		err       error
	)
	switch len(data) {
	case reqLen80:
		ciphertext, pub := data[:16], data[16:]
		sharedKey, err = e.keyAgree.SharedSecret(pub)
		if err != nil {
			return fmt.Errorf("fastpair: derive shared secret: %w", err)
		}
		plain, err = cryptokit.ECBDecryptBlock(sharedKey[:], ciphertext)
		if err != nil {
			return fmt.Errorf("fastpair: decrypt key-based pairing request: %w", err)
		}
	case reqLen16:
		localBLE := e.bt.GetBleAddress()
		localPublic := e.bt.GetPublicAddress()
		idx := accountkey.IndexOfKeyMatching(e.ring, func(k accountkey.Key) bool {
			dec, derr := cryptokit.ECBDecryptBlock(k[:], data)
			if derr != nil {
				return false
			}
			addr := be48(dec[reqAddrOffset : reqAddrOffset+6])
			if addr == localBLE || addr == localPublic {
				plain = dec
				return true
			}
			return false
		})
		if idx < 0 {
			e.registerFailure(now)
			return nil
		}
		if err := e.ring.Activate(idx); err != nil {
			return fmt.Errorf("fastpair: activate account key: %w", err)
		}
		if err := e.ring.Save(); err != nil {
			return fmt.Errorf("fastpair: save account key ring: %w", err)
		}
		sharedKey = e.ring.At(0).Key
	default:
		return nil
	}

	flags := plain[reqFlagsOffset]
	isActionRequest := flags&flagTypeActionRequest != 0

	respFlag := byte(respTypeClassic)
	if plain[reqSubFlagsOffset]&subFlagWantsExtendedResponse != 0 {
		respFlag = respTypeExtended
	}
	response, err := e.buildResponse(respFlag)
	if err != nil {
		return fmt.Errorf("fastpair: build key-based pairing response: %w", err)
	}
	enc, err := cryptokit.ECBEncryptBlock(sharedKey[:], response)
	if err != nil {
		return fmt.Errorf("fastpair: encrypt key-based pairing response: %w", err)
	}
	if err := e.notify.NotifyKeyBasedPairing(peer, enc); err != nil {
		return fmt.Errorf("fastpair: notify key-based pairing: %w", err)
	}

	e.hasSharedKey = true
	e.sharedKey = sharedKey
	e.activePeer = peer
	e.stateStartMs = now

	if isActionRequest {
		return e.dispatchActionRequest(flags, plain)
	}
	return e.dispatchKeyBasedPairingRequest(peer, flags, plain, now)
}

func (e *Engine) buildResponse(kind byte) ([]byte, error) {
	out := make([]byte, 16)
	out[0] = kind
	switch kind {
	case respTypeClassic:
		addr := e.bt.GetPublicAddress()
		putBE48(out[1:7], addr)
		fill, err := e.rnd.RandBytes(9)
		if err != nil {
			return nil, err
		}
		copy(out[7:], fill)
	case respTypeExtended:
		out[1] = e.cfg.featureFlags()
		secondary := e.bt.GetSecondaryPublicAddress()
		numAddrs := byte(1)
		if secondary != 0 {
			numAddrs = 2
		}
		out[2] = numAddrs
		primary := e.bt.GetPublicAddress()
		if e.cfg.BLEOnly {
			primary = e.bt.GetBleAddress()
		}
		putBE48(out[3:9], primary)
		fillStart := 9
		if numAddrs == 2 {
			putBE48(out[9:15], secondary)
			fillStart = 15
		}
		fill, err := e.rnd.RandBytes(len(out) - fillStart)
		if err != nil {
			return nil, err
		}
		copy(out[fillStart:], fill)
	}
	return out, nil
}

func putBE48(dst []byte, addr uint64) {
	for i := 0; i < 6; i++ {
		dst[5-i] = byte(addr >> (8 * uint(i)))
	}
}

func (e *Engine) dispatchKeyBasedPairingRequest(peer uint64, flags byte, plain []byte, now uint32) error {
	switch {
	case flags&flagBitRetroactiveWriteAccount != 0:
		claimedPeer := be48(plain[reqSeekerOffset : reqSeekerOffset+6])
		if e.retroactiveIndex(claimedPeer, now) < 0 {
			e.Reset()
			return fmt.Errorf("fastpair: retroactive write from unlisted peer")
		}
		return nil

	case flags&flagBitNotifyExistingName != 0:
		// The engine has no read access to the stored personalized name,
		// so this request advances no state and returns nil; no name is
		// sent back to the seeker, here or by the façade.
		return nil

	default:
		seeker := be48(plain[reqSeekerOffset : reqSeekerOffset+6])
		if flags&flagBitInitiatePairing != 0 || flags == 0 {
			if err := e.bt.SendPairingRequest(seeker); err != nil {
				return fmt.Errorf("fastpair: send pairing request: %w", err)
			}
			e.state = WaitPasskey
			e.stateStartMs = now
			return nil
		}
		e.state = WaitPairingRequest
		e.stateStartMs = now
		return nil
	}
}

func be48(b []byte) uint64 {
	var addr uint64
	for _, v := range b {
		addr = (addr << 8) | uint64(v)
	}
	return addr
}

func (e *Engine) dispatchActionRequest(flags byte, plain []byte) error {
	switch {
	case flags&actionBitDeviceAction != 0:
		return fmt.Errorf("fastpair: device action unimplemented")
	case flags&actionBitWillWriteAdditionalData != 0:
		e.state = WaitAdditionalData
		e.pendingDataID = plain[10]
		return nil
	default:
		return nil
	}
}

// OnPasskeyWrite handles a write to the Passkey characteristic (spec.md
// §4.E "Passkey write").
func (e *Engine) OnPasskeyWrite(peer uint64, data []byte) error {
	now := e.clock.NowMs()
	if e.state != WaitPasskey || peer != e.activePeer || now-e.stateStartMs >= pairingRequestTimeout {
		return fmt.Errorf("fastpair: passkey write outside WaitPasskey window")
	}
	plain, err := cryptokit.ECBDecryptBlock(e.sharedKey[:], data)
	if err != nil {
		return fmt.Errorf("fastpair: decrypt passkey write: %w", err)
	}
	if plain[0] != 0x02 {
		return fmt.Errorf("fastpair: passkey write missing seeker marker")
	}
	seekerPasskey := uint32(plain[1])<<16 | uint32(plain[2])<<8 | uint32(plain[3])

	localPasskey, err := e.bt.GetPairingPassKey()
	if err != nil {
		return fmt.Errorf("fastpair: get local passkey: %w", err)
	}
	resp := make([]byte, 16)
	resp[0] = 0x03
	resp[1] = byte(localPasskey >> 16)
	resp[2] = byte(localPasskey >> 8)
	resp[3] = byte(localPasskey)
	fill, err := e.rnd.RandBytes(12)
	if err != nil {
		return fmt.Errorf("fastpair: random fill: %w", err)
	}
	copy(resp[4:], fill)
	enc, err := cryptokit.ECBEncryptBlock(e.sharedKey[:], resp)
	if err != nil {
		return fmt.Errorf("fastpair: encrypt passkey response: %w", err)
	}
	if err := e.notify.NotifyPasskey(peer, enc); err != nil {
		return fmt.Errorf("fastpair: notify passkey: %w", err)
	}
	if err := e.bt.SetRemotePasskey(seekerPasskey); err != nil {
		return fmt.Errorf("fastpair: set remote passkey: %w", err)
	}
	e.state = WaitPairingResult
	e.stateStartMs = now
	return nil
}

// OnPairingResult advances the state machine once the BT stack reports the
// outcome of classic bonding. ok=false resets to Idle and clears the
// throttle-relevant shared key; ok=true moves to WaitAccountKeyWrite (or
// consumes a key staged early via OnAccountKeyWrite's pending path).
func (e *Engine) OnPairingResult(peer uint64, ok bool) error {
	if !ok {
		e.registerFailure(e.clock.NowMs())
		e.Reset()
		return nil
	}
	e.registerSuccess()
	if e.hasPendingKey {
		key := e.pendingKey
		e.hasPendingKey = false
		return e.runPostPairingSteps(peer, key)
	}
	e.state = WaitAccountKeyWrite
	e.stateStartMs = e.clock.NowMs()
	return nil
}

// OnAccountKeyWrite handles a write to the Account-Key characteristic
// (spec.md §4.E "Account-Key write").
func (e *Engine) OnAccountKeyWrite(peer uint64, data []byte) error {
	now := e.clock.NowMs()
	if !e.hasSharedKey {
		return fmt.Errorf("fastpair: account key write without an established shared key")
	}
	plain, err := cryptokit.ECBDecryptBlock(e.sharedKey[:], data)
	if err != nil {
		return fmt.Errorf("fastpair: decrypt account key write: %w", err)
	}
	if plain[0] != accountKeyFlagByte {
		return fmt.Errorf("fastpair: account key write has invalid flag byte")
	}
	var key accountkey.Key
	copy(key[:], plain)

	switch {
	case e.state == WaitPairingRequest || e.state == WaitPasskey || e.state == WaitPairingResult:
		e.pendingKey = key
		e.hasPendingKey = true
		e.pendingArmedMs = now
		return nil

	case e.state == WaitAccountKeyWrite && peer == e.activePeer && now-e.stateStartMs < pairingRequestTimeout:
		return e.runPostPairingSteps(peer, key)

	default:
		if idx := e.retroactiveIndex(peer, now); idx >= 0 {
			e.retroactive[idx] = retroactiveEntry{}
			return e.runPostPairingSteps(peer, key)
		}
		return fmt.Errorf("fastpair: account key write rejected: no active flow for peer")
	}
}

// ExpirePendingAccountKey discards a staged-early account key once its 60s
// timer fires without a completing OnPairingResult.
func (e *Engine) ExpirePendingAccountKey() {
	now := e.clock.NowMs()
	if e.hasPendingKey && now-e.pendingArmedMs >= pendingKeyTimeout {
		e.hasPendingKey = false
	}
}

func (e *Engine) runPostPairingSteps(peer uint64, key accountkey.Key) error {
	e.ring.Add(accountkey.Entry{Key: key, Peer: accountkey.PeerID(peer)})
	if err := e.ring.Save(); err != nil {
		return fmt.Errorf("fastpair: save account key ring: %w", err)
	}
	e.hasPendingKey = false
	if e.cfg.PersonalizedNamingEnabled {
		e.state = WaitAdditionalData
		e.pendingDataID = 1
	} else {
		e.state = Idle
	}
	e.stateStartMs = e.clock.NowMs()
	if e.adv != nil {
		if err := e.adv.RefreshIfNonDiscoverable(); err != nil {
			return fmt.Errorf("fastpair: refresh advertisement: %w", err)
		}
	}
	return nil
}

// AdditionalDataPersonalizedName is the Additional-Data data id for a
// personalized device name.
const AdditionalDataPersonalizedName = 1

// OnAdditionalDataWrite handles a write to the Additional-Data
// characteristic (spec.md §4.E "Additional-Data write" / "Additional Data
// codec").
func (e *Engine) OnAdditionalDataWrite(peer uint64, data []byte) error {
	defer func() {
		e.state = Idle
		e.hasSharedKey = false
		e.sharedKey = [16]byte{}
	}()

	if e.state != WaitAdditionalData {
		return fmt.Errorf("fastpair: additional-data write outside WaitAdditionalData")
	}
	if len(data) < 24 {
		return fmt.Errorf("fastpair: additional-data payload too short")
	}
	mac := data[:8]
	iv := data[8:24]
	ciphertext := data[24:]

	expected := cryptokit.HmacSha256(e.sharedKey[:], data[8:])
	if !cryptokit.ConstantTimeEqual(expected[:8], mac) {
		return fmt.Errorf("fastpair: additional-data hmac mismatch")
	}
	plain, err := cryptokit.CTRKeystreamXOR(e.sharedKey[:], iv, ciphertext)
	if err != nil {
		return fmt.Errorf("fastpair: decrypt additional-data: %w", err)
	}

	switch e.pendingDataID {
	case AdditionalDataPersonalizedName:
		if err := e.store.SaveValue("personalized-name", plain); err != nil {
			return fmt.Errorf("fastpair: save personalized name: %w", err)
		}
		if err := e.bt.SetDeviceName(string(plain)); err != nil {
			return fmt.Errorf("fastpair: set device name: %w", err)
		}
		return nil
	default:
		// Only the personalized-name data id is supported.
		return fmt.Errorf("fastpair: unsupported additional-data id %d", e.pendingDataID)
	}
}

// EncodeAdditionalData is the inverse of the wire codec OnAdditionalDataWrite
// decodes: HMAC-SHA256(key, iv||ciphertext)[:8] || iv(16) || AES-CTR(key,
// iv, plaintext). Exposed so a caller emitting Additional-Data notifications
// (e.g. NotifyExistingName) can build a compliant payload.
func EncodeAdditionalData(key [16]byte, iv [16]byte, plaintext []byte) ([]byte, error) {
	ciphertext, err := cryptokit.CTRKeystreamXOR(key[:], iv[:], plaintext)
	if err != nil {
		return nil, fmt.Errorf("fastpair: encrypt additional data: %w", err)
	}
	body := append(append([]byte{}, iv[:]...), ciphertext...)
	mac := cryptokit.HmacSha256(key[:], body)
	return append(mac[:8], body...), nil
}
