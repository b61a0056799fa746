// Package spot implements the provider side of the SPOT (Simple Precision
// Object Tracker / Find My Device network) beacon protocol: ephemeral
// identity provisioning, nonce-authenticated Beacon Action reads/writes, and
// Unwanted Tracking Protection mode. Grounded directly on
// nearby_spot.c/nearby_spot.h in original_source — opcode values, buffer
// layouts and the HMAC-based auth-key scheme are taken byte-for-byte from
// nearby_spot_WriteBeaconAction and its per-opcode handlers.
package spot

import (
	"encoding/binary"
	"fmt"

	"github.com/chaz8081/fastpair-provider/internal/accountkey"
	"github.com/chaz8081/fastpair-provider/internal/cryptokit"
)

// SPOT beacon protocol wire constants (nearby_spot.c).
const (
	protocolMajorVersion = 1
	protocolVersionSize  = 1

	nonceSize        = 8
	authKeySize      = 8
	ephemeralKeySize = 32
	ephemeralIDSize  = 20 // secp160r1 curve; 32 for the P-256 build variant, not used here
	headerSize       = 2  // shared REQUEST_HEADER_SIZE / RESPONSE_HEADER_SIZE

	recoveryKeySuffix = 0x01
	ringKeySuffix     = 0x02
	utpKeySuffix      = 0x03

	rotationPeriodExponent = 10
	clockMask              = ^uint32((1 << rotationPeriodExponent) - 1)

	controlFlagSkipRingingAuthentication = 0x01

	frameTypeSize    = 1
	frameType        = 0x40
	frameTypeWithUTP = 0x41
)

// frameHeader is the fixed GAP/AD prefix SPOT advertisements share (flags AD
// structure + length/type/UUID of the service-data AD structure).
var frameHeader = []byte{2, 1, 6, 24, 0x16, 0xAA, 0xFE}

// Beacon Action opcodes. Requests and their corresponding responses share
// the same numeric value in the original firmware (REQUEST_RING == 0x05 ==
// RESPONSE_RING_STATE_CHANGE, for instance); only the direction of travel
// distinguishes them.
const (
	opReadBeaconParameters  = 0x00
	opReadProvisioningState = 0x01
	opSetEphemeralKey       = 0x02
	opClearEphemeralKey     = 0x03
	opReadEphemeralKey      = 0x04
	opRing                  = 0x05
	opReadRingingState      = 0x06
	opActivateUTP           = 0x07
	opDeactivateUTP         = 0x08
)

// Status codes a Write Beacon Action request can return, per spec.md's error
// table (STATUS_UNAUTHENTICATED/STATUS_INVALID_VALUE/STATUS_NO_USER_CONSENT
// in nearby_spot.c).
const (
	StatusOK              = 0x00
	StatusUnauthenticated = 0x80
	StatusInvalidValue    = 0x81
	StatusNoUserConsent   = 0x82
)

// RingState mirrors nearby_platform_RingingInfo's ring_state field.
type RingState byte

const (
	RingStateStopped RingState = iota
	RingStateStarted
)

// RingingInfo reports the physical ringer's capability and current state.
// NumComponents is a fixed capability (how many ringable components this
// accessory has: 0 none, 1 single, 2 left+right, 3 left+right+case) while
// Components is the bitmap of which ones are ringing right now — two
// distinct fields in nearby_platform_RingingInfo, not one reused for both.
type RingingInfo struct {
	State         RingState
	NumComponents byte
	Components    byte
	Volume        byte
	Timeout       uint16
}

// Notifier delivers a GATT notification on the Beacon Action characteristic.
type Notifier interface {
	NotifyBeaconAction(peer uint64, payload []byte) error
}

// Advertiser publishes or stops the raw SPOT advertisement frame on a given
// BLE address. A nil frame means "stop advertising".
type Advertiser interface {
	SetSpotAdvertisement(address uint64, frame []byte) error
}

// AddressSource supplies the BLE identity address SPOT advertises from.
// utpActive distinguishes dual-address deployments — where UTP mode uses a
// second, independently-rotating address — from single-address ones, where
// the same shared address is simply rotated once a day instead of every
// ~17 minutes; the engine facade decides which case applies, and both look
// identical from here (GetSpotAddress in nearby_spot.c).
type AddressSource interface {
	CurrentSpotAddress(utpActive bool) uint64
}

// Clock supplies the persistent, reboot-surviving time in seconds used to
// bucket the ephemeral identity's rotation window.
type Clock interface {
	PersistentTimeSeconds() uint32
}

// Randomness supplies single random bytes, used for Beacon Action nonces.
type Randomness interface {
	RandByte() (byte, error)
}

// Ringer drives the physical ringer hardware.
type Ringer interface {
	GetRingingInfo() (RingingInfo, error)
	Ring(command byte, timeoutDeciseconds uint16, volume byte) error
}

// TxPower reports the configured BLE TX power level.
type TxPower interface {
	GetTxLevel() int8
}

// ConsentSource gates raw EIK reads on user consent, per spec.md's
// kNoUserConsent case (HasUserConsentForReadingEik in nearby_spot.c).
type ConsentSource interface {
	IsInPairingMode() bool
	HasUserConsentForReadingEIK() bool
}

// Store persists the owner and ephemeral keys across reboots.
type Store interface {
	LoadValue(key string) (data []byte, ok bool, err error)
	SaveValue(key string, data []byte) error
	ClearValue(key string) error
}

const (
	storeKeyOwnerKey     = "spot_owner_key"
	storeKeyEphemeralKey = "spot_ephemeral_key"
)

// Beacon is the provider-side SPOT state machine: one nonce-authenticated
// session at a time, one ephemeral identity key, one owner account key.
// Fields mirror the file-scope statics of nearby_spot.c, now owned by a
// single value instead of living at global scope.
type Beacon struct {
	notify     Notifier
	adv        Advertiser
	addrSource AddressSource
	clock      Clock
	rnd        Randomness
	ringer     Ringer
	tx         TxPower
	consent    ConsentSource
	store      Store
	keys       *accountkey.Ring

	// FactoryReset, if set, runs after a successful Clear Ephemeral Key —
	// the original firmware does this behind a build-time flag
	// (NEARBY_SPOT_FACTORY_RESET_DEVICE_ON_CLEARING_EIK); here it is simply
	// an optional hook, nil by default.
	FactoryReset func() error

	remoteAddress uint64
	hasNonce      bool
	nonce         [nonceSize]byte

	hasOwnerKey bool
	ownerKey    [accountkey.KeySize]byte

	hasEphemeralKey bool
	ephemeralKey    [ephemeralKeySize]byte
	ephemeralID     [ephemeralIDSize]byte
	hashedFieldLSB  byte

	utpMode            bool
	controlFlags       byte
	accountKeyIndex    int // -1 = none selected
	ringingPeerAddress uint64
}

// New creates a Beacon. Call Init before use to load any persisted keys.
func New(notify Notifier, adv Advertiser, addrSource AddressSource, clock Clock, rnd Randomness, ringer Ringer, tx TxPower, consent ConsentSource, store Store, keys *accountkey.Ring) *Beacon {
	return &Beacon{
		notify: notify, adv: adv, addrSource: addrSource, clock: clock, rnd: rnd,
		ringer: ringer, tx: tx, consent: consent, store: store, keys: keys,
		accountKeyIndex: -1,
	}
}

// Init loads any persisted owner/ephemeral keys and resets the per-session
// state (nonce, remote address), mirroring nearby_spot_Init.
func (b *Beacon) Init() error {
	if data, ok, err := b.store.LoadValue(storeKeyEphemeralKey); err != nil {
		return fmt.Errorf("spot: init: load ephemeral key: %w", err)
	} else if ok && len(data) == ephemeralKeySize {
		copy(b.ephemeralKey[:], data)
		b.hasEphemeralKey = true
	}
	if data, ok, err := b.store.LoadValue(storeKeyOwnerKey); err != nil {
		return fmt.Errorf("spot: init: load owner key: %w", err)
	} else if ok && len(data) == accountkey.KeySize {
		copy(b.ownerKey[:], data)
		b.hasOwnerKey = true
	}
	b.remoteAddress = 0
	b.hasNonce = false
	b.utpMode = false
	b.accountKeyIndex = -1
	return nil
}

// IsProvisioned reports whether an ephemeral identity key has been set.
func (b *Beacon) IsProvisioned() bool { return b.hasEphemeralKey }

// UTPMode reports whether Unwanted Tracking Protection is currently active.
func (b *Beacon) UTPMode() bool { return b.utpMode }

// ControlFlags returns the current control-flags byte (bit 0: skip ringing
// authentication).
func (b *Beacon) ControlFlags() byte { return b.controlFlags }

// GetEID returns the current ephemeral identity, or an error if none has
// been derived yet.
func (b *Beacon) GetEID() ([ephemeralIDSize]byte, error) {
	if !b.hasEphemeralKey {
		return [ephemeralIDSize]byte{}, fmt.Errorf("spot: no ephemeral key set")
	}
	return b.ephemeralID, nil
}

// SetBeaconAccountKey designates key as the owner account key — the first
// account key ever added to the device — and persists it.
func (b *Beacon) SetBeaconAccountKey(key [accountkey.KeySize]byte) error {
	b.ownerKey = key
	b.hasOwnerKey = true
	if err := b.store.SaveValue(storeKeyOwnerKey, b.ownerKey[:]); err != nil {
		return fmt.Errorf("spot: save owner key: %w", err)
	}
	return nil
}

// ReadBeaconAction issues a fresh nonce for peer and returns the response
// payload: [protocol major version, nonce(8)].
func (b *Beacon) ReadBeaconAction(peer uint64) ([]byte, error) {
	b.remoteAddress = peer
	out := make([]byte, protocolVersionSize+nonceSize)
	out[0] = protocolMajorVersion
	for i := 0; i < nonceSize; i++ {
		rb, err := b.rnd.RandByte()
		if err != nil {
			return nil, fmt.Errorf("spot: read beacon action: %w", err)
		}
		b.nonce[i] = rb
		out[1+i] = rb
	}
	b.hasNonce = true
	return out, nil
}

// verifyKey checks SHA-256(key || nonce)[:8] == authKey — the "prove you
// hold this raw key" check used to confirm ephemeral-key replacement/removal
// (VerifyKey in nearby_spot.c).
func (b *Beacon) verifyKey(key, authKey []byte) bool {
	ctx := cryptokit.NewSha256Ctx()
	ctx.Update(key)
	ctx.Update(b.nonce[:])
	digest := ctx.Finish()
	return cryptokit.ConstantTimeEqual(digest[:authKeySize], authKey)
}

// computeAuthTag computes (or, when generate is false, this is the value to
// compare against a peer-supplied auth key):
//
//	HMAC-SHA256(key, major_version || nonce || data_id || data_length || additional_data [|| 0x01])[:8]
//
// payload is either an incoming request (payload[0]/[1] = data_id/length,
// additional data starting at headerSize+authKeySize) or an outgoing
// response built the same way — the auth-key slot itself, at
// [headerSize:headerSize+authKeySize], is never part of the hashed input.
// Mirrors VerifyOrGenerateAuthenticationKey.
func (b *Beacon) computeAuthTag(key, payload []byte, generate bool) []byte {
	dataLength := int(payload[1])
	additionalLen := dataLength - authKeySize
	if additionalLen < 0 {
		additionalLen = 0
	}
	msg := make([]byte, 0, 1+nonceSize+2+additionalLen+1)
	msg = append(msg, protocolMajorVersion)
	msg = append(msg, b.nonce[:]...)
	msg = append(msg, payload[0], payload[1])
	if additionalLen > 0 {
		msg = append(msg, payload[headerSize+authKeySize:headerSize+authKeySize+additionalLen]...)
	}
	if generate {
		msg = append(msg, 0x01)
	}
	tag := cryptokit.HmacSha256(key, msg)
	return tag[:authKeySize]
}

func (b *Beacon) verifyAuthKeyTag(key, authKey, request []byte) bool {
	return cryptokit.ConstantTimeEqual(b.computeAuthTag(key, request, false), authKey)
}

// verifyAnyAccountKey tries every key in the ring in order, stashing the
// matching index in accountKeyIndex for the handler to use (e.g. to encrypt
// Read Beacon Parameters' payload under the same key that authenticated the
// request). Mirrors VerifyAnyAccountKey.
func (b *Beacon) verifyAnyAccountKey(authKey, request []byte) bool {
	for i := 0; i < b.keys.Count(); i++ {
		key := b.keys.At(i).Key
		if b.verifyAuthKeyTag(key[:], authKey, request) {
			b.accountKeyIndex = i
			return true
		}
	}
	return false
}

func (b *Beacon) computeKey(suffix byte) [authKeySize]byte {
	ctx := cryptokit.NewSha256Ctx()
	ctx.Update(b.ephemeralKey[:])
	ctx.Update([]byte{suffix})
	digest := ctx.Finish()
	var out [authKeySize]byte
	copy(out[:], digest[:authKeySize])
	return out
}

func (b *Beacon) computeRecoveryKey() [authKeySize]byte { return b.computeKey(recoveryKeySuffix) }
func (b *Beacon) computeRingKey() [authKeySize]byte     { return b.computeKey(ringKeySuffix) }
func (b *Beacon) computeUTPKey() [authKeySize]byte      { return b.computeKey(utpKeySuffix) }

func (b *Beacon) hasUserConsent() bool {
	return b.consent.IsInPairingMode() || b.consent.HasUserConsentForReadingEIK()
}

// generateEphemeralID derives the current EID from the ephemeral key and the
// persistent-time rotation bucket, per GenerateEphemeralId: two 0xFF/0x00
// padded 16-byte blocks (each ending with the rotation exponent and the
// big-endian time bucket), independently AES-256-ECB-encrypted under the
// ephemeral key, then folded into a secp160r1 public key.
func (b *Beacon) generateEphemeralID() error {
	timestamp := b.clock.PersistentTimeSeconds() & clockMask

	var buf [ephemeralKeySize]byte
	for i := 0; i < 11; i++ {
		buf[i] = 0xFF
	}
	buf[11] = rotationPeriodExponent
	binary.BigEndian.PutUint32(buf[12:16], timestamp)
	// bytes 16..26 stay zero
	buf[27] = rotationPeriodExponent
	copy(buf[28:32], buf[12:16])

	enc, err := cryptokit.ECBEncrypt(b.ephemeralKey[:], buf[:])
	if err != nil {
		return fmt.Errorf("spot: encrypt ephemeral id buffer: %w", err)
	}
	pub, hashedLow, err := cryptokit.Secp160r1PublicKeyAndHash(enc)
	if err != nil {
		return fmt.Errorf("spot: derive ephemeral id: %w", err)
	}
	b.ephemeralID = pub
	b.hashedFieldLSB = hashedLow
	return nil
}

// buildAdvertisement assembles the SPOT advertisement frame: the fixed GAP
// header, a frame-type byte (0x40, or 0x41 under UTP), the 20-byte EID, and
// an optional hashed-flags trailer XORed with the low byte of the EID
// derivation's hash, present only when there is a flag to carry. Mirrors
// StartAdvertising.
func (b *Beacon) buildAdvertisement() []byte {
	hashedFlag := byte(0)
	if b.utpMode {
		hashedFlag |= 0x01
	}

	out := make([]byte, 0, len(frameHeader)+frameTypeSize+ephemeralIDSize+1)
	out = append(out, frameHeader...)
	if b.utpMode {
		out = append(out, frameTypeWithUTP)
	} else {
		out = append(out, frameType)
	}
	out = append(out, b.ephemeralID[:]...)
	if hashedFlag != 0 {
		out = append(out, hashedFlag^b.hashedFieldLSB)
	}
	return out
}

func (b *Beacon) startAdvertising() error {
	addr := b.addrSource.CurrentSpotAddress(b.utpMode)
	return b.adv.SetSpotAdvertisement(addr, b.buildAdvertisement())
}

func (b *Beacon) stopAdvertising() error {
	return b.adv.SetSpotAdvertisement(0, nil)
}

func (b *Beacon) updateAdvertisement() error {
	if err := b.generateEphemeralID(); err != nil {
		return err
	}
	_ = b.stopAdvertising()
	return b.startAdvertising()
}

// SetAdvertisement starts or stops SPOT advertising. Starting requires both
// an ephemeral key and an owner account key to already be set; callers
// should invoke this roughly every 1024 seconds and whenever the BLE address
// rotates, per nearby_spot_SetAdvertisement.
func (b *Beacon) SetAdvertisement(enable bool) error {
	if !enable {
		return b.stopAdvertising()
	}
	if !b.hasEphemeralKey {
		return fmt.Errorf("spot: cannot advertise without an ephemeral key")
	}
	if !b.hasOwnerKey {
		return fmt.Errorf("spot: cannot advertise without an owner account key")
	}
	return b.updateAdvertisement()
}

// WriteBeaconAction processes an authenticated write to the Beacon Action
// characteristic. On success it delivers the response via
// Notifier.NotifyBeaconAction and returns StatusOK; on failure it returns
// one of the SPOT error codes without notifying. The nonce issued by the
// last ReadBeaconAction is consumed (made single-use) the moment a write
// from the same peer arrives, even if the rest of the request is rejected.
func (b *Beacon) WriteBeaconAction(peer uint64, request []byte) byte {
	if peer != b.remoteAddress || !b.hasNonce {
		return StatusUnauthenticated
	}
	b.hasNonce = false
	if len(request) < headerSize {
		return StatusInvalidValue
	}
	dataID := request[0]
	dataLength := int(request[1])
	if dataLength+headerSize != len(request) {
		return StatusInvalidValue
	}
	authKey := request[headerSize:]
	if len(authKey) >= authKeySize {
		authKey = authKey[:authKeySize]
	}

	switch dataID {
	case opReadBeaconParameters:
		b.accountKeyIndex = -1
		if dataLength != authKeySize {
			return StatusInvalidValue
		}
		if !b.verifyAnyAccountKey(authKey, request) {
			return StatusUnauthenticated
		}
		return b.replyReadBeaconParameters(peer)

	case opReadProvisioningState:
		b.accountKeyIndex = -1
		if dataLength != authKeySize {
			return StatusInvalidValue
		}
		if !b.verifyAnyAccountKey(authKey, request) {
			return StatusUnauthenticated
		}
		// Migration path for providers that never tracked insertion order:
		// the first account key used to read provisioning state may be
		// adopted as the owner key if none was ever set.
		if !b.hasOwnerKey {
			if err := b.SetBeaconAccountKey(b.keys.At(b.accountKeyIndex).Key); err != nil {
				return StatusInvalidValue
			}
		}
		isOwner := b.verifyAuthKeyTag(b.ownerKey[:], authKey, request)
		return b.replyReadProvisioningState(peer, isOwner)

	case opSetEphemeralKey:
		switch dataLength {
		case authKeySize + ephemeralKeySize:
			if b.hasEphemeralKey {
				return StatusInvalidValue
			}
		case authKeySize + ephemeralKeySize + authKeySize:
			if !b.hasEphemeralKey {
				return StatusInvalidValue
			}
			if !b.verifyKey(b.ephemeralKey[:], request[headerSize+authKeySize+ephemeralKeySize:]) {
				return StatusUnauthenticated
			}
		default:
			return StatusInvalidValue
		}
		if !b.hasOwnerKey {
			return StatusInvalidValue
		}
		if !b.verifyAuthKeyTag(b.ownerKey[:], authKey, request) {
			return StatusUnauthenticated
		}
		if err := b.decryptAndSaveEphemeralKey(request[headerSize+authKeySize : headerSize+authKeySize+ephemeralKeySize]); err != nil {
			return StatusInvalidValue
		}
		return b.replySetEphemeralIdentityKey(peer)

	case opClearEphemeralKey:
		if dataLength != 2*authKeySize {
			return StatusInvalidValue
		}
		if !b.hasOwnerKey || !b.hasEphemeralKey {
			return StatusInvalidValue
		}
		if !b.verifyAuthKeyTag(b.ownerKey[:], authKey, request) {
			return StatusUnauthenticated
		}
		if !b.verifyKey(b.ephemeralKey[:], request[headerSize+authKeySize:]) {
			return StatusUnauthenticated
		}
		return b.replyClearEphemeralIdentityKey(peer)

	case opReadEphemeralKey:
		if dataLength != authKeySize {
			return StatusInvalidValue
		}
		if !b.hasEphemeralKey {
			return StatusInvalidValue
		}
		recoveryKey := b.computeRecoveryKey()
		if !b.verifyAuthKeyTag(recoveryKey[:], authKey, request) {
			return StatusUnauthenticated
		}
		if !b.hasUserConsent() {
			return StatusNoUserConsent
		}
		return b.replyReadEphemeralKey(peer, recoveryKey)

	case opRing:
		if dataLength <= authKeySize {
			return StatusInvalidValue
		}
		if !b.hasEphemeralKey {
			return StatusInvalidValue
		}
		ringKey := b.computeRingKey()
		skipAuth := b.controlFlags == controlFlagSkipRingingAuthentication && b.utpMode
		if !skipAuth && !b.verifyAuthKeyTag(ringKey[:], authKey, request) {
			return StatusUnauthenticated
		}
		return b.ring(peer, request[headerSize+authKeySize:])

	case opReadRingingState:
		if dataLength != authKeySize {
			return StatusInvalidValue
		}
		if !b.hasEphemeralKey {
			return StatusInvalidValue
		}
		ringKey := b.computeRingKey()
		if !b.verifyAuthKeyTag(ringKey[:], authKey, request) {
			return StatusUnauthenticated
		}
		return b.replyReadRingingState(peer, ringKey)

	case opActivateUTP:
		if dataLength < authKeySize {
			return StatusInvalidValue
		}
		if !b.hasEphemeralKey {
			return StatusInvalidValue
		}
		utpKey := b.computeUTPKey()
		if !b.verifyAuthKeyTag(utpKey[:], authKey, request) {
			return StatusUnauthenticated
		}
		return b.activateUTP(peer, utpKey, request[headerSize+authKeySize:])

	case opDeactivateUTP:
		if dataLength != 2*authKeySize {
			return StatusInvalidValue
		}
		if !b.hasEphemeralKey {
			return StatusInvalidValue
		}
		utpKey := b.computeUTPKey()
		if !b.verifyAuthKeyTag(utpKey[:], authKey, request) {
			return StatusUnauthenticated
		}
		if !b.verifyKey(b.ephemeralKey[:], request[headerSize+authKeySize:]) {
			return StatusUnauthenticated
		}
		return b.deactivateUTP(peer, utpKey)
	}
	return StatusInvalidValue
}

func (b *Beacon) replyReadBeaconParameters(peer uint64) byte {
	if b.accountKeyIndex < 0 {
		return StatusUnauthenticated
	}
	const additionalLen = 16
	payload := make([]byte, headerSize+authKeySize+additionalLen)
	payload[0] = opReadBeaconParameters
	payload[1] = byte(authKeySize + additionalLen)

	additional := make([]byte, additionalLen)
	additional[0] = byte(b.tx.GetTxLevel())
	binary.BigEndian.PutUint32(additional[1:5], b.clock.PersistentTimeSeconds())
	additional[5] = 0x00 // secp160r1 curve id (0x01 marks the 32-byte P-256 EID variant)
	info, err := b.ringer.GetRingingInfo()
	if err != nil {
		return StatusInvalidValue
	}
	additional[6] = info.NumComponents
	additional[7] = info.Volume
	// additional[8:16] stays zero-padded

	key := b.keys.At(b.accountKeyIndex).Key
	enc, err := cryptokit.ECBEncrypt(key[:], additional)
	if err != nil {
		return StatusInvalidValue
	}
	copy(payload[headerSize+authKeySize:], enc)

	tag := b.computeAuthTag(key[:], payload, true)
	copy(payload[headerSize:headerSize+authKeySize], tag)

	if err := b.notify.NotifyBeaconAction(peer, payload); err != nil {
		return StatusInvalidValue
	}
	return StatusOK
}

func (b *Beacon) replyReadProvisioningState(peer uint64, isOwner bool) byte {
	if b.accountKeyIndex < 0 {
		return StatusUnauthenticated
	}
	extra := 1
	if b.hasEphemeralKey {
		extra += ephemeralIDSize
	}
	payload := make([]byte, headerSize+authKeySize+extra)
	payload[0] = opReadProvisioningState
	payload[1] = byte(authKeySize + extra)
	flags := byte(0)
	if b.hasEphemeralKey {
		flags |= 1
	}
	if isOwner {
		flags |= 2
	}
	payload[headerSize+authKeySize] = flags
	if b.hasEphemeralKey {
		copy(payload[headerSize+authKeySize+1:], b.ephemeralID[:])
	}

	key := b.keys.At(b.accountKeyIndex).Key
	tag := b.computeAuthTag(key[:], payload, true)
	copy(payload[headerSize:headerSize+authKeySize], tag)

	if err := b.notify.NotifyBeaconAction(peer, payload); err != nil {
		return StatusInvalidValue
	}
	return StatusOK
}

// decryptAndSaveEphemeralKey decrypts the two 16-byte halves of encrypted
// under the owner key (ECB, each half independent) and persists the result
// as the new ephemeral identity key, then republishes the advertisement.
func (b *Beacon) decryptAndSaveEphemeralKey(encrypted []byte) error {
	dec, err := cryptokit.ECBDecrypt(b.ownerKey[:], encrypted)
	if err != nil {
		return fmt.Errorf("spot: decrypt ephemeral key: %w", err)
	}
	copy(b.ephemeralKey[:], dec)
	if err := b.store.SaveValue(storeKeyEphemeralKey, b.ephemeralKey[:]); err != nil {
		return fmt.Errorf("spot: save ephemeral key: %w", err)
	}
	b.hasEphemeralKey = true
	return b.updateAdvertisement()
}

func (b *Beacon) replySetEphemeralIdentityKey(peer uint64) byte {
	payload := make([]byte, headerSize+authKeySize)
	payload[0] = opSetEphemeralKey
	payload[1] = authKeySize
	tag := b.computeAuthTag(b.ownerKey[:], payload, true)
	copy(payload[headerSize:], tag)
	if err := b.notify.NotifyBeaconAction(peer, payload); err != nil {
		return StatusInvalidValue
	}
	return StatusOK
}

func (b *Beacon) clearEphemeralKey() error {
	b.hasEphemeralKey = false
	b.ephemeralKey = [ephemeralKeySize]byte{}
	b.ephemeralID = [ephemeralIDSize]byte{}
	if err := b.store.ClearValue(storeKeyEphemeralKey); err != nil {
		return fmt.Errorf("spot: clear ephemeral key: %w", err)
	}
	return b.stopAdvertising()
}

func (b *Beacon) replyClearEphemeralIdentityKey(peer uint64) byte {
	payload := make([]byte, headerSize+authKeySize)
	payload[0] = opClearEphemeralKey
	payload[1] = authKeySize

	if err := b.clearEphemeralKey(); err != nil {
		return StatusInvalidValue
	}

	tag := b.computeAuthTag(b.ownerKey[:], payload, true)
	copy(payload[headerSize:], tag)
	if err := b.notify.NotifyBeaconAction(peer, payload); err != nil {
		return StatusInvalidValue
	}
	if b.FactoryReset != nil {
		if err := b.FactoryReset(); err != nil {
			return StatusInvalidValue
		}
	}
	return StatusOK
}

func (b *Beacon) replyReadEphemeralKey(peer uint64, recoveryKey [authKeySize]byte) byte {
	payload := make([]byte, headerSize+authKeySize+ephemeralKeySize)
	payload[0] = opReadEphemeralKey
	payload[1] = byte(authKeySize + ephemeralKeySize)

	enc, err := cryptokit.ECBEncrypt(b.ownerKey[:], b.ephemeralKey[:])
	if err != nil {
		return StatusInvalidValue
	}
	copy(payload[headerSize+authKeySize:], enc)

	tag := b.computeAuthTag(recoveryKey[:], payload, true)
	copy(payload[headerSize:headerSize+authKeySize], tag)
	if err := b.notify.NotifyBeaconAction(peer, payload); err != nil {
		return StatusInvalidValue
	}
	return StatusOK
}

func (b *Beacon) ring(peer uint64, data []byte) byte {
	if len(data) < 1 {
		return StatusInvalidValue
	}
	command := data[0]
	var timeout uint16
	var volume byte
	if command != 0 {
		if len(data) != 4 {
			return StatusInvalidValue
		}
		timeout = binary.BigEndian.Uint16(data[1:3])
		volume = data[3]
	}
	b.ringingPeerAddress = peer
	if err := b.ringer.Ring(command, timeout, volume); err != nil {
		return StatusInvalidValue
	}
	return StatusOK
}

// OnRingStateChange notifies the peer that last issued a ring command
// whenever the physical ringing state changes (start, stop, or timeout),
// mirroring nearby_spot_OnRingStateChange. Call it from the Ringer HAL's own
// state-change callback.
func (b *Beacon) OnRingStateChange() error {
	if !b.hasEphemeralKey {
		return fmt.Errorf("spot: ring state change without an ephemeral key")
	}
	info, err := b.ringer.GetRingingInfo()
	if err != nil {
		return fmt.Errorf("spot: get ringing info: %w", err)
	}
	if info.State != RingStateStarted || info.Components == 0 {
		info.Timeout = 0
	}
	ringKey := b.computeRingKey()

	payload := make([]byte, headerSize+authKeySize+4)
	payload[0] = opRing // RESPONSE_RING_STATE_CHANGE shares REQUEST_RING's value
	payload[1] = byte(authKeySize + 4)
	payload[headerSize+authKeySize] = byte(info.State)
	payload[headerSize+authKeySize+1] = info.Components
	binary.BigEndian.PutUint16(payload[headerSize+authKeySize+2:], info.Timeout)

	tag := b.computeAuthTag(ringKey[:], payload, true)
	copy(payload[headerSize:headerSize+authKeySize], tag)

	return b.notify.NotifyBeaconAction(b.ringingPeerAddress, payload)
}

func (b *Beacon) replyReadRingingState(peer uint64, ringKey [authKeySize]byte) byte {
	info, err := b.ringer.GetRingingInfo()
	if err != nil {
		return StatusInvalidValue
	}
	if info.State != RingStateStarted || info.Components == 0 {
		info.Timeout = 0
	}
	payload := make([]byte, headerSize+authKeySize+3)
	payload[0] = opReadRingingState
	payload[1] = byte(authKeySize + 3)
	payload[headerSize+authKeySize] = info.Components
	binary.BigEndian.PutUint16(payload[headerSize+authKeySize+1:], info.Timeout)

	tag := b.computeAuthTag(ringKey[:], payload, true)
	copy(payload[headerSize:headerSize+authKeySize], tag)
	if err := b.notify.NotifyBeaconAction(peer, payload); err != nil {
		return StatusInvalidValue
	}
	return StatusOK
}

// activateUTP turns on Unwanted Tracking Protection. data, if exactly one
// byte long, sets the new control-flags byte (currently only bit 0, "skip
// ringing authentication", is defined).
func (b *Beacon) activateUTP(peer uint64, utpKey [authKeySize]byte, data []byte) byte {
	if len(data) == 1 {
		b.controlFlags = data[0]
	}
	b.utpMode = true
	if err := b.updateAdvertisement(); err != nil {
		return StatusInvalidValue
	}

	payload := make([]byte, headerSize+authKeySize)
	payload[0] = opActivateUTP
	payload[1] = authKeySize
	tag := b.computeAuthTag(utpKey[:], payload, true)
	copy(payload[headerSize:], tag)
	if err := b.notify.NotifyBeaconAction(peer, payload); err != nil {
		return StatusInvalidValue
	}
	return StatusOK
}

func (b *Beacon) deactivateUTP(peer uint64, utpKey [authKeySize]byte) byte {
	b.controlFlags = 0
	b.utpMode = false
	if err := b.updateAdvertisement(); err != nil {
		return StatusInvalidValue
	}

	payload := make([]byte, headerSize+authKeySize)
	payload[0] = opDeactivateUTP
	payload[1] = authKeySize
	tag := b.computeAuthTag(utpKey[:], payload, true)
	copy(payload[headerSize:], tag)
	if err := b.notify.NotifyBeaconAction(peer, payload); err != nil {
		return StatusInvalidValue
	}
	return StatusOK
}
