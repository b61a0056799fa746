// Package msgstream implements the Message Stream dispatcher: framed I/O
// over an opaque byte pipe (GATT PSM or RFCOMM), per-peer parser state, the
// built-in device-info/ring handlers, ACK/NACK framing and the SASS
// (Smart Audio Source Switching) sub-protocol. Grounded on spec.md §4.F and
// modeled, in its length-prefixed-frame parsing shape, on the teacher's
// internal/ble/protocol package framing conventions.
package msgstream

import (
	"encoding/binary"
	"fmt"

	"github.com/chaz8081/fastpair-provider/internal/cryptokit"
)

// Frame groups (spec.md §4.F table + SASS group).
const (
	GroupDeviceInfo   = 3
	GroupDeviceAction = 4
	GroupSASS         = 7
	GroupACK          = 0xFF
)

// Built-in codes.
const (
	CodeDeviceInfoModelID                  = 1
	CodeDeviceInfoBLEAddressUpdated        = 2
	CodeDeviceInfoSessionNonce             = 3
	CodeDeviceInfoBatteryInfo              = 4
	CodeDeviceInfoActiveComponentRequest   = 5
	CodeDeviceInfoActiveComponentResponse  = 6
	CodeDeviceInfoCapabilities             = 7
	CodeDeviceInfoPlatformType             = 8
	CodeDeviceInfoBatteryRemainingTime     = 9

	CodeDeviceActionRing = 1

	CodeACK  = 1
	CodeNACK = 2
)

// SASS opcodes (spec.md §4.F.SASS).
const (
	SassGetCapability                = 0x00
	SassNotifyCapability             = 0x01
	SassIndicateInUseAccountKey      = 0x02
	SassSetMultipointState           = 0x03
	SassSetSwitchingPreference       = 0x04
	SassGetSwitchingPreference       = 0x05
	SassSwitchActiveAudioSource      = 0x06
	SassSwitchBackAudioSource        = 0x07
	SassGetConnectionStatus          = 0x08
	SassNotifyConnectionStatus       = 0x09
	SassNotifySassInitiatedConn      = 0x0A
	SassSendCustomData               = 0x0B
	SassSetDropConnectionTarget      = 0x0C
	SassNotifyMultipointSwitchEvent  = 0x0D
)

const (
	frameHeaderSize   = 4
	sassAuthSuffixLen = 8 + 8 // message nonce + 8-byte HMAC tag
	nonceSize         = 8
)

// NACK failure reasons.
const (
	FailReasonNotSupported    = 0x00
	FailReasonDeviceBusy      = 0x01
	FailReasonInvalidValue    = 0x02
	FailReasonBadAuthKey      = 0x03
)

// Sender writes raw bytes to a connected peer's byte pipe (GATT PSM socket
// or RFCOMM channel — spec.md §6's SendMessageStream).
type Sender interface {
	SendMessageStream(peer uint64, data []byte) error
}

// BatteryInfo mirrors the advertise package's battery LTV payload, reused
// here for the on-connect Battery Info / Battery Remaining Time messages.
type BatteryInfo struct {
	Available         bool
	Charging          bool
	LeftBudLevel      byte
	RightBudLevel     byte
	ChargingCaseLevel byte
	RemainingMinutes  uint16 // 0 = unknown/omit
}

// AudioHAL drives ringing hardware for the RING message.
type AudioHAL interface {
	Ring(components byte, timeoutDeciseconds uint16) error
}

// Randomness supplies random bytes for session/message nonces.
type Randomness interface {
	RandBytes(n int) ([]byte, error)
}

// Clock supplies milliseconds since boot, used to timestamp per-peer state.
type Clock interface {
	NowMs() uint32
}

// SassAuthKey resolves the account key currently authenticating SASS
// messages for a given peer (the "in-use account key", spec.md §4.F.SASS).
type SassAuthKey interface {
	AccountKeyFor(peer uint64) ([16]byte, bool)
}

// frameParser accumulates bytes for one peer's in-flight frame, per spec.md
// §4.F's RfcommInput.parser: a length-prefixed header, then `length` bytes
// of payload, truncated to capacity if length exceeds it. bytesRead counts
// actual wire bytes consumed (header + full declared length) so the parser
// stays correctly aligned to the next frame's header even when the payload
// itself is too large to buffer in full.
type frameParser struct {
	capacity int
	header   []byte
	payload  []byte // only ever grows up to capacity-frameHeaderSize bytes
	declared int     // the frame's declared (possibly over-capacity) length
	bytesRead int    // wire bytes consumed for the frame in progress
}

func newFrameParser(capacity int) *frameParser {
	return &frameParser{capacity: capacity}
}

// Frame is a parsed Message Stream frame.
type Frame struct {
	Group    byte
	Code     byte
	Declared int // the length the sender declared, which may exceed len(Payload)
	Payload  []byte
}

// Feed appends bytes and returns every frame that completes as a result, in
// arrival order. A payload whose declared length exceeds the parser's
// capacity is truncated; the frame still fires with the truncated payload,
// but every declared byte is still consumed from the wire so the next
// frame's header stays aligned (spec.md §4.F / §8 boundary behavior).
func (p *frameParser) Feed(data []byte) []Frame {
	var frames []Frame
	for len(data) > 0 {
		if len(p.header) < frameHeaderSize {
			need := frameHeaderSize - len(p.header)
			n := min(need, len(data))
			p.header = append(p.header, data[:n]...)
			data = data[n:]
			p.bytesRead += n
			if len(p.header) < frameHeaderSize {
				return frames
			}
			p.declared = int(binary.BigEndian.Uint16(p.header[2:4]))
		}

		totalWire := frameHeaderSize + p.declared
		payloadCap := p.capacity - frameHeaderSize
		if payloadCap < 0 {
			payloadCap = 0
		}

		if len(p.payload) < payloadCap && len(p.payload) < p.declared {
			room := payloadCap - len(p.payload)
			want := p.declared - len(p.payload)
			if want > room {
				want = room
			}
			n := min(want, len(data))
			if n > 0 {
				p.payload = append(p.payload, data[:n]...)
				data = data[n:]
				p.bytesRead += n
			}
		}

		remaining := totalWire - p.bytesRead
		if remaining > 0 {
			n := min(remaining, len(data))
			data = data[n:]
			p.bytesRead += n
		}

		if p.bytesRead < totalWire {
			return frames
		}

		frames = append(frames, Frame{
			Group:    p.header[0],
			Code:     p.header[1],
			Declared: p.declared,
			Payload:  append([]byte(nil), p.payload...),
		})
		p.header = nil
		p.payload = nil
		p.declared = 0
		p.bytesRead = 0
	}
	return frames
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

const defaultParserCapacity = 128

// peerState is the per-peer Message Stream session, mirroring spec.md §3's
// RfcommInput plus SessionNonce.
type peerState struct {
	peer          uint64
	parser        *frameParser
	capabilities  byte
	platformType  [2]byte
	sessionNonce  [nonceSize]byte
	inUseAuth     bool
}

// MaxPeers is the size of the per-peer state pool (spec.md §3 M_MAX).
const MaxPeers = 2

// Handlers lets the embedding application observe connect/disconnect and
// unhandled messages, mirroring the top-level façade's event fan-out
// (spec.md §4.H).
type Handlers interface {
	OnMessageStreamConnected(peer uint64)
	OnMessageStreamDisconnected(peer uint64)
	OnMessageStreamReceived(peer uint64, group, code byte, payload []byte)

	// OnInUseAccountKeyChanged reports that peer's in-use account key status
	// changed (spec.md §4.F.SASS: "the in-use account key per peer drives
	// which key gets the 0x02 bit set in the next non-discoverable
	// advertisement"). inUse is false once the peer disconnects or loses
	// in-use status.
	OnInUseAccountKeyChanged(peer uint64, inUse bool)
}

// Dispatcher is the Message Stream protocol engine: one instance shared
// across all connected peers, holding a bounded pool of per-peer parser
// state (spec.md §3 RfcommInput / §5 "running out of slots logs a warning
// and drops the connection").
type Dispatcher struct {
	send     Sender
	rnd      Randomness
	clock    Clock
	audio    AudioHAL
	authKeys SassAuthKey
	handlers Handlers
	modelID  [3]byte
	battery  func() (BatteryInfo, bool)

	peers [MaxPeers]*peerState
}

// New creates a Dispatcher. battery, if non-nil, is consulted on each new
// connection to decide whether Battery Info/Remaining Time are emitted.
func New(send Sender, rnd Randomness, clock Clock, audio AudioHAL, authKeys SassAuthKey, handlers Handlers, modelID [3]byte, battery func() (BatteryInfo, bool)) *Dispatcher {
	return &Dispatcher{send: send, rnd: rnd, clock: clock, audio: audio, authKeys: authKeys, handlers: handlers, modelID: modelID, battery: battery}
}

func (d *Dispatcher) slotFor(peer uint64) *peerState {
	for _, s := range d.peers {
		if s != nil && s.peer == peer {
			return s
		}
	}
	return nil
}

func (d *Dispatcher) freeSlot() (int, bool) {
	for i, s := range d.peers {
		if s == nil {
			return i, true
		}
	}
	return 0, false
}

// OnConnect allocates a slot for peer and emits the on-connect message
// sequence: Model-Id, BLE Address Updated, Session Nonce, and — if
// available — Battery Info / Battery Remaining Time. Returns an error (and
// refuses the connection) if the pool is full.
func (d *Dispatcher) OnConnect(peer uint64, bleAddress uint64) error {
	idx, ok := d.freeSlot()
	if !ok {
		return fmt.Errorf("msgstream: no free peer slot for %x, dropping connection", peer)
	}
	nonce, err := d.rnd.RandBytes(nonceSize)
	if err != nil {
		return fmt.Errorf("msgstream: generate session nonce: %w", err)
	}
	st := &peerState{peer: peer, parser: newFrameParser(defaultParserCapacity)}
	copy(st.sessionNonce[:], nonce)
	d.peers[idx] = st

	if err := d.sendFrame(peer, GroupDeviceInfo, CodeDeviceInfoModelID, d.modelID[:]); err != nil {
		return err
	}
	addrPayload := make([]byte, 6)
	putBE48(addrPayload, bleAddress)
	if err := d.sendFrame(peer, GroupDeviceInfo, CodeDeviceInfoBLEAddressUpdated, addrPayload); err != nil {
		return err
	}
	if err := d.sendFrame(peer, GroupDeviceInfo, CodeDeviceInfoSessionNonce, st.sessionNonce[:]); err != nil {
		return err
	}
	if d.battery != nil {
		if info, ok := d.battery(); ok && info.Available {
			charge := byte(0)
			if info.Charging {
				charge = 1 << 7
			}
			payload := []byte{
				charge | (info.LeftBudLevel & 0x7F),
				charge | (info.RightBudLevel & 0x7F),
				charge | (info.ChargingCaseLevel & 0x7F),
			}
			if err := d.sendFrame(peer, GroupDeviceInfo, CodeDeviceInfoBatteryInfo, payload); err != nil {
				return err
			}
			if info.RemainingMinutes > 0 {
				var rem []byte
				if info.RemainingMinutes <= 0xFF {
					rem = []byte{byte(info.RemainingMinutes)}
				} else {
					rem = []byte{byte(info.RemainingMinutes >> 8), byte(info.RemainingMinutes)}
				}
				if err := d.sendFrame(peer, GroupDeviceInfo, CodeDeviceInfoBatteryRemainingTime, rem); err != nil {
					return err
				}
			}
		}
	}
	if d.handlers != nil {
		d.handlers.OnMessageStreamConnected(peer)
	}
	return nil
}

// OnDisconnect frees peer's slot.
func (d *Dispatcher) OnDisconnect(peer uint64) {
	for i, s := range d.peers {
		if s != nil && s.peer == peer {
			wasInUse := s.inUseAuth
			d.peers[i] = nil
			if d.handlers != nil {
				if wasInUse {
					d.handlers.OnInUseAccountKeyChanged(peer, false)
				}
				d.handlers.OnMessageStreamDisconnected(peer)
			}
			return
		}
	}
}

func putBE48(dst []byte, addr uint64) {
	for i := 0; i < 6; i++ {
		dst[5-i] = byte(addr >> (8 * uint(i)))
	}
}

func (d *Dispatcher) sendFrame(peer uint64, group, code byte, payload []byte) error {
	out := make([]byte, frameHeaderSize+len(payload))
	out[0] = group
	out[1] = code
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[frameHeaderSize:], payload)
	if err := d.send.SendMessageStream(peer, out); err != nil {
		return fmt.Errorf("msgstream: send frame: %w", err)
	}
	return nil
}

func (d *Dispatcher) ack(peer uint64, group, code byte) error {
	return d.sendFrame(peer, GroupACK, CodeACK, []byte{group, code})
}

func (d *Dispatcher) nack(peer uint64, reason, group, code byte) error {
	return d.sendFrame(peer, GroupACK, CodeNACK, []byte{reason, group, code})
}

// OnBytesReceived feeds newly-arrived bytes for peer through its frame
// parser and dispatches each completed frame. The caller is the external
// byte-pipe driver (RFCOMM/PSM socket reader).
func (d *Dispatcher) OnBytesReceived(peer uint64, data []byte) error {
	st := d.slotFor(peer)
	if st == nil {
		return fmt.Errorf("msgstream: bytes received for unknown peer %x", peer)
	}
	for _, frame := range st.parser.Feed(data) {
		if err := d.dispatch(st, frame); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) dispatch(st *peerState, frame Frame) error {
	switch {
	case frame.Group == GroupDeviceInfo && frame.Code == CodeDeviceInfoActiveComponentRequest:
		return d.handleActiveComponentRequest(st)
	case frame.Group == GroupDeviceInfo && frame.Code == CodeDeviceInfoCapabilities:
		if len(frame.Payload) >= 1 {
			st.capabilities = frame.Payload[0]
		}
		return d.ack(st.peer, frame.Group, frame.Code)
	case frame.Group == GroupDeviceInfo && frame.Code == CodeDeviceInfoPlatformType:
		if len(frame.Payload) >= 2 {
			copy(st.platformType[:], frame.Payload)
		}
		return d.ack(st.peer, frame.Group, frame.Code)
	case frame.Group == GroupDeviceAction && frame.Code == CodeDeviceActionRing:
		return d.handleRing(st, frame)
	case frame.Group == GroupSASS:
		return d.handleSASS(st, frame)
	default:
		if d.handlers != nil {
			d.handlers.OnMessageStreamReceived(st.peer, frame.Group, frame.Code, frame.Payload)
		}
		return nil
	}
}

func (d *Dispatcher) handleActiveComponentRequest(st *peerState) error {
	// Bit 0 = right active, bit 1 = left active. This package has no source
	// of audio routing state (AudioHAL only rings), so this default reply
	// always reports both components off; SendActiveComponentResponse lets
	// the façade send the real state.
	return d.SendActiveComponentResponse(st.peer, false, false)
}

// SendActiveComponentResponse lets the façade answer an
// ACTIVE_COMPONENT_REQUEST with the real audio routing state.
func (d *Dispatcher) SendActiveComponentResponse(peer uint64, rightActive, leftActive bool) error {
	var b byte
	if rightActive {
		b |= 1
	}
	if leftActive {
		b |= 2
	}
	return d.sendFrame(peer, GroupDeviceInfo, CodeDeviceInfoActiveComponentResponse, []byte{b})
}

func (d *Dispatcher) handleRing(st *peerState, frame Frame) error {
	if len(frame.Payload) < 1 {
		return d.nack(st.peer, FailReasonInvalidValue, frame.Group, frame.Code)
	}
	components := frame.Payload[0]
	var timeoutDeciseconds uint16
	if len(frame.Payload) >= 2 {
		timeoutDeciseconds = uint16(frame.Payload[1]) * 10
	}
	if err := d.ack(st.peer, frame.Group, frame.Code); err != nil {
		return err
	}
	if err := d.audio.Ring(components, timeoutDeciseconds); err != nil {
		return d.nack(st.peer, FailReasonDeviceBusy, frame.Group, frame.Code)
	}
	return nil
}

// signMessage appends messageNonce(8) || HMAC-SHA256(key, sessionNonce ||
// messageNonce || payload)[:8] to payload, per spec.md §4.F.SASS.
func signMessage(key [16]byte, sessionNonce [nonceSize]byte, payload []byte, rnd Randomness) ([]byte, error) {
	msgNonce, err := rnd.RandBytes(nonceSize)
	if err != nil {
		return nil, fmt.Errorf("msgstream: sass message nonce: %w", err)
	}
	msg := append(append([]byte{}, sessionNonce[:]...), msgNonce...)
	msg = append(msg, payload...)
	tag := cryptokit.HmacSha256(key[:], msg)
	out := append(append([]byte{}, payload...), msgNonce...)
	out = append(out, tag[:8]...)
	return out, nil
}

// verifySignedMessage checks a SASS message's trailing
// messageNonce(8)||tag(8) against key and sessionNonce, returning the
// unsigned payload prefix.
func verifySignedMessage(key [16]byte, sessionNonce [nonceSize]byte, signed []byte) ([]byte, bool) {
	if len(signed) < sassAuthSuffixLen {
		return nil, false
	}
	payload := signed[:len(signed)-sassAuthSuffixLen]
	msgNonce := signed[len(signed)-sassAuthSuffixLen : len(signed)-8]
	tag := signed[len(signed)-8:]
	msg := append(append([]byte{}, sessionNonce[:]...), msgNonce...)
	msg = append(msg, payload...)
	expected := cryptokit.HmacSha256(key[:], msg)
	if !cryptokit.ConstantTimeEqual(expected[:8], tag) {
		return nil, false
	}
	return payload, true
}

func (d *Dispatcher) handleSASS(st *peerState, frame Frame) error {
	switch frame.Code {
	case SassGetConnectionStatus:
		return d.notifyConnectionStatus(st, true, 0)

	case SassGetCapability:
		return d.sendFrame(st.peer, GroupSASS, SassNotifyCapability, []byte{0x00, 0x00})

	case SassIndicateInUseAccountKey:
		if !d.verifySassSignature(st, frame) {
			return d.nack(st.peer, FailReasonBadAuthKey, frame.Group, frame.Code)
		}
		st.inUseAuth = true
		if d.handlers != nil {
			d.handlers.OnInUseAccountKeyChanged(st.peer, true)
		}
		return d.ack(st.peer, frame.Group, frame.Code)

	default:
		if !st.inUseAuth {
			return d.nack(st.peer, FailReasonBadAuthKey, frame.Group, frame.Code)
		}
		if !d.verifySassSignature(st, frame) {
			return d.nack(st.peer, FailReasonBadAuthKey, frame.Group, frame.Code)
		}
		return d.ack(st.peer, frame.Group, frame.Code)
	}
}

// verifySassSignature checks a stateful SASS message's trailing
// messageNonce||HMAC tag against the peer's bound account key, per spec.md
// §4.F.SASS's "all signed SASS messages are authenticated by appending
// message_nonce(8) || HMAC-SHA-256(account_key, ...)[0..8]".
func (d *Dispatcher) verifySassSignature(st *peerState, frame Frame) bool {
	key, ok := d.authKeys.AccountKeyFor(st.peer)
	if !ok {
		return false
	}
	_, ok = verifySignedMessage(key, st.sessionNonce, frame.Payload)
	return ok
}

// notifyConnectionStatus sends the 12-byte NotifyConnectionStatus payload,
// re-randomizing the peer's session nonce as part of the response (spec.md
// §4.F.SASS).
func (d *Dispatcher) notifyConnectionStatus(st *peerState, isActive bool, connState byte) error {
	nonce, err := d.rnd.RandBytes(nonceSize)
	if err != nil {
		return fmt.Errorf("msgstream: refresh session nonce: %w", err)
	}
	copy(st.sessionNonce[:], nonce)

	payload := make([]byte, 4+nonceSize)
	if isActive {
		payload[0] = 1
	}
	payload[1] = connState
	copy(payload[4:], st.sessionNonce[:])
	return d.sendFrame(st.peer, GroupSASS, SassNotifyConnectionStatus, payload)
}

// NotifyMultipointSwitchEvent broadcasts an 8-byte
// [reason, self/other, trailing address/name(6)] payload to every connected
// peer, self=1 to the peer that gained the audio session and other=2 to
// every other connected peer (spec.md §4.F.SASS).
func (d *Dispatcher) NotifyMultipointSwitchEvent(reason byte, gainedPeer uint64, trailing [6]byte) error {
	for _, s := range d.peers {
		if s == nil {
			continue
		}
		selfOther := byte(2)
		if s.peer == gainedPeer {
			selfOther = 1
		}
		payload := append([]byte{reason, selfOther}, trailing[:]...)
		if err := d.sendFrame(s.peer, GroupSASS, SassNotifyMultipointSwitchEvent, payload); err != nil {
			return err
		}
	}
	return nil
}

// BroadcastBLEAddressUpdated notifies every connected peer of a BLE address
// rotation (spec.md §4.D / §8 scenario 5).
func (d *Dispatcher) BroadcastBLEAddressUpdated(newAddress uint64) error {
	payload := make([]byte, 6)
	putBE48(payload, newAddress)
	for _, s := range d.peers {
		if s == nil {
			continue
		}
		if err := d.sendFrame(s.peer, GroupDeviceInfo, CodeDeviceInfoBLEAddressUpdated, payload); err != nil {
			return err
		}
	}
	return nil
}

// PeerCapabilities returns the stored capabilities/platform-type bytes for a
// connected peer, if any.
func (d *Dispatcher) PeerCapabilities(peer uint64) (capabilities byte, platformType [2]byte, ok bool) {
	st := d.slotFor(peer)
	if st == nil {
		return 0, [2]byte{}, false
	}
	return st.capabilities, st.platformType, true
}
