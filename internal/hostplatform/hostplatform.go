// Package hostplatform is this daemon's own OS and persistent-storage HAL:
// a monotonic/persistent clock and timer pool backed by the Go runtime, and
// opaque key/value + account-key-list storage backed by JSON files under
// the configured data directory. It plays the role the reference firmware's
// nearby_platform_os.c plays for embedded targets, adapted to a
// general-purpose host the way the teacher's internal/audio package adapts
// a desktop microphone API to its own narrow Recorder interface.
package hostplatform

import (
	"crypto/ecdh"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chaz8081/fastpair-provider/internal/accountkey"
	"github.com/chaz8081/fastpair-provider/internal/advertise"
	"github.com/chaz8081/fastpair-provider/internal/cryptokit"
	"github.com/chaz8081/fastpair-provider/internal/spot"
)

// OS implements engine.OS on top of the Go runtime: time.AfterFunc for
// one-shot timers, crypto/rand (via cryptokit) for randomness, process start
// time for the millisecond clock, and Unix wall-clock time for the
// persistent clock.
type OS struct {
	start time.Time

	mu      sync.Mutex
	ringing spot.RingingInfo
	consent bool
}

// New creates an OS HAL. consent seeds whether the operator has granted
// standing consent for raw EIK reads (spec.md §4.F); a production host
// would wire this to a physical button or companion-app prompt instead of
// a fixed flag. numRingComponents is the fixed ringer capability reported by
// ReadBeaconParameters (2 for a left/right earbud pair with no case ringer).
func New(consent bool, numRingComponents byte) *OS {
	o := &OS{start: time.Now(), consent: consent}
	o.ringing.NumComponents = numRingComponents
	return o
}

func (o *OS) NowMs() uint32 {
	return uint32(time.Since(o.start).Milliseconds())
}

// PersistentTimeSeconds returns wall-clock seconds since the Unix epoch,
// standing in for the reference firmware's battery-backed RTC.
func (o *OS) PersistentTimeSeconds() uint32 {
	return uint32(time.Now().Unix())
}

func (o *OS) RandByte() (byte, error) { return cryptokit.RandU8() }

func (o *OS) RandBytes(n int) ([]byte, error) { return cryptokit.RandBytes(n) }

// Start arms a one-shot timer, returning the *time.Timer as the opaque
// advertise.TimerHandle.
func (o *OS) Start(delayMs uint32, cb func()) advertise.TimerHandle {
	return time.AfterFunc(time.Duration(delayMs)*time.Millisecond, cb)
}

func (o *OS) Cancel(h advertise.TimerHandle) {
	if t, ok := h.(*time.Timer); ok {
		t.Stop()
	}
}

func (o *OS) HasUserConsentForReadingEIK() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.consent
}

// SetConsent updates the standing EIK-read consent flag, e.g. in response
// to an operator action surfaced by the embedding application.
func (o *OS) SetConsent(v bool) {
	o.mu.Lock()
	o.consent = v
	o.mu.Unlock()
}

func (o *OS) GetRingingInfo() (spot.RingingInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ringing, nil
}

// Ring records the ring command issued by the engine. A production host
// would drive an actual speaker here; this daemon only tracks state so
// GetRingingInfo stays consistent with what was last requested.
func (o *OS) Ring(command byte, timeoutDeciseconds uint16, volume byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if command == 0 {
		o.ringing.State = spot.RingStateStopped
		o.ringing.Components = 0
		return nil
	}
	o.ringing.State = spot.RingStateStarted
	o.ringing.Components = command
	o.ringing.Volume = volume
	o.ringing.Timeout = timeoutDeciseconds
	return nil
}

// defaultRingVolume is the volume nearby_platform_RingingVolume's
// "default" constant maps to (0x00, per nearby_spot.h).
const defaultRingVolume = 0x00

// Audio adapts *OS's 3-argument Ring (command, timeout, volume) — shared
// with the SPOT beacon's own ringing opcodes — to engine.Audio's narrower
// 2-argument Message Stream RING signature, which carries no volume byte
// of its own and always rings at the device's default volume.
type Audio struct{ os *OS }

// NewAudio wraps os for use as the façade's engine.Audio dependency.
func NewAudio(os *OS) Audio { return Audio{os: os} }

func (a Audio) Ring(components byte, timeoutDeciseconds uint16) error {
	return a.os.Ring(components, timeoutDeciseconds, defaultRingVolume)
}

// Persistence implements engine.Persistence with one JSON file per
// opaque key under dataDir, and a dedicated JSON file for the account-key
// list, matching halconfig.PersistConfig's two named paths.
type Persistence struct {
	dataDir         string
	accountKeysPath string

	mu sync.Mutex
}

// NewPersistence creates a file-backed Persistence HAL, creating dataDir if
// it does not already exist.
func NewPersistence(dataDir, accountKeysPath string) (*Persistence, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("hostplatform: create data dir %s: %w", dataDir, err)
	}
	return &Persistence{dataDir: dataDir, accountKeysPath: accountKeysPath}, nil
}

func (p *Persistence) valuePath(key string) string {
	return filepath.Join(p.dataDir, "kv-"+key+".json")
}

func (p *Persistence) LoadValue(key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := os.ReadFile(p.valuePath(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("hostplatform: load %s: %w", key, err)
	}
	var wrapped struct {
		Data []byte `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, false, fmt.Errorf("hostplatform: decode %s: %w", key, err)
	}
	return wrapped.Data, true, nil
}

func (p *Persistence) SaveValue(key string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	encoded, err := json.Marshal(struct {
		Data []byte `json:"data"`
	}{Data: data})
	if err != nil {
		return fmt.Errorf("hostplatform: encode %s: %w", key, err)
	}
	return os.WriteFile(p.valuePath(key), encoded, 0o644)
}

func (p *Persistence) ClearValue(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := os.Remove(p.valuePath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

type accountKeyRecord struct {
	Key  string `json:"key"` // hex
	Peer uint64 `json:"peer"`
}

func (p *Persistence) LoadAccountKeys() ([]accountkey.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := os.ReadFile(p.accountKeysPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hostplatform: load account keys: %w", err)
	}
	var records []accountKeyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("hostplatform: decode account keys: %w", err)
	}
	entries := make([]accountkey.Entry, 0, len(records))
	for _, r := range records {
		raw, err := hex.DecodeString(r.Key)
		if err != nil {
			return nil, fmt.Errorf("hostplatform: decode account key hex %q: %w", r.Key, err)
		}
		if len(raw) != accountkey.KeySize {
			return nil, fmt.Errorf("hostplatform: account key %q is not %d bytes", r.Key, accountkey.KeySize)
		}
		var key accountkey.Key
		copy(key[:], raw)
		entries = append(entries, accountkey.Entry{Key: key, Peer: accountkey.PeerID(r.Peer)})
	}
	return entries, nil
}

func (p *Persistence) SaveAccountKeys(entries []accountkey.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	records := make([]accountKeyRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, accountKeyRecord{Key: hex.EncodeToString(e.Key[:]), Peer: uint64(e.Peer)})
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("hostplatform: encode account keys: %w", err)
	}
	return os.WriteFile(p.accountKeysPath, data, 0o644)
}

// SecureElement implements engine.SecureElement with an in-process P-256
// key pair, standing in for a discrete secure element chip that would hold
// the anti-spoofing private key outside the host's reach.
type SecureElement struct {
	priv *ecdh.PrivateKey
}

// NewSecureElement generates a fresh P-256 key pair. A production build
// would load a provisioned key from the secure element instead.
func NewSecureElement() (*SecureElement, error) {
	key, err := cryptokit.GenerateP256KeyPair()
	if err != nil {
		return nil, fmt.Errorf("hostplatform: generate secure element key: %w", err)
	}
	return &SecureElement{priv: key}, nil
}

func (s *SecureElement) SharedSecret(peerPubRaw64 []byte) ([16]byte, error) {
	return cryptokit.CreateSharedSecret(s.priv, peerPubRaw64)
}
