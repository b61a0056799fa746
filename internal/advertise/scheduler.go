package advertise

import "fmt"

// Timer is the engine's one-shot timer HAL (§6 OS HAL: StartTimer/CancelTimer
// in spec.md). Every timer the scheduler arms is cancelled before being
// re-armed, matching the engine's single-timer-per-purpose discipline.
type Timer interface {
	Start(delayMs uint32, cb func()) TimerHandle
	Cancel(h TimerHandle)
}

// TimerHandle is an opaque handle returned by Timer.Start.
type TimerHandle any

// AddressSource rotates the shared BLE identity address, mirroring the BT
// HAL's SetBleAddress/RotateBleAddress pair.
type AddressSource interface {
	SetBleAddress(addr uint64) uint64
	// RotateBleAddress asks the radio to pick its own next resolvable
	// private address. ok is false on platforms with no native rotation
	// support, in which case the scheduler builds one itself.
	RotateBleAddress() (addr uint64, ok bool)
}

// Randomness supplies single random bytes, mirroring the OS HAL's Rand()→u8.
type Randomness interface {
	RandByte() (byte, error)
}

// InterleaveState is the single-advertiser time-slicing state (spec.md §4.D).
type InterleaveState int

const (
	NoAdvert InterleaveState = iota
	FastPairSlot
	SpotSlot
)

func (s InterleaveState) String() string {
	switch s {
	case FastPairSlot:
		return "FastPair"
	case SpotSlot:
		return "Spot"
	default:
		return "NoAdvert"
	}
}

const (
	fastPairSlotMs = 100
	spotSlotMs     = 2000
)

// Interleaver time-slices the Fast Pair and SPOT advertisement payloads on a
// radio that can only run one advertiser at a time: ≈100ms bursts of Fast
// Pair alternating with ≈2s of SPOT, so the radio spends most of its time
// emitting SPOT. Either payload can be cancelled independently, collapsing
// the machine back to single-payload mode.
type Interleaver struct {
	timer  Timer
	onFP   func()
	onSpot func()

	state        InterleaveState
	handle       TimerHandle
	fastPairOn   bool
	spotOn       bool
	interleaving bool
}

// NewInterleaver creates an Interleaver. onFP/onSpot publish the
// corresponding advertisement payload when that slot becomes active.
func NewInterleaver(timer Timer, onFP, onSpot func()) *Interleaver {
	return &Interleaver{timer: timer, onFP: onFP, onSpot: onSpot}
}

// State returns the current slot.
func (iv *Interleaver) State() InterleaveState { return iv.state }

// SetFastPairActive enables or disables the Fast Pair payload.
func (iv *Interleaver) SetFastPairActive(on bool) {
	iv.fastPairOn = on
	iv.reconcile()
}

// SetSpotActive enables or disables the SPOT payload.
func (iv *Interleaver) SetSpotActive(on bool) {
	iv.spotOn = on
	iv.reconcile()
}

func (iv *Interleaver) reconcile() {
	switch {
	case iv.fastPairOn && iv.spotOn:
		if !iv.interleaving {
			iv.interleaving = true
			iv.enterFastPair()
		}
	case iv.fastPairOn:
		iv.interleaving = false
		iv.cancelTimer()
		iv.state = FastPairSlot
		iv.onFP()
	case iv.spotOn:
		iv.interleaving = false
		iv.cancelTimer()
		iv.state = SpotSlot
		iv.onSpot()
	default:
		iv.interleaving = false
		iv.cancelTimer()
		iv.state = NoAdvert
	}
}

func (iv *Interleaver) enterFastPair() {
	iv.state = FastPairSlot
	iv.onFP()
	iv.arm(fastPairSlotMs, iv.toSpot)
}

func (iv *Interleaver) toSpot() {
	if !iv.interleaving {
		return
	}
	iv.state = SpotSlot
	iv.onSpot()
	iv.arm(spotSlotMs, iv.toFastPair)
}

func (iv *Interleaver) toFastPair() {
	if !iv.interleaving {
		return
	}
	iv.state = FastPairSlot
	iv.onFP()
	iv.arm(fastPairSlotMs, iv.toSpot)
}

func (iv *Interleaver) arm(delayMs uint32, cb func()) {
	iv.handle = iv.timer.Start(delayMs, cb)
}

func (iv *Interleaver) cancelTimer() {
	if iv.handle != nil {
		iv.timer.Cancel(iv.handle)
		iv.handle = nil
	}
}

// DefaultAddressRotationPeriodMs is the target mean period between BLE
// address rotations (nearby_fp_client.c ADDRESS_ROTATION_PERIOD_MS).
const DefaultAddressRotationPeriodMs = 1024000

// AddressRotator drives the shared BLE identity address's periodic
// rotation: an average 1024s period (configurable; nearby_fp_client.c treats
// it as a fixed constant, but this deployment exposes it as an operator
// knob), jittered ±200s, suspended while a pairing flow is in progress, and
// forceable on demand when entering a discoverable advertising mode to
// defeat replay.
type AddressRotator struct {
	timer   Timer
	addr    AddressSource
	rnd     Randomness
	pairing func() bool // true while rotation must stay suspended
	before  func()      // disable advertising before swapping identities
	after   func(newAddr uint64)

	basePeriodMs uint32
	handle       TimerHandle
}

// NewAddressRotator creates an AddressRotator. pairing reports whether a
// pairing flow currently suppresses rotation; before runs immediately prior
// to picking a new address (typically disabling advertising); after runs
// once the new address is live (typically notifying Message Stream peers and
// republishing the current advertisement). basePeriodMs is the mean
// rotation period before jitter; pass 0 to use DefaultAddressRotationPeriodMs.
func NewAddressRotator(timer Timer, addr AddressSource, rnd Randomness, pairing func() bool, before func(), after func(newAddr uint64), basePeriodMs uint32) *AddressRotator {
	if basePeriodMs == 0 {
		basePeriodMs = DefaultAddressRotationPeriodMs
	}
	return &AddressRotator{timer: timer, addr: addr, rnd: rnd, pairing: pairing, before: before, after: after, basePeriodMs: basePeriodMs}
}

// Schedule (re)arms the rotation timer with a freshly jittered delay,
// cancelling any timer already running.
func (r *AddressRotator) Schedule() error {
	r.Cancel()
	delay, err := r.jitteredDelayMs()
	if err != nil {
		return fmt.Errorf("advertise: jitter rotation delay: %w", err)
	}
	r.handle = r.timer.Start(delay, r.fire)
	return nil
}

// Cancel stops any pending rotation timer.
func (r *AddressRotator) Cancel() {
	if r.handle != nil {
		r.timer.Cancel(r.handle)
		r.handle = nil
	}
}

// ForceRotate rotates immediately — used when switching into a discoverable
// advertising mode, per spec.md §4.D's replay-defeating extra rotation — and
// reschedules the periodic timer from that point.
func (r *AddressRotator) ForceRotate() error {
	r.Cancel()
	r.rotate()
	return r.Schedule()
}

func (r *AddressRotator) fire() {
	// Reschedule before checking suspension, matching
	// nearby_fp_client.c's MaybeRotateBleAddress: the next attempt is
	// always queued even if this one is skipped.
	_ = r.Schedule()
	if r.pairing() {
		return
	}
	r.rotate()
}

func (r *AddressRotator) rotate() {
	if r.before != nil {
		r.before()
	}
	var newAddr uint64
	if addr, ok := r.addr.RotateBleAddress(); ok {
		newAddr = addr
	} else {
		newAddr = r.buildRandomizedAddress()
		newAddr = r.addr.SetBleAddress(newAddr)
	}
	if r.after != nil {
		r.after(newAddr)
	}
}

// buildRandomizedAddress assembles a resolvable private address from six
// random bytes, forcing the top two address bits to 0b01 (RPA marker) —
// nearby_fp_client.c's fallback RotateBleAddress path for platforms with no
// native rotation routine.
func (r *AddressRotator) buildRandomizedAddress() uint64 {
	var addr uint64
	for i := 0; i < 6; i++ {
		b, err := r.rnd.RandByte()
		if err != nil {
			break
		}
		addr = (addr << 8) ^ uint64(b)
	}
	addr |= uint64(1) << 46
	addr &^= uint64(1) << 47
	return addr
}

// jitteredDelayMs reproduces GetRotationDelayMs(): the base period plus five
// random bytes, each reinterpreted as a signed int8 and weighted by an
// increasing power of two (50, 100, 200, 400, 800ms), giving roughly ±200s
// of spread around the 1024s mean.
func (r *AddressRotator) jitteredDelayMs() (uint32, error) {
	delay := int64(r.basePeriodMs)
	for i := 0; i < 5; i++ {
		b, err := r.rnd.RandByte()
		if err != nil {
			return 0, err
		}
		delay += int64(50<<uint(i)) * int64(int8(b))
	}
	if delay < 0 {
		delay = 0
	}
	return uint32(delay), nil
}
