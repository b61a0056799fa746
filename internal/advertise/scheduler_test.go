package advertise

import "testing"

type fakeTimer struct {
	nextHandle int
	armed      map[int]fakeArm
}

type fakeArm struct {
	delayMs uint32
	cb      func()
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{armed: make(map[int]fakeArm)}
}

func (f *fakeTimer) Start(delayMs uint32, cb func()) TimerHandle {
	f.nextHandle++
	h := f.nextHandle
	f.armed[h] = fakeArm{delayMs: delayMs, cb: cb}
	return h
}

func (f *fakeTimer) Cancel(h TimerHandle) {
	delete(f.armed, h.(int))
}

// fire invokes the callback for the single live timer (tests never have more
// than one armed at once) and returns its delay.
func (f *fakeTimer) fire() uint32 {
	if len(f.armed) != 1 {
		panic("fakeTimer: fire() requires exactly one armed timer")
	}
	var h int
	var arm fakeArm
	for k, v := range f.armed {
		h, arm = k, v
	}
	delete(f.armed, h)
	arm.cb()
	return arm.delayMs
}

func (f *fakeTimer) live() int { return len(f.armed) }

func TestInterleaverSinglePayloadDoesNotArmTimer(t *testing.T) {
	timer := newFakeTimer()
	fpCount, spotCount := 0, 0
	iv := NewInterleaver(timer, func() { fpCount++ }, func() { spotCount++ })

	iv.SetFastPairActive(true)
	if iv.State() != FastPairSlot {
		t.Fatalf("State() = %v, want FastPairSlot", iv.State())
	}
	if fpCount != 1 || spotCount != 0 {
		t.Errorf("fpCount=%d spotCount=%d, want 1,0", fpCount, spotCount)
	}
	if timer.live() != 0 {
		t.Error("single-payload mode must not arm the interleave timer")
	}
}

func TestInterleaverAlternatesWhenBothActive(t *testing.T) {
	timer := newFakeTimer()
	var sequence []InterleaveState
	iv := NewInterleaver(timer,
		func() { sequence = append(sequence, FastPairSlot) },
		func() { sequence = append(sequence, SpotSlot) },
	)

	iv.SetFastPairActive(true)
	iv.SetSpotActive(true)
	if iv.State() != FastPairSlot {
		t.Fatalf("initial state = %v, want FastPairSlot", iv.State())
	}

	delay := timer.fire() // FP slot timer -> toSpot
	if delay != fastPairSlotMs {
		t.Errorf("FP slot delay = %d, want %d", delay, fastPairSlotMs)
	}
	if iv.State() != SpotSlot {
		t.Fatalf("after FP timer, state = %v, want SpotSlot", iv.State())
	}

	delay = timer.fire() // SPOT slot timer -> toFastPair
	if delay != spotSlotMs {
		t.Errorf("SPOT slot delay = %d, want %d", delay, spotSlotMs)
	}
	if iv.State() != FastPairSlot {
		t.Fatalf("after SPOT timer, state = %v, want FastPairSlot", iv.State())
	}

	want := []InterleaveState{FastPairSlot, FastPairSlot, SpotSlot, FastPairSlot}
	if len(sequence) != len(want) {
		t.Fatalf("sequence = %v, want %v", sequence, want)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Errorf("sequence[%d] = %v, want %v", i, sequence[i], want[i])
		}
	}
}

func TestInterleaverCancellingOnePayloadCollapsesToSingle(t *testing.T) {
	timer := newFakeTimer()
	iv := NewInterleaver(timer, func() {}, func() {})
	iv.SetFastPairActive(true)
	iv.SetSpotActive(true)

	iv.SetSpotActive(false)
	if iv.State() != FastPairSlot {
		t.Fatalf("State() = %v, want FastPairSlot", iv.State())
	}
	if timer.live() != 0 {
		t.Error("collapsing to single payload must cancel the interleave timer")
	}
}

type fakeAddressSource struct {
	native      bool
	nativeAddr  uint64
	lastSetAddr uint64
}

func (f *fakeAddressSource) SetBleAddress(addr uint64) uint64 {
	f.lastSetAddr = addr
	return addr
}

func (f *fakeAddressSource) RotateBleAddress() (uint64, bool) {
	if f.native {
		return f.nativeAddr, true
	}
	return 0, false
}

type fakeRand struct {
	bytes []byte
	i     int
}

func (f *fakeRand) RandByte() (byte, error) {
	b := f.bytes[f.i%len(f.bytes)]
	f.i++
	return b, nil
}

func TestAddressRotatorSuppressedDuringPairing(t *testing.T) {
	timer := newFakeTimer()
	addr := &fakeAddressSource{native: true, nativeAddr: 0xAABBCCDDEEFF}
	rnd := &fakeRand{bytes: []byte{1, 2, 3, 4, 5}}
	pairing := true
	rotated := 0

	r := NewAddressRotator(timer, addr, rnd, func() bool { return pairing }, nil, func(uint64) { rotated++ }, 0)
	if err := r.Schedule(); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	timer.fire()
	if rotated != 0 {
		t.Error("rotation must be suppressed while pairing is in progress")
	}
	if timer.live() != 1 {
		t.Error("fire() must reschedule the next attempt even when suppressed")
	}
}

func TestAddressRotatorUsesNativeRotation(t *testing.T) {
	timer := newFakeTimer()
	addr := &fakeAddressSource{native: true, nativeAddr: 0x112233445566}
	rnd := &fakeRand{bytes: []byte{1, 2, 3, 4, 5}}
	var got uint64

	r := NewAddressRotator(timer, addr, rnd, func() bool { return false }, nil, func(a uint64) { got = a }, 0)
	if err := r.ForceRotate(); err != nil {
		t.Fatalf("ForceRotate() error = %v", err)
	}
	if got != 0x112233445566 {
		t.Errorf("rotated address = %#x, want native address", got)
	}
}

func TestAddressRotatorFallbackSetsTopTwoBits(t *testing.T) {
	timer := newFakeTimer()
	addr := &fakeAddressSource{native: false}
	rnd := &fakeRand{bytes: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}}
	var got uint64

	r := NewAddressRotator(timer, addr, rnd, func() bool { return false }, nil, func(a uint64) { got = a }, 0)
	if err := r.ForceRotate(); err != nil {
		t.Fatalf("ForceRotate() error = %v", err)
	}
	topTwoBits := (got >> 46) & 0x3
	if topTwoBits != 0x1 {
		t.Errorf("top two address bits = %#x, want 0b01", topTwoBits)
	}
	if addr.lastSetAddr != got {
		t.Error("fallback address must be handed to SetBleAddress")
	}
}

func TestAddressRotatorJitterStaysInRange(t *testing.T) {
	timer := newFakeTimer()
	addr := &fakeAddressSource{native: true}
	// Maximum positive jitter: every byte decodes to +127.
	rnd := &fakeRand{bytes: []byte{127, 127, 127, 127, 127}}
	r := NewAddressRotator(timer, addr, rnd, func() bool { return false }, nil, nil, 0)

	if err := r.Schedule(); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	delay := timer.armed[timer.nextHandle].delayMs
	maxJitter := uint32(50+100+200+400+800) * 127
	if delay != DefaultAddressRotationPeriodMs+maxJitter {
		t.Errorf("delay = %d, want %d", delay, DefaultAddressRotationPeriodMs+maxJitter)
	}
}

func TestAddressRotatorHonorsConfiguredBasePeriod(t *testing.T) {
	timer := newFakeTimer()
	addr := &fakeAddressSource{native: true}
	rnd := &fakeRand{bytes: []byte{0, 0, 0, 0, 0}} // zero jitter
	r := NewAddressRotator(timer, addr, rnd, func() bool { return false }, nil, nil, 60000)

	if err := r.Schedule(); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	delay := timer.armed[timer.nextHandle].delayMs
	if delay != 60000 {
		t.Errorf("delay = %d, want configured base period 60000", delay)
	}
}

func TestAddressRotatorBeforeAndAfterHooksRun(t *testing.T) {
	timer := newFakeTimer()
	addr := &fakeAddressSource{native: true, nativeAddr: 0x42}
	rnd := &fakeRand{bytes: []byte{1}}
	var beforeRan, afterRan bool

	r := NewAddressRotator(timer, addr, rnd, func() bool { return false },
		func() { beforeRan = true },
		func(uint64) { afterRan = true },
		0,
	)
	if err := r.ForceRotate(); err != nil {
		t.Fatalf("ForceRotate() error = %v", err)
	}
	if !beforeRan || !afterRan {
		t.Error("ForceRotate must run both the before and after hooks")
	}
}
