// Package blehal is the concrete BLE HAL: it wraps tinygo.org/x/bluetooth's
// peripheral/advertisement API to satisfy the engine package's BLE and
// Bluetooth interfaces, the server-side mirror of the teacher's
// CoreBluetoothAdapter client wrapper in internal/ble/corebluetooth.go.
//
// Classic Bluetooth bonding, RFCOMM and pairing-result delivery sit behind a
// real BT controller's own stack on production silicon; tinygo.org/x/bluetooth
// exposes none of that for the peripheral role, so the Bluetooth-side methods
// here track the minimum state (device name, pairing-mode flag, passkey) a
// software accessory needs to exercise the engine end to end, mirroring how
// nearby_platform_bt.h treats the BT stack as an external collaborator.
package blehal

import (
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// Fast Pair / Find My Device Network GATT UUIDs, per the published Fast
// Pair GATT service spec (service 0xFE2C plus its four provider
// characteristics) and the Find My Device Network accessory spec's Beacon
// Actions characteristic.
var (
	fastPairServiceUUID    = bluetooth.New16BitUUID(0xFE2C)
	keyBasedPairingCharUUID = mustParseUUID("FE2C1234-8366-4814-8EB0-01DE32100BEA")
	passkeyCharUUID         = mustParseUUID("FE2C1235-8366-4814-8EB0-01DE32100BEA")
	accountKeyCharUUID      = mustParseUUID("FE2C1236-8366-4814-8EB0-01DE32100BEA")
	additionalDataCharUUID  = mustParseUUID("FE2C1237-8366-4814-8EB0-01DE32100BEA")
	beaconActionsCharUUID   = mustParseUUID("FE2C1238-8366-4814-8EB0-01DE32100BEA")
)

func mustParseUUID(s string) bluetooth.UUID {
	id, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic("blehal: invalid built-in UUID " + s + ": " + err.Error())
	}
	return id
}

// GATTHandlers are the engine-side callbacks a connected central's writes
// get dispatched to. cmd/fastpair-providerd supplies these from the wired
// engine.Engine (FastPair() and Beacon()), keeping blehal itself free of any
// dependency on the rest of the engine packages.
type GATTHandlers struct {
	OnKeyBasedPairingWrite func(peer uint64, data []byte) error
	OnPasskeyWrite         func(peer uint64, data []byte) error
	OnAccountKeyWrite      func(peer uint64, data []byte) error
	OnAdditionalDataWrite  func(peer uint64, data []byte) error
	// OnBeaconActionWrite returns the SPOT status byte, which Server
	// discards; Beacon Action responses are delivered via
	// NotifyBeaconAction, not a return value.
	OnBeaconActionWrite func(peer uint64, data []byte) byte
	// ReadBeaconAction issues a fresh single-use nonce for the given peer,
	// called whenever this HAL refreshes the characteristic's readable value.
	ReadBeaconAction func(peer uint64) ([]byte, error)
	OnConnect        func(peer uint64)
	OnDisconnect     func(peer uint64)
}

// Server is the concrete BLE peripheral: one GATT service advertising Fast
// Pair's four provider characteristics plus the Beacon Actions
// characteristic, backed by tinygo.org/x/bluetooth.
type Server struct {
	adapter  *bluetooth.Adapter
	handlers GATTHandlers

	mu         sync.Mutex
	peer       uint64 // currently connected central; this accessory supports one central at a time, like most earbuds/trackers
	bleAddress uint64 // identity address last set by internal/advertise.AddressRotator

	keyBasedPairingChar bluetooth.Characteristic
	passkeyChar         bluetooth.Characteristic
	accountKeyChar      bluetooth.Characteristic
	additionalDataChar  bluetooth.Characteristic
	beaconActionsChar   bluetooth.Characteristic

	nonceTicker *time.Ticker
	stopNonce   chan struct{}

	deviceName  string
	pairingMode bool
	passkey     uint32
}

// New creates a Server wrapping the default system BLE adapter.
func New(handlers GATTHandlers) *Server {
	return &Server{
		adapter:  bluetooth.DefaultAdapter,
		handlers: handlers,
	}
}

// Start enables the radio, registers the connect/disconnect handler and the
// Fast Pair + Beacon Actions GATT service, matching the teacher's
// CoreBluetoothAdapter.Enable sequence (enable, then SetConnectHandler).
func (s *Server) Start() error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("blehal: enable adapter: %w", err)
	}

	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addr := addressToUint64(device.Address)
		s.mu.Lock()
		if connected {
			s.peer = addr
		} else if s.peer == addr {
			s.peer = 0
		}
		s.mu.Unlock()

		if connected {
			if s.handlers.OnConnect != nil {
				s.handlers.OnConnect(addr)
			}
			return
		}
		if s.handlers.OnDisconnect != nil {
			s.handlers.OnDisconnect(addr)
		}
	})

	service := &bluetooth.Service{
		UUID: fastPairServiceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &s.keyBasedPairingChar,
				UUID:   keyBasedPairingCharUUID,
				Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicNotifyPermission,
				WriteEvent: s.dispatch(func(peer uint64, data []byte) error {
					if s.handlers.OnKeyBasedPairingWrite == nil {
						return nil
					}
					return s.handlers.OnKeyBasedPairingWrite(peer, data)
				}),
			},
			{
				Handle: &s.passkeyChar,
				UUID:   passkeyCharUUID,
				Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicNotifyPermission,
				WriteEvent: s.dispatch(func(peer uint64, data []byte) error {
					if s.handlers.OnPasskeyWrite == nil {
						return nil
					}
					return s.handlers.OnPasskeyWrite(peer, data)
				}),
			},
			{
				Handle: &s.accountKeyChar,
				UUID:   accountKeyCharUUID,
				Flags:  bluetooth.CharacteristicWritePermission,
				WriteEvent: s.dispatch(func(peer uint64, data []byte) error {
					if s.handlers.OnAccountKeyWrite == nil {
						return nil
					}
					return s.handlers.OnAccountKeyWrite(peer, data)
				}),
			},
			{
				Handle: &s.additionalDataChar,
				UUID:   additionalDataCharUUID,
				Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicNotifyPermission,
				WriteEvent: s.dispatch(func(peer uint64, data []byte) error {
					if s.handlers.OnAdditionalDataWrite == nil {
						return nil
					}
					return s.handlers.OnAdditionalDataWrite(peer, data)
				}),
			},
			{
				Handle: &s.beaconActionsChar,
				UUID:   beaconActionsCharUUID,
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicNotifyPermission,
				WriteEvent: s.dispatch(func(peer uint64, data []byte) error {
					if s.handlers.OnBeaconActionWrite != nil {
						s.handlers.OnBeaconActionWrite(peer, data)
					}
					return nil
				}),
			},
		},
	}

	if err := s.adapter.AddService(service); err != nil {
		return fmt.Errorf("blehal: add GATT service: %w", err)
	}

	s.startNonceRefresh()
	return nil
}

// dispatch adapts a peer-scoped write handler to tinygo.org/x/bluetooth's
// WriteEvent signature, which carries no peer identity of its own — this
// accessory tracks the single connected central's address itself (see the
// package doc).
func (s *Server) dispatch(fn func(peer uint64, data []byte) error) func(client bluetooth.Connection, offset int, value []byte) {
	return func(client bluetooth.Connection, offset int, value []byte) {
		s.mu.Lock()
		peer := s.peer
		s.mu.Unlock()
		_ = fn(peer, value)
	}
}

// startNonceRefresh keeps the Beacon Actions characteristic's readable
// value populated with a fresh single-use nonce. tinygo.org/x/bluetooth has
// no portable "about to be read" callback for the peripheral role, so this
// mirrors the reference firmware's nonce-per-read contract by reissuing the
// nonce on a short tick instead of on the read itself — a platform
// limitation, not a protocol one, since ReadBeaconAction's nonce is
// single-use regardless of how often it is regenerated.
func (s *Server) startNonceRefresh() {
	s.stopNonce = make(chan struct{})
	s.nonceTicker = time.NewTicker(500 * time.Millisecond)
	go func() {
		for {
			select {
			case <-s.nonceTicker.C:
				s.refreshBeaconActionsValue()
			case <-s.stopNonce:
				return
			}
		}
	}()
}

func (s *Server) refreshBeaconActionsValue() {
	if s.handlers.ReadBeaconAction == nil {
		return
	}
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == 0 {
		return
	}
	frame, err := s.handlers.ReadBeaconAction(peer)
	if err != nil {
		return
	}
	_, _ = s.beaconActionsChar.Write(frame)
}

// Stop disables advertising and tears down the nonce-refresh loop.
func (s *Server) Stop() error {
	if s.nonceTicker != nil {
		s.nonceTicker.Stop()
		close(s.stopNonce)
	}
	return s.adapter.DefaultAdvertisement().Stop()
}

// --- engine.BLE ---

// SetAdvertisement configures and (re)starts the Fast Pair advertisement at
// the given interval, or stops advertising when frame is nil, mirroring the
// teacher's enable-then-configure sequencing in CoreBluetoothAdapter.Enable.
func (s *Server) SetAdvertisement(frame []byte, interval time.Duration) error {
	adv := s.adapter.DefaultAdvertisement()
	if frame == nil {
		return adv.Stop()
	}
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		AdvertisementType: bluetooth.AdvertisingTypeNonConnInd,
		Interval:          bluetooth.NewDuration(interval),
		ServiceData: []bluetooth.ServiceDataElement{
			{UUID: fastPairServiceUUID, Data: frame},
		},
	}); err != nil {
		return fmt.Errorf("blehal: configure advertisement: %w", err)
	}
	return adv.Start()
}

// SetSpotAdvertisement publishes the SPOT (Find My Device) beacon frame.
// The accessory's single radio time-slices this against the Fast Pair
// advertisement via internal/advertise.Interleaver; both ultimately call
// through to this same adapter, which tinygo.org/x/bluetooth serializes.
func (s *Server) SetSpotAdvertisement(address uint64, frame []byte) error {
	adv := s.adapter.DefaultAdvertisement()
	if frame == nil {
		return adv.Stop()
	}
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		AdvertisementType: bluetooth.AdvertisingTypeNonConnInd,
		Interval:          bluetooth.NewDuration(2 * time.Second),
		ManufacturerData: []bluetooth.ManufacturerDataElement{
			{CompanyID: 0x00E0, Data: frame},
		},
	}); err != nil {
		return fmt.Errorf("blehal: configure spot advertisement: %w", err)
	}
	return adv.Start()
}

func (s *Server) NotifyKeyBasedPairing(peer uint64, payload []byte) error {
	return s.notify(&s.keyBasedPairingChar, peer, payload)
}

func (s *Server) NotifyPasskey(peer uint64, payload []byte) error {
	return s.notify(&s.passkeyChar, peer, payload)
}

func (s *Server) NotifyAdditionalData(peer uint64, payload []byte) error {
	return s.notify(&s.additionalDataChar, peer, payload)
}

func (s *Server) NotifyBeaconAction(peer uint64, payload []byte) error {
	return s.notify(&s.beaconActionsChar, peer, payload)
}

func (s *Server) notify(char *bluetooth.Characteristic, peer uint64, payload []byte) error {
	s.mu.Lock()
	connected := s.peer == peer
	s.mu.Unlock()
	if !connected {
		return fmt.Errorf("blehal: peer %012X is not the connected central", peer)
	}
	_, err := char.Write(payload)
	return err
}

// --- engine.Bluetooth (best-effort software state; see package doc) ---

// GetPublicAddress and GetBleAddress return this process's software-tracked
// identity address. tinygo.org/x/bluetooth does not expose a portable way
// to read the peripheral's own advertised address back from the adapter, so
// this accessory tracks the value internal/advertise.AddressRotator last
// set rather than querying the radio.
func (s *Server) GetPublicAddress() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bleAddress
}

func (s *Server) GetSecondaryPublicAddress() uint64 { return 0 }

func (s *Server) GetBleAddress() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bleAddress
}

func (s *Server) SetBleAddress(addr uint64) uint64 {
	s.mu.Lock()
	s.bleAddress = addr
	s.mu.Unlock()
	return addr
}

func (s *Server) RotateBleAddress() (uint64, bool) { return 0, false }

func (s *Server) GetTxLevel() int8 { return -8 }

func (s *Server) SendPairingRequest(peer uint64) error {
	s.mu.Lock()
	s.pairingMode = true
	s.mu.Unlock()
	return nil
}

func (s *Server) GetPairingPassKey() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passkey, nil
}

func (s *Server) SetRemotePasskey(passkey uint32) error {
	s.mu.Lock()
	s.passkey = passkey
	s.mu.Unlock()
	return nil
}

func (s *Server) SetDeviceName(name string) error {
	s.mu.Lock()
	s.deviceName = name
	s.mu.Unlock()
	return nil
}

func (s *Server) IsInPairingMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairingMode
}

// SendMessageStream delivers Message Stream bytes to the connected central.
// This accessory tunnels Message Stream over the Additional Data
// characteristic's notification path rather than classic RFCOMM, since
// tinygo.org/x/bluetooth's peripheral role has no RFCOMM support; the wire
// format inside the notification is unaffected, as Message Stream treats its
// transport as an opaque byte pipe (spec.md §6).
func (s *Server) SendMessageStream(peer uint64, data []byte) error {
	return s.notify(&s.additionalDataChar, peer, data)
}

func addressToUint64(addr bluetooth.Address) uint64 {
	mac := addr.MAC
	var out uint64
	for _, b := range mac {
		out = (out << 8) | uint64(b)
	}
	return out
}
