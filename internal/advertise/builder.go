// Package advertise builds Fast Pair / SPOT BLE advertisement frames and
// drives the advertising-mode state machine, per spec.md §4.C/D. The byte
// layouts below are grounded directly on
// nearby_fp_library.c/nearby_fp_CreateDiscoverableAdvertisement,
// CreateNondiscoverableAdvertisement, nearby_fp_SetBloomFilter and
// nearby_fp_AppendTxPower in original_source; the LTV-appender shape follows
// other_examples' paypal-gatt advertisement.go (appendField/appendUUIDFit).
package advertise

import (
	"encoding/binary"
	"fmt"

	"github.com/chaz8081/fastpair-provider/internal/cryptokit"
)

// GAP/advertisement constants, named the way nearby.h and nearby_fp_library.c
// name them.
const (
	gapDataTypeServiceData = 0x16
	gapDataTypeTxPower     = 0x0A
	fpServiceUUID          = 0xFE2C
	fpServiceUUIDSize      = 2
	fpModelIDSize          = 3
	txPowerDataSize        = 2

	ltvHeaderSize         = 1
	accountKeyDataOffset  = 5 // length byte + type byte + 2 UUID bytes + flags byte
	headerOffset          = 4 // offset of the regular/SASS flags byte
	sassHeader            = 0x10
	regularHeader         = 0x00
	showPairingIndication = 0
	dontShowPairing       = 2

	saltFieldType          = 1
	batteryShowUIFieldType = 3
	batteryHideUIFieldType = 4
	sassAdvertisementType  = 5
	randomResolvableType   = 6
	mostRecentlyUsedBit    = 0x01
	inUseAccountKeyBit     = 0x02
	showBatteryIndication  = 0x33
	dontShowBatteryIndicat = 0x34
	batteryChargingBit     = 1 << 7
	batteryLevelMask       = 0x7F
)

func combineNibbles(high, low byte) byte {
	return ((high << 4) & 0xF0) | (low & 0x0F)
}

func getLtLength(b byte) int { return int(b >> 4) }
func getLtType(b byte) int   { return int(b & 0x0F) }

// BuildDiscoverable returns the fixed 7-byte discoverable service-data LTV:
// length, service-data type, little-endian Fast Pair service UUID, and the
// big-endian 3-byte model ID. AppendTxPower adds the 3-byte TX-power stanza
// that makes up the full 10-byte discoverable advertisement.
func BuildDiscoverable(modelID [fpModelIDSize]byte) []byte {
	out := make([]byte, 0, 1+1+fpServiceUUIDSize+fpModelIDSize)
	out = append(out, byte(1+fpServiceUUIDSize+fpModelIDSize))
	out = append(out, gapDataTypeServiceData)
	out = append(out, byte(fpServiceUUID), byte(fpServiceUUID>>8))
	out = append(out, modelID[:]...)
	return out
}

// BatteryInfo mirrors nearby_platform_BatteryInfo: three 7-bit levels plus a
// shared charging flag.
type BatteryInfo struct {
	Charging          bool
	LeftBudLevel      byte
	RightBudLevel     byte
	ChargingCaseLevel byte
}

func (b BatteryInfo) serialize() [3]byte {
	charge := byte(0)
	if b.Charging {
		charge = batteryChargingBit
	}
	return [3]byte{
		charge | (b.LeftBudLevel & batteryLevelMask),
		charge | (b.RightBudLevel & batteryLevelMask),
		charge | (b.ChargingCaseLevel & batteryLevelMask),
	}
}

// NonDiscoverableOptions configures BuildNonDiscoverable. SaltSize must be 1
// or 2 bytes per spec.md §4.C; Salt, if nil, is filled with SaltSize random
// bytes.
type NonDiscoverableOptions struct {
	ShowPairingIndicator bool
	SaltSize             int
	Salt                 []byte
	ShowBatteryIndicator bool
	Battery              *BatteryInfo
}

// BuildNonDiscoverable builds the account-key advertisement frame, up to and
// including the salt and (if present) battery LTVs, with the bloom-filter
// bytes zeroed — PopulateBloomFilter fills them in once the caller knows how
// many unique account keys exist. uniqueKeyCount must match what
// PopulateBloomFilter will later be called with; when it is zero the filter
// collapses to the two-byte "no keys" marker the firmware emits.
func BuildNonDiscoverable(opts NonDiscoverableOptions, uniqueKeyCount int) ([]byte, error) {
	if opts.SaltSize != 1 && opts.SaltSize != 2 {
		return nil, fmt.Errorf("advertise: salt size must be 1 or 2, got %d", opts.SaltSize)
	}
	salt := opts.Salt
	if salt == nil {
		var err error
		salt, err = cryptokit.RandBytes(opts.SaltSize)
		if err != nil {
			return nil, fmt.Errorf("advertise: random salt: %w", err)
		}
	}
	if len(salt) != opts.SaltSize {
		return nil, fmt.Errorf("advertise: salt must be %d bytes, got %d", opts.SaltSize, len(salt))
	}

	out := make([]byte, 1, 16)
	out = append(out, gapDataTypeServiceData)
	out = append(out, byte(fpServiceUUID), byte(fpServiceUUID>>8))

	if uniqueKeyCount == 0 {
		out = append(out, 0x00, 0x00)
		out[0] = byte(len(out) - 1)
		return out, nil
	}

	s := bloomFilterSize(uniqueKeyCount)

	out = append(out, regularHeader)
	filterType := byte(dontShowPairing)
	if opts.ShowPairingIndicator {
		filterType = showPairingIndication
	}
	out = append(out, combineNibbles(byte(s), filterType))
	out = append(out, make([]byte, s)...)

	saltHeader := combineNibbles(byte(opts.SaltSize), saltFieldType)
	out = append(out, saltHeader)
	out = append(out, salt...)

	if opts.Battery != nil {
		ind := byte(dontShowBatteryIndicat)
		if opts.ShowBatteryIndicator {
			ind = showBatteryIndication
		}
		ser := opts.Battery.serialize()
		out = append(out, ind, ser[0], ser[1], ser[2])
	}

	out[0] = byte(len(out) - 1)
	return out, nil
}

// bloomFilterSize computes the bloom-filter byte length for n unique account
// keys: s = (6n+15)/5 using integer division, exactly as
// nearby_fp_library.c computes it. This is NOT a literal ceil(6n/5): it
// equals floor(6n/5)+3, which is larger than ceil(6n/5) for every n, and
// spec.md's prose description ("⌈6·n/5⌉ bits
// rounded to bytes") is imprecise about it — this formula is what reproduces
// the worked example in spec.md §8 Scenario 4 byte-for-byte.
func bloomFilterSize(n int) int {
	return (6*n + 15) / 5
}

// findLTV scans an advertisement's LTV region (starting at
// accountKeyDataOffset) for the first field of the given type and returns its
// header offset, or -1 if absent.
func findLTV(advertisement []byte, fieldType int) int {
	length := int(advertisement[0])
	offset := accountKeyDataOffset
	for offset < length+1 {
		if getLtType(advertisement[offset]) == fieldType {
			return offset
		}
		offset += getLtLength(advertisement[offset]) + ltvHeaderSize
	}
	return -1
}

// PopulateBloomFilter fills the bloom-filter LTV already reserved by
// BuildNonDiscoverable with the hashes of the given unique account keys, in
// MRU-first order. Salt and, if present,
// battery/Random-Resolvable-Field LTVs are folded into each key's hash
// exactly as nearby_fp_SetBloomFilter does. When sassFormat is true, inUseKey
// (if non-nil) marks the currently connected Seeker's key, otherwise the
// first (most recently used) key is flagged instead, and the advertisement's
// header byte is switched to the SASS value.
func PopulateBloomFilter(advertisement []byte, keys [][16]byte, inUseKey *[16]byte, sassFormat bool) (int, error) {
	if advertisement[accountKeyDataOffset] == 0 {
		return 0, nil
	}
	saltIdx := findLTV(advertisement, saltFieldType)
	if saltIdx < 0 {
		return 0, fmt.Errorf("advertise: non-discoverable frame missing salt LTV")
	}
	salt := advertisement[saltIdx+ltvHeaderSize : saltIdx+ltvHeaderSize+getLtLength(advertisement[saltIdx])]

	var batteryField, rrfField []byte
	if idx := findLTV(advertisement, batteryShowUIFieldType); idx >= 0 {
		batteryField = advertisement[idx : idx+ltvHeaderSize+getLtLength(advertisement[idx])]
	} else if idx := findLTV(advertisement, batteryHideUIFieldType); idx >= 0 {
		batteryField = advertisement[idx : idx+ltvHeaderSize+getLtLength(advertisement[idx])]
	}
	if idx := findLTV(advertisement, randomResolvableType); idx >= 0 {
		rrfField = advertisement[idx : idx+ltvHeaderSize+getLtLength(advertisement[idx])]
	}

	n := len(keys)
	s := bloomFilterSize(n)
	if s != getLtLength(advertisement[accountKeyDataOffset]) {
		return 0, fmt.Errorf("advertise: bloom filter LTV reserved for a different key count")
	}

	output := advertisement[accountKeyDataOffset+ltvHeaderSize : accountKeyDataOffset+ltvHeaderSize+s]
	for i := range output {
		output[i] = 0
	}

	for k, key := range keys {
		flags := key[0]
		if sassFormat {
			if inUseKey != nil {
				if key == *inUseKey {
					flags |= inUseAccountKeyBit
				}
			} else if k == 0 {
				flags |= mostRecentlyUsedBit
			}
		}

		ctx := cryptokit.NewSha256Ctx()
		ctx.Update([]byte{flags})
		ctx.Update(key[1:])
		ctx.Update(salt)
		ctx.Update(batteryField)
		ctx.Update(rrfField)
		digest := ctx.Finish()

		for j := 0; j < 8; j++ {
			word := binary.BigEndian.Uint32(digest[4*j : 4*j+4])
			m := word % uint32(s*8)
			output[m/8] |= 1 << (m % 8)
		}
	}

	if sassFormat {
		advertisement[headerOffset] = sassHeader
	}
	return s, nil
}

// EncryptRandomResolvableField XORs an already-appended RRF LTV's payload
// (data[ltvHeaderSize:]) with AES-128(rrdKey, iv), where iv is the salt field
// padded with zeros, mirroring nearby_fp_EncryptRandomResolvableField. rrdKey
// is HKDF-SHA256(accountKey, info="SASS-RRD-KEY")[:16], since no pack
// dependency implements the original's bespoke key-derivation function and
// HKDF is the ecosystem-idiomatic substitute the teacher already reaches for
// (ble/crypto.DeriveEncryptionKey).
func EncryptRandomResolvableField(data []byte, accountKey [16]byte, saltField []byte) error {
	if len(data) < ltvHeaderSize {
		return fmt.Errorf("advertise: RRF data too short")
	}
	iv := make([]byte, 16)
	if saltField != nil {
		saltLen := getLtLength(saltField[0])
		copy(iv, saltField[ltvHeaderSize:ltvHeaderSize+saltLen])
	}
	rrdKey, err := cryptokit.HkdfSha256(nil, accountKey[:], []byte("SASS-RRD-KEY"), 16)
	if err != nil {
		return fmt.Errorf("advertise: derive RRF key: %w", err)
	}
	encryptedIV, err := cryptokit.ECBEncryptBlock(rrdKey, iv)
	if err != nil {
		return fmt.Errorf("advertise: encrypt RRF iv: %w", err)
	}
	data[0] = combineNibbles(byte(len(data)-ltvHeaderSize), randomResolvableType)
	for i := ltvHeaderSize; i < len(data); i++ {
		data[i] ^= encryptedIV[i-ltvHeaderSize]
	}
	return nil
}

// AppendTxPower appends the 3-byte TX-power stanza (length, type, signed
// level) used to close out both advertisement kinds.
func AppendTxPower(advertisement []byte, txPower int8) []byte {
	return append(advertisement, txPowerDataSize, gapDataTypeTxPower, byte(txPower))
}
