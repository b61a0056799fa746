// Package cryptokit is a thin, constant-time-aware wrapper over Go's
// standard crypto primitives plus golang.org/x/crypto/hkdf, exposing exactly
// the operations the Fast Pair / SPOT provider state machine needs: AES-128
// and AES-256 ECB block crypto, SHA-256, HMAC-SHA-256, HKDF-SHA256, ECDH
// over P-256, and secp160r1 public-key derivation.
//
// Every exported function that can fail returns an error instead of
// panicking (Sha256, HmacSha256, HkdfExtractSha256 and ConstantTimeEqual
// cannot fail and return no error); callers are
// expected to abort the current protocol step on the first crypto failure
// rather than continue with a zero-value result.
package cryptokit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Sha256 hashes data in one shot. Kept as a named wrapper (rather than a bare
// call to sha256.Sum256) so call sites read as crypto-kit operations, the way
// the teacher's crypto package names every primitive it touches.
func Sha256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Sha256Ctx is a streaming SHA-256 context. The engine never opens a second
// one before Finish-ing the first (see ENGINE.md §5 / spec.md §5): crypto
// primitives are stateless except for this one streaming context.
type Sha256Ctx struct {
	h interface {
		Write(p []byte) (int, error)
		Sum(b []byte) []byte
	}
}

// NewSha256Ctx starts a new streaming SHA-256 computation.
func NewSha256Ctx() *Sha256Ctx {
	return &Sha256Ctx{h: sha256.New()}
}

// Update feeds more bytes into the hash. A nil or empty slice is a no-op,
// matching the bloom-filter population rule of feeding an absent optional
// LTV (battery, RRF) as zero extra bytes.
func (c *Sha256Ctx) Update(p []byte) {
	if len(p) == 0 {
		return
	}
	_, _ = c.h.Write(p)
}

// Finish returns the 32-byte digest of everything written so far.
func (c *Sha256Ctx) Finish() [32]byte {
	var out [32]byte
	copy(out[:], c.h.Sum(nil))
	return out
}

// HmacSha256 computes HMAC-SHA-256(key, data).
func HmacSha256(key, data []byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// ConstantTimeEqual reports whether a and b are equal using a constant-time
// comparison. Used everywhere a peer-supplied tag (HMAC prefix, SHA prefix)
// is checked against a computed value.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// HkdfExtractSha256 implements the HKDF extract step.
func HkdfExtractSha256(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// HkdfSha256 runs full HKDF-SHA256 (extract + expand) and returns length
// bytes of output key material, matching the teacher's
// ble/crypto.DeriveEncryptionKey use of hkdf.New/io.ReadFull.
func HkdfSha256(salt, ikm, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("cryptokit: hkdf: %w", err)
	}
	return out, nil
}

// ECBEncryptBlock encrypts exactly one cipher.Block()-sized block of
// plaintext under key using raw AES-ECB. Go's crypto/cipher package
// deliberately exposes no ECB BlockMode (ECB leaks block-repetition
// patterns and is unsuitable for general-purpose use) but the Fast Pair /
// SPOT wire formats mandate raw two-block ECB, so this drives the
// aes.Cipher's Encrypt method directly, one block at a time — the same
// "reach under cipher.NewGCM into aes.NewCipher" style the teacher already
// uses in ble/crypto.Encrypt.
func ECBEncryptBlock(key, block []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: new cipher: %w", err)
	}
	if len(block) != c.BlockSize() {
		return nil, fmt.Errorf("cryptokit: block must be %d bytes, got %d", c.BlockSize(), len(block))
	}
	out := make([]byte, len(block))
	c.Encrypt(out, block)
	return out, nil
}

// ECBDecryptBlock is the inverse of ECBEncryptBlock.
func ECBDecryptBlock(key, block []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: new cipher: %w", err)
	}
	if len(block) != c.BlockSize() {
		return nil, fmt.Errorf("cryptokit: block must be %d bytes, got %d", c.BlockSize(), len(block))
	}
	out := make([]byte, len(block))
	c.Decrypt(out, block)
	return out, nil
}

// ECBEncrypt/ECBDecrypt apply ECBEncryptBlock/ECBDecryptBlock across
// multiple blocks in sequence — used for the 32-byte (2-block) EIK and EID
// payloads.
func ECBEncrypt(key, data []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: new cipher: %w", err)
	}
	bs := c.BlockSize()
	if len(data)%bs != 0 {
		return nil, fmt.Errorf("cryptokit: data length %d not a multiple of block size %d", len(data), bs)
	}
	out := make([]byte, len(data))
	for off := 0; off < len(data); off += bs {
		c.Encrypt(out[off:off+bs], data[off:off+bs])
	}
	return out, nil
}

func ECBDecrypt(key, data []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: new cipher: %w", err)
	}
	bs := c.BlockSize()
	if len(data)%bs != 0 {
		return nil, fmt.Errorf("cryptokit: data length %d not a multiple of block size %d", len(data), bs)
	}
	out := make([]byte, len(data))
	for off := 0; off < len(data); off += bs {
		c.Decrypt(out[off:off+bs], data[off:off+bs])
	}
	return out, nil
}

// CTRKeystreamXOR XORs data with the AES-CTR keystream generated from key and
// a 16-byte nonce/IV. Calling it twice with the same key and nonce recovers
// the original data (AES-CTR is its own inverse), which is how
// Additional-Data encryption and decryption share one helper. (The Random
// Resolvable Field does not use it: advertise XORs with ECBEncryptBlock.)
func CTRKeystreamXOR(key, iv, data []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: new cipher: %w", err)
	}
	if len(iv) != c.BlockSize() {
		return nil, fmt.Errorf("cryptokit: iv must be %d bytes, got %d", c.BlockSize(), len(iv))
	}
	out := make([]byte, len(data))
	stream := cipher.NewCTR(c, iv)
	stream.XORKeyStream(out, data)
	return out, nil
}

// RandU8 returns a single cryptographically random byte.
func RandU8() (byte, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("cryptokit: rand: %w", err)
	}
	return b[0], nil
}

// RandBytes returns n cryptographically random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("cryptokit: rand: %w", err)
	}
	return b, nil
}

// ECDHP256SharedSecret computes the ECDH shared secret between our private
// key and a peer's raw 64-byte (X||Y, big-endian, no 0x04 prefix) public
// key, the wire format Fast Pair uses for the Seeker's public key.
func ECDHP256SharedSecret(ourPriv *ecdh.PrivateKey, peerPubRaw64 []byte) ([]byte, error) {
	if len(peerPubRaw64) != 64 {
		return nil, fmt.Errorf("cryptokit: peer public key must be 64 bytes, got %d", len(peerPubRaw64))
	}
	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	copy(uncompressed[1:], peerPubRaw64)
	peerPub, err := ecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: parse peer public key: %w", err)
	}
	secret, err := ourPriv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: ecdh: %w", err)
	}
	return secret, nil
}

// CreateSharedSecret is the Fast Pair "anti-spoofing key" derivation:
// ECDH(ourPriv, peerPub), SHA-256 the raw shared secret, and keep the first
// 16 bytes. The result is used throughout the engine as "AES key / HMAC key
// / account key".
func CreateSharedSecret(ourPriv *ecdh.PrivateKey, peerPubRaw64 []byte) ([16]byte, error) {
	var out [16]byte
	secret, err := ECDHP256SharedSecret(ourPriv, peerPubRaw64)
	if err != nil {
		return out, err
	}
	digest := Sha256(secret)
	copy(out[:], digest[:16])
	return out, nil
}

// GenerateP256KeyPair creates a fresh anti-spoofing ECDH key pair, mirroring
// the teacher's ble/crypto.GenerateKeyPair.
func GenerateP256KeyPair() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: generate key: %w", err)
	}
	return priv, nil
}
