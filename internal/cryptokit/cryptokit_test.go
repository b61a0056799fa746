package cryptokit

import (
	"bytes"
	"testing"
)

func TestECBRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	block := bytes.Repeat([]byte{0xAB}, 16)

	enc, err := ECBEncryptBlock(key, block)
	if err != nil {
		t.Fatalf("ECBEncryptBlock() error = %v", err)
	}
	dec, err := ECBDecryptBlock(key, enc)
	if err != nil {
		t.Fatalf("ECBDecryptBlock() error = %v", err)
	}
	if !bytes.Equal(dec, block) {
		t.Errorf("round trip = % X, want % X", dec, block)
	}
}

func TestECBEncryptDeterministic(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, 32)
	data := bytes.Repeat([]byte{0x01}, 32)

	a, err := ECBEncrypt(key, data)
	if err != nil {
		t.Fatalf("ECBEncrypt() error = %v", err)
	}
	b, err := ECBEncrypt(key, data)
	if err != nil {
		t.Fatalf("ECBEncrypt() error = %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("ECBEncrypt is not deterministic for identical inputs")
	}
}

func TestCTRKeystreamXORIsSelfInverse(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, 16)
	iv := bytes.Repeat([]byte{0x00}, 16)
	msg := []byte("the quick brown fox jumps over the lazy dog")

	ct, err := CTRKeystreamXOR(key, iv, msg)
	if err != nil {
		t.Fatalf("CTRKeystreamXOR() error = %v", err)
	}
	pt, err := CTRKeystreamXOR(key, iv, ct)
	if err != nil {
		t.Fatalf("CTRKeystreamXOR() error = %v", err)
	}
	if !bytes.Equal(pt, msg) {
		t.Errorf("round trip = %q, want %q", pt, msg)
	}
}

func TestHmacSha256(t *testing.T) {
	a := HmacSha256([]byte("key"), []byte("data"))
	b := HmacSha256([]byte("key"), []byte("data"))
	if a != b {
		t.Error("HmacSha256 is not deterministic")
	}
	c := HmacSha256([]byte("other"), []byte("data"))
	if a == c {
		t.Error("HmacSha256 should differ with a different key")
	}
}

func TestSha256CtxMatchesOneShot(t *testing.T) {
	ctx := NewSha256Ctx()
	ctx.Update([]byte("hello, "))
	ctx.Update([]byte("world"))
	ctx.Update(nil) // optional field absent
	streamed := ctx.Finish()

	oneShot := Sha256([]byte("hello, world"))
	if streamed != oneShot {
		t.Errorf("streamed = % X, want % X", streamed, oneShot)
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual([]byte{1, 2, 3}, []byte{1, 2, 3}) {
		t.Error("expected equal")
	}
	if ConstantTimeEqual([]byte{1, 2, 3}, []byte{1, 2, 4}) {
		t.Error("expected not equal")
	}
	if ConstantTimeEqual([]byte{1, 2}, []byte{1, 2, 3}) {
		t.Error("expected length mismatch to be unequal")
	}
}

func TestECDHSharedSecretAgrees(t *testing.T) {
	privA, err := GenerateP256KeyPair()
	if err != nil {
		t.Fatalf("GenerateP256KeyPair() error = %v", err)
	}
	privB, err := GenerateP256KeyPair()
	if err != nil {
		t.Fatalf("GenerateP256KeyPair() error = %v", err)
	}

	pubARaw := privA.PublicKey().Bytes()[1:] // strip 0x04 prefix -> 64 bytes
	pubBRaw := privB.PublicKey().Bytes()[1:]

	secretFromA, err := CreateSharedSecret(privB, pubARaw)
	if err != nil {
		t.Fatalf("CreateSharedSecret() error = %v", err)
	}
	secretFromB, err := CreateSharedSecret(privA, pubBRaw)
	if err != nil {
		t.Fatalf("CreateSharedSecret() error = %v", err)
	}
	if secretFromA != secretFromB {
		t.Error("anti-spoofing keys derived from both sides should match")
	}
}

func TestSecp160r1PublicKeyDeterministic(t *testing.T) {
	scalar := bytes.Repeat([]byte{0x07}, 32)
	pub1, hash1, err := Secp160r1PublicKeyAndHash(scalar)
	if err != nil {
		t.Fatalf("Secp160r1PublicKeyAndHash() error = %v", err)
	}
	pub2, hash2, err := Secp160r1PublicKeyAndHash(scalar)
	if err != nil {
		t.Fatalf("Secp160r1PublicKeyAndHash() error = %v", err)
	}
	if pub1 != pub2 || hash1 != hash2 {
		t.Error("Secp160r1PublicKeyAndHash should be deterministic")
	}

	other := bytes.Repeat([]byte{0x08}, 32)
	pub3, _, err := Secp160r1PublicKeyAndHash(other)
	if err != nil {
		t.Fatalf("Secp160r1PublicKeyAndHash() error = %v", err)
	}
	if pub1 == pub3 {
		t.Error("different scalars should derive different public keys")
	}
}

func TestSecp160r1RejectsWrongLength(t *testing.T) {
	if _, _, err := Secp160r1PublicKeyAndHash(make([]byte, 16)); err == nil {
		t.Error("expected error for short scalar")
	}
}
