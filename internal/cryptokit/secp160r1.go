package cryptokit

import (
	"fmt"
	"math/big"
)

// secp160r1 domain parameters (SEC 2, certicom). No example repo in the
// retrieval pack ships a secp160r1 implementation — the pack's curves are
// P-256/P-384 (stdlib), secp256k1 (decred/ethereum), and BLS12-381
// (gnark/kilic) — so this curve is hand-rolled on math/big, generalizing the
// point-decompression technique the teacher already uses for P-256 in
// ble/crypto.decompressP256. See DESIGN.md for why no pack dependency could
// serve this instead.
var secp160r1 = struct {
	p, a, b, gx, gy, n *big.Int
}{
	p:  mustHex("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF7FFFFFFF"),
	a:  mustHex("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF7FFFFFFC"),
	b:  mustHex("1C97BEFC54BD7A8B65ACF89F81D4D4ADC565FA45"),
	gx: mustHex("4A96B5688EF573284664698968C38BB913CBFC82"),
	gy: mustHex("23A628553168947D59DCC912042351377AC5FB32"),
	n:  mustHex("0100000000000000000001F4C8F927AED3CA752257"),
}

func mustHex(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic(fmt.Sprintf("cryptokit: bad secp160r1 constant %q", s))
	}
	return v
}

// ecPoint is a secp160r1 affine point. A nil x/y pair represents infinity.
type ecPoint struct{ x, y *big.Int }

func (c *ecPoint) isInfinity() bool { return c.x == nil || c.y == nil }

// ecAdd adds two affine points on secp160r1.
func ecAdd(p1, p2 ecPoint) ecPoint {
	if p1.isInfinity() {
		return p2
	}
	if p2.isInfinity() {
		return p1
	}
	P := secp160r1.p
	if p1.x.Cmp(p2.x) == 0 {
		if p1.y.Cmp(p2.y) != 0 || p1.y.Sign() == 0 {
			return ecPoint{} // infinity
		}
		return ecDouble(p1)
	}

	// lambda = (y2-y1) / (x2-x1) mod p
	num := new(big.Int).Sub(p2.y, p1.y)
	den := new(big.Int).Sub(p2.x, p1.x)
	den.ModInverse(den, P)
	lambda := new(big.Int).Mul(num, den)
	lambda.Mod(lambda, P)

	x3 := new(big.Int).Mul(lambda, lambda)
	x3.Sub(x3, p1.x)
	x3.Sub(x3, p2.x)
	x3.Mod(x3, P)

	y3 := new(big.Int).Sub(p1.x, x3)
	y3.Mul(y3, lambda)
	y3.Sub(y3, p1.y)
	y3.Mod(y3, P)

	return ecPoint{x3, y3}
}

func ecDouble(p ecPoint) ecPoint {
	if p.isInfinity() || p.y.Sign() == 0 {
		return ecPoint{}
	}
	P := secp160r1.p

	// lambda = (3x^2 + a) / 2y mod p
	num := new(big.Int).Mul(p.x, p.x)
	num.Mul(num, big.NewInt(3))
	num.Add(num, secp160r1.a)
	den := new(big.Int).Lsh(p.y, 1)
	den.ModInverse(den, P)
	lambda := new(big.Int).Mul(num, den)
	lambda.Mod(lambda, P)

	x3 := new(big.Int).Mul(lambda, lambda)
	x3.Sub(x3, new(big.Int).Lsh(p.x, 1))
	x3.Mod(x3, P)

	y3 := new(big.Int).Sub(p.x, x3)
	y3.Mul(y3, lambda)
	y3.Sub(y3, p.y)
	y3.Mod(y3, P)

	return ecPoint{x3, y3}
}

// ecScalarMul computes k*P via double-and-add.
func ecScalarMul(k *big.Int, p ecPoint) ecPoint {
	result := ecPoint{}
	addend := p
	for i := 0; i < k.BitLen(); i++ {
		if k.Bit(i) == 1 {
			result = ecAdd(result, addend)
		}
		addend = ecDouble(addend)
	}
	return result
}

// secp160r1PrivateToPublic derives the affine public point for a secp160r1
// private scalar, reduced modulo the curve order.
func secp160r1PrivateToPublic(priv *big.Int) ecPoint {
	k := new(big.Int).Mod(priv, secp160r1.n)
	g := ecPoint{new(big.Int).Set(secp160r1.gx), new(big.Int).Set(secp160r1.gy)}
	return ecScalarMul(k, g)
}

// Secp160r1PublicKeyAndHash derives a 20-byte secp160r1 public key (the
// big-endian X coordinate only, per the Fast Pair / SPOT EID format) from a
// 32-byte scalar buffer, plus the low byte of SHA-256(pub) used to seed the
// EID "hashed flags" trailer. This mirrors
// nearby_platform_GetSecp160r1PublicKey in the original firmware: treat the
// 32-byte AES-256-encrypted buffer as a private scalar, multiply the curve
// generator by it, and take the X coordinate.
func Secp160r1PublicKeyAndHash(scalar32 []byte) (pub [20]byte, hashedLow byte, err error) {
	if len(scalar32) != 32 {
		return pub, 0, fmt.Errorf("cryptokit: secp160r1 scalar must be 32 bytes, got %d", len(scalar32))
	}
	priv := new(big.Int).SetBytes(scalar32)
	point := secp160r1PrivateToPublic(priv)
	if point.isInfinity() {
		return pub, 0, fmt.Errorf("cryptokit: secp160r1 scalar produced point at infinity")
	}
	xBytes := point.x.Bytes()
	if len(xBytes) > 20 {
		return pub, 0, fmt.Errorf("cryptokit: secp160r1 x coordinate overflow")
	}
	copy(pub[20-len(xBytes):], xBytes)
	digest := Sha256(pub[:])
	return pub, digest[31], nil
}
