// Package bls implements the BLS12-381 aggregation service (§4.2): public
// keys as G1 affine points (96-byte uncompressed, little-endian wire form),
// signatures as G2 affine points (96-byte compressed, little-endian wire
// form), public-key and signature aggregation by point addition, and
// pairing-based verification of an aggregate signature against an aggregate
// public key.
//
// gnark-crypto's native encoding is big-endian; LittleEndianBytes,
// PublicKeyFromBytes and SignatureFromBytes reverse the byte order at the wire boundary so the
// rest of the package works with gnark's points directly and only the
// parse/serialize entry points pay the conversion.
package bls

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

var (
	initOnce sync.Once

	g1Gen bls12381.G1Affine
	g2Gen bls12381.G2Affine
)

// Initialize loads the BLS12-381 generator points. Safe to call multiple
// times and from multiple goroutines; only the first call does work.
func Initialize() error {
	initOnce.Do(func() {
		_, _, g1GenPoint, g2GenPoint := bls12381.Generators()
		g1Gen = g1GenPoint
		g2Gen = g2GenPoint
	})
	return nil
}

// Size constants for the wire encodings fixed by §4.2/§6.
const (
	PrivateKeySize = 32 // Fr scalar
	PublicKeySize  = 96 // G1 affine, uncompressed, little-endian
	SignatureSize  = 96 // G2 affine, compressed, little-endian
)

// weakBLSSigPrefix is the fixed domain tag folded into the weak-vote signing
// message: H("WEAK_BLS_SIG_PREFIX" ∥ strong_digest) (§4.2).
const weakBLSSigPrefix = "WEAK_BLS_SIG_PREFIX"

// ErrInvalidSignature is the single failure mode §4.2 mandates for any
// parse error or failed pairing check - callers never get curve-internal
// detail out of Verify.
var ErrInvalidSignature = errors.New("bls: invalid signature")

// PrivateKey is a BLS12-381 scalar in Fr.
type PrivateKey struct {
	scalar fr.Element
}

// PublicKey is a finalizer's BLS12-381 public key, a point on G1.
type PublicKey struct {
	point bls12381.G1Affine
}

// Signature is a BLS12-381 signature, a point on G2.
type Signature struct {
	point bls12381.G2Affine
}

// reverse returns a copy of b with byte order flipped.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

// GenerateKeyPair generates a new BLS key pair from a secure random source.
func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	if err := Initialize(); err != nil {
		return nil, nil, fmt.Errorf("initialize BLS: %w", err)
	}
	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, nil, fmt.Errorf("generate random scalar: %w", err)
	}
	priv := &PrivateKey{scalar: sk}
	return priv, priv.PublicKey(), nil
}

// GenerateKeyPairFromSeed derives a deterministic key pair from a seed of
// at least 32 bytes. Used for reproducible test fixtures and key recovery.
func GenerateKeyPairFromSeed(seed []byte) (*PrivateKey, *PublicKey, error) {
	if err := Initialize(); err != nil {
		return nil, nil, fmt.Errorf("initialize BLS: %w", err)
	}
	if len(seed) < 32 {
		return nil, nil, errors.New("bls: seed must be at least 32 bytes")
	}
	hash := sha256.Sum256(seed)
	var sk fr.Element
	sk.SetBytes(hash[:])
	priv := &PrivateKey{scalar: sk}
	return priv, priv.PublicKey(), nil
}

// PrivateKeyFromBytes deserializes a private key scalar.
func PrivateKeyFromBytes(data []byte) (*PrivateKey, error) {
	if len(data) != PrivateKeySize {
		return nil, fmt.Errorf("bls: invalid private key size: got %d, want %d", len(data), PrivateKeySize)
	}
	var sk fr.Element
	sk.SetBytes(data)
	return &PrivateKey{scalar: sk}, nil
}

// PublicKeyFromBytes parses a little-endian 96-byte uncompressed G1 point.
// Any failure, including a point off-curve or outside the prime-order
// subgroup, is reported as ErrInvalidSignature per §4.2.
func PublicKeyFromBytes(data []byte) (*PublicKey, error) {
	if err := Initialize(); err != nil {
		return nil, fmt.Errorf("initialize BLS: %w", err)
	}
	if len(data) != PublicKeySize {
		return nil, fmt.Errorf("%w: public key size %d, want %d", ErrInvalidSignature, len(data), PublicKeySize)
	}
	var pk bls12381.G1Affine
	if _, err := pk.SetBytes(reverse(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !pk.IsInSubGroup() {
		return nil, fmt.Errorf("%w: public key not in G1 subgroup", ErrInvalidSignature)
	}
	return &PublicKey{point: pk}, nil
}

// SignatureFromBytes parses a little-endian 96-byte compressed G2 point.
func SignatureFromBytes(data []byte) (*Signature, error) {
	if err := Initialize(); err != nil {
		return nil, fmt.Errorf("initialize BLS: %w", err)
	}
	if len(data) != SignatureSize {
		return nil, fmt.Errorf("%w: signature size %d, want %d", ErrInvalidSignature, len(data), SignatureSize)
	}
	var sig bls12381.G2Affine
	var buf [96]byte
	copy(buf[:], reverse(data))
	if _, err := sig.SetBytes(buf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !sig.IsInSubGroup() {
		return nil, fmt.Errorf("%w: signature not in G2 subgroup", ErrInvalidSignature)
	}
	return &Signature{point: sig}, nil
}

// Bytes returns the private key's 32-byte scalar encoding.
func (sk *PrivateKey) Bytes() []byte {
	b := sk.scalar.Bytes()
	return b[:]
}

func (sk *PrivateKey) Hex() string { return hex.EncodeToString(sk.Bytes()) }

// PublicKey derives pk = sk * G1.
func (sk *PrivateKey) PublicKey() *PublicKey {
	var pk bls12381.G1Affine
	var skBig big.Int
	sk.scalar.BigInt(&skBig)
	pk.ScalarMultiplication(&g1Gen, &skBig)
	return &PublicKey{point: pk}
}

// Sign signs msg directly: sig = sk * H(msg). Callers pass the already
// domain-separated message (strong_digest, or the weak-vote prefixed
// digest from WeakSigningMessage) - Sign itself applies no domain tag.
func (sk *PrivateKey) Sign(msg []byte) *Signature {
	h := hashToG2(msg)
	var sig bls12381.G2Affine
	var skBig big.Int
	sk.scalar.BigInt(&skBig)
	sig.ScalarMultiplication(&h, &skBig)
	return &Signature{point: sig}
}

// LittleEndianBytes returns the public key's 96-byte uncompressed G1
// encoding in the little-endian wire form fixed by §4.2.
func (pk *PublicKey) LittleEndianBytes() []byte {
	b := pk.point.RawBytes()
	return reverse(b[:])
}

func (pk *PublicKey) Hex() string { return hex.EncodeToString(pk.LittleEndianBytes()) }

func (pk *PublicKey) Equal(other *PublicKey) bool {
	return pk.point.Equal(&other.point)
}

// LittleEndianBytes returns the signature's 96-byte compressed G2 encoding
// in the little-endian wire form fixed by §4.2/§6 (agg_sig: 96B).
func (sig *Signature) LittleEndianBytes() []byte {
	b := sig.point.Bytes()
	return reverse(b[:])
}

func (sig *Signature) Hex() string { return hex.EncodeToString(sig.LittleEndianBytes()) }

// AggregatePublicKeys sums G1 points: aggPk = pk1 + pk2 + ... + pkN.
func AggregatePublicKeys(keys []*PublicKey) (*PublicKey, error) {
	if err := Initialize(); err != nil {
		return nil, fmt.Errorf("initialize BLS: %w", err)
	}
	if len(keys) == 0 {
		return nil, errors.New("bls: no public keys to aggregate")
	}
	var agg bls12381.G1Jac
	agg.FromAffine(&keys[0].point)
	for _, k := range keys[1:] {
		var jac bls12381.G1Jac
		jac.FromAffine(&k.point)
		agg.AddAssign(&jac)
	}
	var result bls12381.G1Affine
	result.FromJacobian(&agg)
	return &PublicKey{point: result}, nil
}

// AggregateSignatures sums G2 points: aggSig = sig1 + sig2 + ... + sigN.
func AggregateSignatures(sigs []*Signature) (*Signature, error) {
	if err := Initialize(); err != nil {
		return nil, fmt.Errorf("initialize BLS: %w", err)
	}
	if len(sigs) == 0 {
		return nil, errors.New("bls: no signatures to aggregate")
	}
	var agg bls12381.G2Jac
	agg.FromAffine(&sigs[0].point)
	for _, s := range sigs[1:] {
		var jac bls12381.G2Jac
		jac.FromAffine(&s.point)
		agg.AddAssign(&jac)
	}
	var result bls12381.G2Affine
	result.FromJacobian(&agg)
	return &Signature{point: result}, nil
}

// Verify checks the pairing equation e(aggPub, H(msg)) == e(G1, aggSig)
// for the single-message case: every signer in aggPub signed the same
// msg. The caller supplies msg already domain-separated (strong_digest or
// a weak-vote message from WeakSigningMessage).
func Verify(aggPub *PublicKey, sig *Signature, msg []byte) bool {
	if err := Initialize(); err != nil {
		return false
	}
	h := hashToG2(msg)
	var negG1 bls12381.G1Affine
	negG1.Neg(&g1Gen)
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{aggPub.point, negG1},
		[]bls12381.G2Affine{h, sig.point},
	)
	if err != nil {
		return false
	}
	return ok
}

// VerifyAggregate aggregates pubKeys and verifies sig against msg in one
// call; any aggregation failure (empty set) or failed pairing check
// reports invalid_signature via the boolean return.
func VerifyAggregate(pubKeys []*PublicKey, sig *Signature, msg []byte) bool {
	aggPub, err := AggregatePublicKeys(pubKeys)
	if err != nil {
		return false
	}
	return Verify(aggPub, sig, msg)
}

// VerifyDualMessage checks one aggregate signature against two distinct
// message domains at once: e(strongPub, H(strongMsg)) * e(weakPub,
// H(weakMsg)) == e(G1, sig). Used by finality proof verification (§4.8),
// where a single QC's aggregate signature combines strong- and weak-voting
// finalizers signing different digests. Either group may be empty, in
// which case its corresponding pubkey is omitted from the pairing rather
// than aggregated as the point at infinity.
func VerifyDualMessage(strongPub, weakPub *PublicKey, sig *Signature, strongMsg, weakMsg []byte) bool {
	if err := Initialize(); err != nil {
		return false
	}
	if strongPub == nil && weakPub == nil {
		return false
	}

	var negG1 bls12381.G1Affine
	negG1.Neg(&g1Gen)

	g1s := []bls12381.G1Affine{negG1}
	g2s := []bls12381.G2Affine{sig.point}
	if strongPub != nil {
		g1s = append(g1s, strongPub.point)
		g2s = append(g2s, hashToG2(strongMsg))
	}
	if weakPub != nil {
		g1s = append(g1s, weakPub.point)
		g2s = append(g2s, hashToG2(weakMsg))
	}

	ok, err := bls12381.PairingCheck(g1s, g2s)
	if err != nil {
		return false
	}
	return ok
}

// WeakSigningMessage computes the weak-vote BLS signing domain (§4.2):
// H("WEAK_BLS_SIG_PREFIX" ∥ strong_digest). This is distinct from the
// block-level weak_digest (§3, H("WEAK" ∥ strong_digest)) - see DESIGN.md
// for why the two domain tags are kept separate rather than unified.
func WeakSigningMessage(strongDigest []byte) []byte {
	h := sha256.New()
	h.Write([]byte(weakBLSSigPrefix))
	h.Write(strongDigest)
	return h.Sum(nil)
}

// hashToG2 hashes msg onto a point on G2 using a counter-based
// hash-and-increment construction: deterministic, and sufficient for a
// closed validator set where the message space is fixed-schema digests
// rather than attacker-chosen strings.
func hashToG2(msg []byte) bls12381.G2Affine {
	h := sha256.New()
	h.Write([]byte("SAVANNA_BLS_SIG_BLS12381G2_"))
	h.Write(msg)
	base := h.Sum(nil)

	for counter := uint32(0); counter < 256; counter++ {
		h2 := sha256.New()
		h2.Write(base)
		h2.Write([]byte{byte(counter), byte(counter >> 8), byte(counter >> 16), byte(counter >> 24)})
		seed := h2.Sum(nil)

		var scalar fr.Element
		scalar.SetBytes(seed)
		var scalarBig big.Int
		scalar.BigInt(&scalarBig)

		var point bls12381.G2Affine
		point.ScalarMultiplication(&g2Gen, &scalarBig)
		if !point.IsInfinity() {
			return point
		}
	}
	return g2Gen
}

// ValidatePublicKey reports whether data parses into a well-formed,
// subgroup-checked public key.
func ValidatePublicKey(data []byte) error {
	_, err := PublicKeyFromBytes(data)
	return err
}

// ValidateSignature reports whether data parses into a well-formed,
// subgroup-checked signature.
func ValidateSignature(data []byte) error {
	_, err := SignatureFromBytes(data)
	return err
}
