package bls

import (
	"bytes"
	"testing"
)

func TestInitialize(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := Initialize(); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
}

func TestGenerateKeyPair(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if len(priv.Bytes()) != PrivateKeySize {
		t.Fatalf("private key size = %d, want %d", len(priv.Bytes()), PrivateKeySize)
	}
	if len(pub.LittleEndianBytes()) != PublicKeySize {
		t.Fatalf("public key size = %d, want %d", len(pub.LittleEndianBytes()), PublicKeySize)
	}
	if !priv.PublicKey().Equal(pub) {
		t.Fatalf("derived public key mismatch")
	}
}

func TestGenerateKeyPairFromSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 32)
	priv1, pub1, err := GenerateKeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("GenerateKeyPairFromSeed: %v", err)
	}
	priv2, pub2, err := GenerateKeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("GenerateKeyPairFromSeed (again): %v", err)
	}
	if !bytes.Equal(priv1.Bytes(), priv2.Bytes()) {
		t.Fatalf("same seed produced different private keys")
	}
	if !pub1.Equal(pub2) {
		t.Fatalf("same seed produced different public keys")
	}
	if _, _, err := GenerateKeyPairFromSeed([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short seed")
	}
}

func TestSignAndVerify(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	msg := []byte("strong digest bytes")
	sig := priv.Sign(msg)

	if !VerifyAggregate([]*PublicKey{pub}, sig, msg) {
		t.Fatalf("expected valid signature to verify")
	}
	if VerifyAggregate([]*PublicKey{pub}, sig, []byte("different message")) {
		t.Fatalf("expected verification to fail for wrong message")
	}

	_, otherPub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if VerifyAggregate([]*PublicKey{otherPub}, sig, msg) {
		t.Fatalf("expected verification to fail for wrong key")
	}
}

func TestWeakSigningMessageDiffersFromStrong(t *testing.T) {
	strong := []byte("a 32 byte strong digest value!!")
	weak := WeakSigningMessage(strong)
	if bytes.Equal(strong, weak) {
		t.Fatalf("weak signing message must differ from the strong digest itself")
	}

	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	strongSig := priv.Sign(strong)
	weakSig := priv.Sign(weak)
	if VerifyAggregate([]*PublicKey{pub}, strongSig, weak) {
		t.Fatalf("a strong-digest signature must not verify against the weak message")
	}
	if !VerifyAggregate([]*PublicKey{pub}, weakSig, weak) {
		t.Fatalf("expected weak-domain signature to verify against the weak message")
	}
}

func TestSerializationRoundtrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sig := priv.Sign([]byte("roundtrip message"))

	pub2, err := PublicKeyFromBytes(pub.LittleEndianBytes())
	if err != nil {
		t.Fatalf("PublicKeyFromBytes: %v", err)
	}
	if !pub.Equal(pub2) {
		t.Fatalf("public key roundtrip mismatch")
	}

	sig2, err := SignatureFromBytes(sig.LittleEndianBytes())
	if err != nil {
		t.Fatalf("SignatureFromBytes: %v", err)
	}
	if !bytes.Equal(sig.LittleEndianBytes(), sig2.LittleEndianBytes()) {
		t.Fatalf("signature roundtrip mismatch")
	}

	priv2, err := PrivateKeyFromBytes(priv.Bytes())
	if err != nil {
		t.Fatalf("PrivateKeyFromBytes: %v", err)
	}
	if !bytes.Equal(priv.Bytes(), priv2.Bytes()) {
		t.Fatalf("private key roundtrip mismatch")
	}
}

func TestHexSerialization(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if pub.Hex() == "" {
		t.Fatalf("expected non-empty hex encoding")
	}
}

func TestPublicKeyFromBytesRejectsWrongSize(t *testing.T) {
	if _, err := PublicKeyFromBytes(make([]byte, PublicKeySize-1)); err == nil {
		t.Fatalf("expected error for short public key")
	}
	if _, err := SignatureFromBytes(make([]byte, SignatureSize+1)); err == nil {
		t.Fatalf("expected error for oversized signature")
	}
}

func TestAggregateSignatures(t *testing.T) {
	const n = 5
	msg := []byte("quorum vote message")
	var pubs []*PublicKey
	var sigs []*Signature
	for i := 0; i < n; i++ {
		priv, pub, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair(%d): %v", i, err)
		}
		pubs = append(pubs, pub)
		sigs = append(sigs, priv.Sign(msg))
	}

	aggSig, err := AggregateSignatures(sigs)
	if err != nil {
		t.Fatalf("AggregateSignatures: %v", err)
	}
	if !VerifyAggregate(pubs, aggSig, msg) {
		t.Fatalf("expected aggregate signature to verify against all signers")
	}
}

func TestAggregatePublicKeys(t *testing.T) {
	const n = 4
	msg := []byte("policy aggregate message")
	var privs []*PrivateKey
	var pubs []*PublicKey
	for i := 0; i < n; i++ {
		priv, pub, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair(%d): %v", i, err)
		}
		privs = append(privs, priv)
		pubs = append(pubs, pub)
	}

	aggPub, err := AggregatePublicKeys(pubs)
	if err != nil {
		t.Fatalf("AggregatePublicKeys: %v", err)
	}

	var sigs []*Signature
	for _, priv := range privs {
		sigs = append(sigs, priv.Sign(msg))
	}
	aggSig, err := AggregateSignatures(sigs)
	if err != nil {
		t.Fatalf("AggregateSignatures: %v", err)
	}
	if !Verify(aggPub, aggSig, msg) {
		t.Fatalf("expected aggregate public key to verify the aggregate signature")
	}
}

func TestEmptyAggregation(t *testing.T) {
	if _, err := AggregateSignatures(nil); err == nil {
		t.Fatalf("expected error aggregating zero signatures")
	}
	if _, err := AggregatePublicKeys(nil); err == nil {
		t.Fatalf("expected error aggregating zero public keys")
	}
}

func TestSingleSignerAggregation(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	msg := []byte("single signer")
	sig := priv.Sign(msg)

	aggSig, err := AggregateSignatures([]*Signature{sig})
	if err != nil {
		t.Fatalf("AggregateSignatures: %v", err)
	}
	if !bytes.Equal(aggSig.LittleEndianBytes(), sig.LittleEndianBytes()) {
		t.Fatalf("aggregating a single signature must be a no-op")
	}
	if !VerifyAggregate([]*PublicKey{pub}, aggSig, msg) {
		t.Fatalf("expected single-signer aggregate to verify")
	}
}

func TestConflictingMessagesFailAggregateVerify(t *testing.T) {
	priv1, pub1, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	priv2, pub2, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sig1 := priv1.Sign([]byte("message A"))
	sig2 := priv2.Sign([]byte("message B"))

	aggSig, err := AggregateSignatures([]*Signature{sig1, sig2})
	if err != nil {
		t.Fatalf("AggregateSignatures: %v", err)
	}
	if VerifyAggregate([]*PublicKey{pub1, pub2}, aggSig, []byte("message A")) {
		t.Fatalf("expected verification to fail when signers signed different messages")
	}
}

func TestTamperedSignatureFailsVerify(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	msg := []byte("tamper target")
	sig := priv.Sign(msg)
	raw := sig.LittleEndianBytes()
	raw[0] ^= 0xFF

	if _, err := SignatureFromBytes(raw); err == nil {
		t.Fatalf("expected tampered bytes to fail to parse or subgroup-check")
	}
	_ = pub
}

func TestValidatePublicKeyAndSignature(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	priv, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sig := priv.Sign([]byte("validate me"))

	if err := ValidatePublicKey(pub.LittleEndianBytes()); err != nil {
		t.Fatalf("ValidatePublicKey: %v", err)
	}
	if err := ValidateSignature(sig.LittleEndianBytes()); err != nil {
		t.Fatalf("ValidateSignature: %v", err)
	}
	if err := ValidatePublicKey(make([]byte, 10)); err == nil {
		t.Fatalf("expected ValidatePublicKey to reject malformed input")
	}
}

func TestVerifyDualMessageMixedAggregate(t *testing.T) {
	strongSigner, strongPub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	weakSigner, weakPub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	strongMsg := []byte("strong digest")
	weakMsg := WeakSigningMessage(strongMsg)

	strongSig := strongSigner.Sign(strongMsg)
	weakSig := weakSigner.Sign(weakMsg)
	agg, err := AggregateSignatures([]*Signature{strongSig, weakSig})
	if err != nil {
		t.Fatalf("AggregateSignatures: %v", err)
	}

	if !VerifyDualMessage(strongPub, weakPub, agg, strongMsg, weakMsg) {
		t.Fatalf("expected VerifyDualMessage to accept a mixed strong/weak aggregate")
	}
	if VerifyDualMessage(weakPub, strongPub, agg, strongMsg, weakMsg) {
		t.Fatalf("expected VerifyDualMessage to reject when strong/weak pubkeys are swapped")
	}
}

func TestVerifyDualMessageStrongOnly(t *testing.T) {
	signer, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	msg := []byte("strong only")
	sig := signer.Sign(msg)
	if !VerifyDualMessage(pub, nil, sig, msg, nil) {
		t.Fatalf("expected VerifyDualMessage to accept a strong-only signature with weak pubkey omitted")
	}
}

func BenchmarkSign(b *testing.B) {
	priv, _, err := GenerateKeyPair()
	if err != nil {
		b.Fatalf("GenerateKeyPair: %v", err)
	}
	msg := []byte("benchmark message")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		priv.Sign(msg)
	}
}

func BenchmarkVerify(b *testing.B) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		b.Fatalf("GenerateKeyPair: %v", err)
	}
	msg := []byte("benchmark message")
	sig := priv.Sign(msg)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VerifyAggregate([]*PublicKey{pub}, sig, msg)
	}
}

func BenchmarkAggregateSignatures(b *testing.B) {
	const n = 50
	var sigs []*Signature
	for i := 0; i < n; i++ {
		priv, _, err := GenerateKeyPair()
		if err != nil {
			b.Fatalf("GenerateKeyPair: %v", err)
		}
		sigs = append(sigs, priv.Sign([]byte("benchmark aggregate")))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := AggregateSignatures(sigs); err != nil {
			b.Fatalf("AggregateSignatures: %v", err)
		}
	}
}

func BenchmarkVerifyAggregateSignature(b *testing.B) {
	const n = 50
	msg := []byte("benchmark aggregate verify")
	var pubs []*PublicKey
	var sigs []*Signature
	for i := 0; i < n; i++ {
		priv, pub, err := GenerateKeyPair()
		if err != nil {
			b.Fatalf("GenerateKeyPair: %v", err)
		}
		pubs = append(pubs, pub)
		sigs = append(sigs, priv.Sign(msg))
	}
	aggSig, err := AggregateSignatures(sigs)
	if err != nil {
		b.Fatalf("AggregateSignatures: %v", err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VerifyAggregate(pubs, aggSig, msg)
	}
}
