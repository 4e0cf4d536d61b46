package crypto

import (
	"bytes"
	"testing"
)

func mustKey(t *testing.T) *PrivateKey {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	return key
}

func TestPrivateKeyFromBytes(t *testing.T) {
	original := mustKey(t)
	restored, err := PrivateKeyFromBytes(original.Serialize())
	if err != nil {
		t.Fatalf("PrivateKeyFromBytes() error: %v", err)
	}
	if !bytes.Equal(original.PublicKey(), restored.PublicKey()) {
		t.Error("restored key should have same public key")
	}

	for _, n := range []int{0, 16, 64} {
		if _, err := PrivateKeyFromBytes(make([]byte, n)); err == nil {
			t.Errorf("PrivateKeyFromBytes(%d bytes) should fail", n)
		}
	}
}

func TestSign_Verify(t *testing.T) {
	key := mustKey(t)
	hash := Hash([]byte("tx id"))
	sig, err := key.Sign(hash[:])
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64", len(sig))
	}
	if !VerifySignature(hash[:], sig, key.PublicKey()) {
		t.Error("signature should verify")
	}

	other := Hash([]byte("other"))
	if VerifySignature(other[:], sig, key.PublicKey()) {
		t.Error("signature should not verify for another hash")
	}
	if VerifySignature(hash[:], sig, mustKey(t).PublicKey()) {
		t.Error("signature should not verify under another key")
	}
	if VerifySignature(hash[:], []byte{1, 2, 3}, key.PublicKey()) {
		t.Error("garbage signature should not verify")
	}
	if _, err := key.Sign([]byte("short")); err == nil {
		t.Error("Sign() should reject non-32-byte input")
	}
}

func TestDigitalSignature(t *testing.T) {
	key := mustKey(t)
	h := Hash([]byte("notarise me"))

	ds, err := SignHash(key, h)
	if err != nil {
		t.Fatalf("SignHash: %v", err)
	}
	if !bytes.Equal(ds.By, key.PublicKey()) {
		t.Error("signature should record the signing key")
	}
	if !ds.Verify(h) {
		t.Error("signature should verify")
	}
	if ds.Verify(Hash([]byte("different"))) {
		t.Error("signature should not verify for a different hash")
	}
	if ds.KeyID() != KeyIDFromPubKey(key.PublicKey()) {
		t.Error("KeyID mismatch")
	}

	var nilSig *DigitalSignature
	if nilSig.Verify(h) {
		t.Error("nil signature should not verify")
	}
}

func TestValidatePubKey(t *testing.T) {
	if err := ValidatePubKey(mustKey(t).PublicKey()); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
	if err := ValidatePubKey(make([]byte, 33)); err == nil {
		t.Error("all-zero key should be rejected")
	}
	if err := ValidatePubKey([]byte{0x02}); err == nil {
		t.Error("short key should be rejected")
	}
}
