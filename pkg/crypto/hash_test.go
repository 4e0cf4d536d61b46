package crypto

import (
	"encoding/hex"
	"testing"
)

func TestHash_KnownVectors(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
		{"hello", "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f"},
	}
	for _, tt := range tests {
		got := Hash([]byte(tt.input))
		if hex.EncodeToString(got[:]) != tt.want {
			t.Errorf("Hash(%q) = %x, want %s", tt.input, got, tt.want)
		}
	}
}

func TestTaggedHash_DomainSeparation(t *testing.T) {
	a := TaggedHash("notary-request", []byte("x"))
	b := TaggedHash("other", []byte("x"))
	if a == b {
		t.Error("different tags should give different hashes")
	}
	if a != TaggedHash("notary-request", []byte("x")) {
		t.Error("TaggedHash should be deterministic")
	}
	if TaggedHash("t", []byte("ab"), []byte("c")) != TaggedHash("t", []byte("a"), []byte("bc")) {
		t.Error("parts are concatenated")
	}
}

func TestKeyIDFromPubKey(t *testing.T) {
	pub := []byte{0x02, 0x01, 0x02}
	id := KeyIDFromPubKey(pub)
	h := Hash(pub)
	for i := range id {
		if id[i] != h[i] {
			t.Fatalf("KeyID byte %d = %x, want %x", i, id[i], h[i])
		}
	}
}
