package keyring

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"
)

func TestOpen_GeneratesInitialKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")

	kr, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := kr.ActiveKeyID(); got != "ed25519:v1" {
		t.Fatalf("ActiveKeyID = %q, want ed25519:v1", got)
	}

	// Reopening loads the same key material.
	kr2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	pub1, err := kr.PublicKey("ed25519:v1")
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	pub2, err := kr2.PublicKey("ed25519:v1")
	if err != nil {
		t.Fatalf("PublicKey after reopen: %v", err)
	}
	if !pub1.Equal(pub2) {
		t.Fatal("public key changed across reopen")
	}
}

func TestSignAndVerify(t *testing.T) {
	kr, err := Open(filepath.Join(t.TempDir(), "keys.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	msg := []byte("document digest")
	sig, err := kr.Sign(kr.ActiveKeyID(), msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pub, err := kr.PublicKey(kr.ActiveKeyID())
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if !ed25519.Verify(pub, msg, sig) {
		t.Fatal("signature does not verify")
	}

	if _, err := kr.Sign("ed25519:v9", msg); err == nil {
		t.Fatal("Sign with unknown version should fail")
	}
}

func TestRotate_KeepsOldVersionsVerifiable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	kr, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	msg := []byte("signed before rotation")
	oldID := kr.ActiveKeyID()
	sig, err := kr.Sign(oldID, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	v, err := kr.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if v != 2 {
		t.Fatalf("Rotate = v%d, want v2", v)
	}
	if got := kr.ActiveKeyID(); got != "ed25519:v2" {
		t.Fatalf("ActiveKeyID after rotate = %q", got)
	}

	// The old key still verifies and survives a reopen.
	kr2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	pub, err := kr2.PublicKey(oldID)
	if err != nil {
		t.Fatalf("PublicKey(%s): %v", oldID, err)
	}
	if !ed25519.Verify(pub, msg, sig) {
		t.Fatal("pre-rotation signature no longer verifies")
	}
}

func TestParseKeyID(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"ed25519:v1", 1, false},
		{"ed25519:v12", 12, false},
		{"ed25519:vx", 0, true},
		{"rsa:v1", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseKeyID(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseKeyID(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseKeyID(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseKeyID(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
