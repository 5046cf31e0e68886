package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("jti")
	if !strings.HasPrefix(id, "jti_") || len(id) != len("jti_")+32 {
		t.Fatalf("NewID() = %q", id)
	}
	if bare := NewID(""); len(bare) != 32 || strings.Contains(bare, "_") {
		t.Fatalf("NewID(\"\") = %q", bare)
	}
	if NewID("jti") == id {
		t.Fatal("NewID() returned a duplicate")
	}
}

func TestNewSecret(t *testing.T) {
	secret := NewSecret("rft", 32)
	if !strings.HasPrefix(secret, "rft_") {
		t.Fatalf("NewSecret() = %q", secret)
	}
	// 32 bytes encode to 43 unpadded base64 characters.
	if len(secret) != len("rft_")+43 || strings.ContainsAny(secret, "+/=") {
		t.Fatalf("NewSecret() is not URL-safe base64: %q", secret)
	}
}
