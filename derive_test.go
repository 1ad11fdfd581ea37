package ykauth_test

import (
	"testing"

	"github.com/cardkit/ykauth"
	keywire "github.com/cardkit/ykauth/internal"
)

func p256Cryptogram(secret ykauth.SecretKey, host, device ykauth.Challenge, devicePublic [65]byte) [16]byte {
	_, _, _, cryptogram := keywire.DeriveP256(secret, host, device, devicePublic)
	return cryptogram
}

func TestDeriveSessionKeysDeterministic(t *testing.T) {
	t.Parallel()

	secret := ykauth.DeriveCredentialKey("pw")
	host := ykauth.Challenge{1, 2, 3, 4, 5, 6, 7, 8}
	device := ykauth.Challenge{8, 7, 6, 5, 4, 3, 2, 1}

	a := ykauth.DeriveSessionKeys(secret, host, device)
	b := ykauth.DeriveSessionKeys(secret, host, device)
	if a != b {
		t.Error("identical inputs derived different session keys")
	}
	if a.Enc == a.MAC || a.MAC == a.RMAC || a.Enc == a.RMAC {
		t.Error("derived session keys collide")
	}
	if a.Enc == (ykauth.SecretKey{}) {
		t.Error("derived a zero session key")
	}
}

func TestDeriveSessionKeysSensitivity(t *testing.T) {
	t.Parallel()

	secret := ykauth.DeriveCredentialKey("pw")
	host := ykauth.Challenge{1, 2, 3, 4, 5, 6, 7, 8}
	device := ykauth.Challenge{8, 7, 6, 5, 4, 3, 2, 1}
	base := ykauth.DeriveSessionKeys(secret, host, device)

	if ykauth.DeriveSessionKeys(ykauth.DeriveCredentialKey("pw2"), host, device) == base {
		t.Error("different secrets derived identical keys")
	}
	if ykauth.DeriveSessionKeys(secret, device, host) == base {
		t.Error("swapped challenges derived identical keys")
	}

	other := device
	other[0] ^= 1
	if ykauth.DeriveSessionKeys(secret, host, other) == base {
		t.Error("a fresh device challenge must derive fresh keys")
	}
}

func TestDeriveCredentialKey(t *testing.T) {
	t.Parallel()

	if ykauth.DeriveCredentialKey("pw") != ykauth.DeriveCredentialKey("pw") {
		t.Error("credential key derivation is not deterministic")
	}
	if ykauth.DeriveCredentialKey("pw") == ykauth.DeriveCredentialKey("pW") {
		t.Error("distinct passwords derived the same key")
	}
	if ykauth.DeriveManagementKey("pw") != ykauth.DeriveCredentialKey("pw") {
		t.Error("management and credential slots share the derivation")
	}
}

func TestDeriveSessionKeysP256(t *testing.T) {
	t.Parallel()

	secret := ykauth.DeriveCredentialKey("pw")
	host := ykauth.Challenge{1, 2, 3, 4, 5, 6, 7, 8}
	device := ykauth.Challenge{8, 7, 6, 5, 4, 3, 2, 1}
	var devicePublic [65]byte
	devicePublic[0] = 4

	// Recompute the expected cryptogram the way the device does.
	keys, err := ykauth.DeriveSessionKeysP256(secret, host, device, devicePublic, p256Cryptogram(secret, host, device, devicePublic))
	if err != nil {
		t.Fatalf("DeriveSessionKeysP256: %v", err)
	}
	if keys.Enc == (ykauth.SecretKey{}) {
		t.Error("derived a zero session key")
	}

	_, err = ykauth.DeriveSessionKeysP256(secret, host, device, devicePublic, [16]byte{})
	if err == nil {
		t.Error("a wrong card cryptogram must not derive keys")
	}
}
