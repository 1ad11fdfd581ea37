package ykauth

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"

	keywire "github.com/cardkit/ykauth/internal"
)

const (
	pbkdfIterations = 10_000
	pbkdfSalt       = "Yubico"
)

// SessionKeys are the ephemeral keys protecting one authenticated
// session. They are derived from a verified long-term secret and the
// host/device challenge pair, and are never persisted.
type SessionKeys struct {
	// Enc encrypts session messages.
	Enc SecretKey
	// MAC authenticates host-to-device messages.
	MAC SecretKey
	// RMAC authenticates device-to-host messages.
	RMAC SecretKey
}

// DeriveSessionKeys computes the session keys for the AES-128 variant.
// It is a pure function: identical inputs always yield identical keys,
// and it must only be called with a secret the device verified in the
// same logical operation.
func DeriveSessionKeys(secret SecretKey, hostChallenge, deviceChallenge Challenge) SessionKeys {
	return SessionKeys{
		Enc:  keywire.DeriveSessionKey(keywire.DeriveEncKey, secret, hostChallenge, deviceChallenge),
		MAC:  keywire.DeriveSessionKey(keywire.DeriveMacKey, secret, hostChallenge, deviceChallenge),
		RMAC: keywire.DeriveSessionKey(keywire.DeriveRmacKey, secret, hostChallenge, deviceChallenge),
	}
}

// DeriveSessionKeysP256 computes the session keys for the P-256
// variant, which additionally binds the device's uncompressed public
// key. The device's card cryptogram is recomputed and compared; a
// mismatch fails without producing keys.
func DeriveSessionKeysP256(secret SecretKey, hostChallenge, deviceChallenge Challenge, devicePublic [65]byte, cardCryptogram [16]byte) (SessionKeys, error) {
	enc, mac, rmac, cryptogram := keywire.DeriveP256(secret, hostChallenge, deviceChallenge, devicePublic)
	if !keywire.ConstantTimeEqual(cryptogram[:], cardCryptogram[:]) {
		return SessionKeys{}, Error("card cryptogram incorrect")
	}
	return SessionKeys{Enc: enc, MAC: mac, RMAC: rmac}, nil
}

// DeriveCredentialKey derives a credential's 16-byte key from its
// password using PBKDF2-SHA256.
func DeriveCredentialKey(password string) (key SecretKey) {
	derived := pbkdf2.Key([]byte(password), []byte(pbkdfSalt), pbkdfIterations, len(key), sha256.New)
	copy(key[:], derived)
	return key
}

// DeriveManagementKey derives a 16-byte management key from a
// password using PBKDF2-SHA256. An out-of-box device uses the key
// derived from the default password "password"; it must be replaced
// before real use.
func DeriveManagementKey(password string) SecretKey {
	return DeriveCredentialKey(password)
}
