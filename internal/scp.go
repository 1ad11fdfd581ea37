package keywire

import (
	"crypto/aes"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"github.com/aead/cmac"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeyLength is the length of long-term secrets and derived
	// session keys.
	KeyLength = 16

	// MACLength is the length of the MAC field in a session message.
	MACLength = 8

	// P256PublicLength is the length of an uncompressed P-256 public
	// key carried in a verify-credential response.
	P256PublicLength = 65

	// P256CryptogramLength is the length of the card cryptogram in
	// the P-256 session-key agreement.
	P256CryptogramLength = 16
)

// Key derivation constants, SCP03 §4.1.5.
const (
	DeriveCardCryptogram = 0
	DeriveHostCryptogram = 1
	DeriveEncKey         = 4
	DeriveMacKey         = 6
	DeriveRmacKey        = 7
)

// Challenge is a fixed-width challenge exchanged during authentication
// and used to derive session keys.
type Challenge [8]byte

// Cryptogram is a fixed-width proof value derived alongside session
// keys and exchanged during authentication.
type Cryptogram [8]byte

// Key is a 16-byte long-term or derived session key.
type Key [KeyLength]byte

// ReadChallenge fills a challenge from the given random source.
func ReadChallenge(rand io.Reader) (c Challenge, err error) {
	_, err = io.ReadFull(rand, c[:])
	return c, err
}

// DeriveKey computes the SCP03 data-derivation KDF over the two
// session challenges.
func DeriveKey(lenDerived, derivationConstant byte, key Key, hostChallenge, deviceChallenge Challenge) (derived Key) {
	// SCP03 §4.1.5 Data Derivation Scheme
	fixedInput := [16]byte{
		// An 11-byte zero label followed by a 1-byte derivation
		// constant.
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, derivationConstant,
		// A 1-byte separation indicator.
		0,
		// A 2-byte length of the derived data in bits.
		0, 8 * lenDerived,
		// A 1-byte KDF counter.
		1,
	}

	// Keys are hardcoded to 16 bytes; cipher and CMAC construction
	// cannot fail.
	block, _ := aes.NewCipher(key[:])
	mac, _ := cmac.New(block)

	_, _ = mac.Write(fixedInput[:])
	_, _ = mac.Write(hostChallenge[:])
	_, _ = mac.Write(deviceChallenge[:])

	// CMAC produces 16 bytes so hash directly into the returned key.
	mac.Sum(derived[:0])
	return derived
}

// DeriveSessionKey derives a full-length session key.
func DeriveSessionKey(derivationConstant byte, key Key, hostChallenge, deviceChallenge Challenge) Key {
	return DeriveKey(KeyLength, derivationConstant, key, hostChallenge, deviceChallenge)
}

// DeriveCryptogram derives a truncated authentication cryptogram.
func DeriveCryptogram(derivationConstant byte, key Key, hostChallenge, deviceChallenge Challenge) (derived Cryptogram) {
	k := DeriveKey(byte(len(derived)), derivationConstant, key, hostChallenge, deviceChallenge)
	copy(derived[:], k[:])
	return derived
}

// CalculateCMAC computes the chained session-message MAC over the
// message header and contents.
func CalculateCMAC(key, chaining Key, cmd CommandID, session byte, contents []byte) (k Key) {
	// Keys are hardcoded to 16 bytes; cipher and CMAC construction
	// cannot fail.
	block, _ := aes.NewCipher(key[:])
	mac, _ := cmac.New(block)

	// Compute the CMAC over the chaining MAC, the message header,
	// and its contents.
	l := 1 + MACLength + len(contents)
	header := [4]byte{byte(cmd), byte(l >> 8), byte(l), session}
	_, _ = mac.Write(chaining[:])
	_, _ = mac.Write(header[:])
	_, _ = mac.Write(contents)

	// CMAC produces 16 bytes so hash directly into the returned key.
	mac.Sum(k[:0])
	return k
}

// DeriveP256 computes the session keys and card cryptogram for the
// P-256 credential variant. The exchange additionally binds the
// device's uncompressed public key into the derivation.
//
// The exact field layout of this variant is inferred from observed
// sizes (65-byte public key, 16-byte card cryptogram) and is isolated
// here pending the authoritative protocol document.
func DeriveP256(key Key, hostChallenge, deviceChallenge Challenge, devicePublic [P256PublicLength]byte) (enc, mac, rmac Key, cryptogram [P256CryptogramLength]byte) {
	salt := make([]byte, 0, len(hostChallenge)+len(deviceChallenge))
	salt = append(salt, hostChallenge[:]...)
	salt = append(salt, deviceChallenge[:]...)

	info := append([]byte("scp11-session-keys"), devicePublic[:]...)

	kdf := hkdf.New(sha256.New, key[:], salt, info)
	for _, out := range [][]byte{enc[:], mac[:], rmac[:], cryptogram[:]} {
		_, _ = io.ReadFull(kdf, out)
	}
	return enc, mac, rmac, cryptogram
}

// ConstantTimeEqual compares secrets without leaking timing.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
