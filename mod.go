// Package ykauth speaks the authenticated-session protocol of
// YubiKey-style security tokens: retry-limited secret verification,
// pluggable secret collection, and per-session key derivation.
//
// # Connecting to a token
//
// This package does not directly provide USB or NFC access to a
// token. Instead, a separate connector daemon provides access over a
// simple HTTP POST interface carrying binary command-response
// messages; see [HTTPConnector]. The softtokend command in this
// repository serves a software token emulator behind the same
// interface, which is also what the package's own tests run against:
//
//	conn := NewHTTPConnector(WithConnectorURL("http://1.2.3.4:5678/connector/api"))
//
// Any transport satisfying [Connector] works; it is assumed to be a
// reliable, ordered, and exclusive channel to one physical device.
//
// # Sessions and the management key
//
// All administrative commands are sent within an encrypted and
// authenticated [Session], keyed by the device's management key. An
// out-of-box token uses a key derived from the password "password".
// You _must_ replace the default before real use.
//
// A session is established with [Session.Authenticate] and released
// with [Session.Close]; release the channel on every exit path:
//
//	var session ykauth.Session
//	if err := session.Authenticate(ctx, conn); err != nil {
//		return err
//	}
//	defer session.Close(ctx, conn)
//
// # Retry counters
//
// Every secret slot on the token, the management key and each stored
// credential alike, carries a retry counter. A wrong secret decrements it;
// a correct secret resets it to its maximum. When the counter reaches
// zero the slot locks: even the correct secret is rejected with
// [ErrRetriesExhausted] until an administrative reset
// ([Session.ResetCredentialRetries] for credentials, [ResetDevice]
// for the management key). The counters live on the device and
// persist across sessions and power cycles.
//
// # Key collectors
//
// Rather than wiring secrets through every call, operations can pull
// them on demand from a [KeyCollector]: a strategy the caller
// provides, prompted once per required secret and once more per
// wrong-secret retry. Collectors also receive touch-confirmation
// prompts for credentials that require user presence.
//
// # Credentials and session keys
//
// Stored credentials each hold a 16-byte key, typically derived from
// a password with [DeriveCredentialKey]. Verifying a credential on
// the token yields ephemeral [SessionKeys] computed from the verified
// secret plus a host and device challenge pair; see
// [Session.DeriveCredentialSessionKeys]. Derivation is deterministic
// in its inputs and never reuses or persists secrets.
package ykauth
