package ykauth

import (
	"context"
	"crypto/rand"
	"errors"

	keywire "github.com/cardkit/ykauth/internal"
)

// Algorithm is the session-key agreement algorithm of a credential.
type Algorithm = keywire.AlgorithmID

const (
	// AlgorithmAES128 derives session keys with the AES-CMAC scheme.
	AlgorithmAES128 = keywire.AlgorithmAES128
	// AlgorithmECP256 derives session keys with the P-256 scheme.
	AlgorithmECP256 = keywire.AlgorithmECP256
)

// Credential describes a named secret to store on the token. The
// token enforces a per-credential retry counter independent of the
// management key's.
type Credential struct {
	// Label uniquely names the credential on the token.
	Label string

	// Key is the credential's 16-byte secret; see
	// [DeriveCredentialKey] to derive one from a password.
	Key SecretKey

	// Algorithm selects the session-key agreement variant. The zero
	// value means [AlgorithmAES128].
	Algorithm Algorithm

	// TouchRequired credentials demand physical user presence before
	// each session-key derivation.
	TouchRequired bool
}

// NewCredential builds an AES-128 credential whose key is derived
// from password.
func NewCredential(label, password string, touchRequired bool) Credential {
	return Credential{
		Label:         label,
		Key:           DeriveCredentialKey(password),
		Algorithm:     AlgorithmAES128,
		TouchRequired: touchRequired,
	}
}

// CredentialInfo is the metadata which the token reports about a
// stored credential. Secret material never leaves the device.
type CredentialInfo struct {
	Label         string
	Algorithm     Algorithm
	TouchRequired bool
	// Retries is the credential's remaining retry count; zero means
	// the credential is locked until an administrative reset.
	Retries int
}

// AddCredential stores a credential on the token. It fails with
// [ErrDuplicateLabel] if the label is already in use. The session
// must be authenticated with the management key.
func (s *Session) AddCredential(ctx context.Context, conn Connector, credential Credential) error {
	if err := keywire.ValidLabel(credential.Label); err != nil {
		return err
	}

	cmd := keywire.PutCredentialCommand{
		Algorithm:     credential.Algorithm,
		TouchRequired: credential.TouchRequired,
		Key:           credential.Key,
		Label:         credential.Label,
	}
	if cmd.Algorithm == 0 {
		cmd.Algorithm = AlgorithmAES128
	}

	var rsp keywire.PutCredentialResponse
	return s.sendCommand(ctx, conn, false, &cmd, &rsp)
}

// TryAddCredential stores a credential whose password is supplied by
// the session's [KeyCollector]. It reports false without error when
// the collector cancels; nothing is stored in that case.
func (s *Session) TryAddCredential(ctx context.Context, conn Connector, label string, touchRequired bool) (bool, error) {
	if err := keywire.ValidLabel(label); err != nil {
		return false, err
	}
	if s.collector == nil {
		return false, ErrCollectorRequired
	}

	defer release(s.collector, label)

	request := &KeyEntryRequest{Kind: AuthenticateCredentialPassword, Label: label, retries: -1}
	password, err := collectOne(s.collector, request)
	if errors.Is(err, ErrOperationCancelled) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	credential := NewCredential(label, string(password), touchRequired)
	request.wipe()

	err = s.AddCredential(ctx, conn, credential)
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteCredential removes the named credential. It fails with
// [ErrNotFound] if no credential matches the label.
func (s *Session) DeleteCredential(ctx context.Context, conn Connector, label string) error {
	if err := keywire.ValidLabel(label); err != nil {
		return err
	}

	cmd := keywire.DeleteCredentialCommand{Label: label}
	var rsp keywire.DeleteCredentialResponse
	return s.sendCommand(ctx, conn, false, &cmd, &rsp)
}

// ListCredentials returns a snapshot of the credentials stored on the
// token.
func (s *Session) ListCredentials(ctx context.Context, conn Connector) ([]CredentialInfo, error) {
	var rsp keywire.ListCredentialsResponse
	err := s.sendCommand(ctx, conn, false, keywire.ListCredentialsCommand{}, &rsp)
	if err != nil {
		return nil, err
	}

	infos := make([]CredentialInfo, len(rsp))
	for i, entry := range rsp {
		infos[i] = CredentialInfo{
			Label:         entry.Label,
			Algorithm:     entry.Algorithm,
			TouchRequired: entry.TouchRequired,
			Retries:       int(entry.Retries),
		}
	}
	return infos, nil
}

// RenameCredential atomically relabels a credential. It fails with
// [ErrUnsupportedFeature] on firmware without rename support, with
// [ErrNotFound] if oldLabel does not exist, and with
// [ErrDuplicateLabel] if newLabel is already in use; the original
// credential is unchanged in every failure case.
func (s *Session) RenameCredential(ctx context.Context, conn Connector, oldLabel, newLabel string) error {
	if err := keywire.ValidLabel(oldLabel); err != nil {
		return err
	}
	if err := keywire.ValidLabel(newLabel); err != nil {
		return err
	}

	cmd := keywire.RenameCredentialCommand{OldLabel: oldLabel, NewLabel: newLabel}
	var rsp keywire.RenameCredentialResponse
	return s.sendCommand(ctx, conn, false, &cmd, &rsp)
}

// ManagementKeyRetries reports the remaining retry count of the
// management key slot. It works on an unauthenticated session, which
// is useful to warn before the final attempt.
func (s *Session) ManagementKeyRetries(ctx context.Context, conn Connector) (int, error) {
	return s.getRetries(ctx, conn, keywire.RetrySlotManagementKey, "")
}

// CredentialRetries reports the remaining retry count of the named
// credential.
func (s *Session) CredentialRetries(ctx context.Context, conn Connector, label string) (int, error) {
	if err := keywire.ValidLabel(label); err != nil {
		return 0, err
	}
	return s.getRetries(ctx, conn, keywire.RetrySlotCredential, label)
}

func (s *Session) getRetries(ctx context.Context, conn Connector, slot keywire.RetrySlot, label string) (int, error) {
	cmd := keywire.GetRetriesCommand{Slot: slot, Label: label}
	var rsp keywire.GetRetriesResponse

	err := s.sendCommand(ctx, conn, false, &cmd, &rsp)
	if errors.Is(err, ErrNotAuthenticated) {
		err = wireError(sendPlaintext(ctx, conn, &cmd, &rsp))
	}
	if err != nil {
		return 0, err
	}
	return int(rsp.Retries), nil
}

// ResetCredentialRetries resets an exhausted credential's retry
// counter back to its maximum. The session's management-key
// authentication is the administrative authority for the reset.
func (s *Session) ResetCredentialRetries(ctx context.Context, conn Connector, label string) error {
	if err := keywire.ValidLabel(label); err != nil {
		return err
	}

	cmd := keywire.ResetRetriesCommand{Label: label}
	var rsp keywire.ResetRetriesResponse
	return s.sendCommand(ctx, conn, false, &cmd, &rsp)
}

// ChangeManagementKey replaces the management key. The device resets
// the management-key retry counter on success. Authentication under
// the current key is the proof of authority.
func (s *Session) ChangeManagementKey(ctx context.Context, conn Connector, newKey SecretKey) error {
	cmd := keywire.ChangeManagementKeyCommand{NewKey: newKey}
	var rsp keywire.ChangeManagementKeyResponse
	return s.sendCommand(ctx, conn, false, &cmd, &rsp)
}

// CollectChangeManagementKey gathers the current and new management
// keys from the session's [KeyCollector], authenticates under the
// current key, and replaces it with the new one. The collector is
// re-asked after each wrong current key while retries remain.
func (s *Session) CollectChangeManagementKey(ctx context.Context, conn Connector) error {
	if s.collector == nil {
		return ErrCollectorRequired
	}

	defer release(s.collector, "")

	retries := -1
	for {
		request := &KeyEntryRequest{Kind: ChangeManagementKey, retries: retries}
		if !s.collector.Collect(request) {
			return ErrOperationCancelled
		}
		if len(request.values) != 2 {
			return Error("key collector must submit the current and new management keys")
		}

		var current, replacement SecretKey
		if len(request.values[0]) != len(current) || len(request.values[1]) != len(replacement) {
			request.wipe()
			return Error("collected management keys must be 16 bytes")
		}
		copy(current[:], request.values[0])
		copy(replacement[:], request.values[1])
		request.wipe()

		err := s.Authenticate(ctx, conn, WithManagementKey(current))
		current = SecretKey{}

		var wrong *WrongSecretError
		switch {
		case err == nil:
			return s.ChangeManagementKey(ctx, conn, replacement)

		case errors.As(err, &wrong):
			s.debug("management key rejected", "retries", wrong.Retries)
			retries = wrong.Retries

		default:
			return err
		}
	}
}

// DeriveCredentialSessionKeys verifies the credential's key on the
// token and derives the ephemeral session keys from the challenge
// exchange. The device adjudicates the key against the credential's
// retry counter; see [WrongSecretError], [ErrRetriesExhausted] and
// [ErrTouchTimeout].
func (s *Session) DeriveCredentialSessionKeys(ctx context.Context, conn Connector, label string, key SecretKey) (SessionKeys, error) {
	if err := keywire.ValidLabel(label); err != nil {
		return SessionKeys{}, err
	}

	hostChallenge, err := keywire.ReadChallenge(rand.Reader)
	if err != nil {
		return SessionKeys{}, err
	}

	cmd := keywire.VerifyCredentialCommand{
		Key:           key,
		HostChallenge: hostChallenge,
		Label:         label,
	}
	var rsp keywire.VerifyCredentialResponse
	err = s.sendCommand(ctx, conn, false, &cmd, &rsp)
	if err != nil {
		return SessionKeys{}, err
	}

	if rsp.P256 {
		return DeriveSessionKeysP256(key, hostChallenge, rsp.DeviceChallenge, rsp.DevicePublic, rsp.CardCryptogram)
	}
	return DeriveSessionKeys(key, hostChallenge, rsp.DeviceChallenge), nil
}

// CollectCredentialSessionKeys derives session keys for a credential
// whose password is supplied by the session's [KeyCollector]. The
// collector is re-asked after each wrong password while the
// credential has retries remaining, and receives a [TouchRequest]
// before the device blocks awaiting physical confirmation.
func (s *Session) CollectCredentialSessionKeys(ctx context.Context, conn Connector, label string) (SessionKeys, error) {
	if s.collector == nil {
		return SessionKeys{}, ErrCollectorRequired
	}

	infos, err := s.ListCredentials(ctx, conn)
	if err != nil {
		return SessionKeys{}, err
	}
	touchRequired := false
	found := false
	for _, info := range infos {
		if info.Label == label {
			touchRequired = info.TouchRequired
			found = true
			break
		}
	}
	if !found {
		return SessionKeys{}, ErrNotFound
	}

	defer release(s.collector, label)

	retries := -1
	for {
		request := &KeyEntryRequest{Kind: AuthenticateCredentialPassword, Label: label, retries: retries}
		password, err := collectOne(s.collector, request)
		if err != nil {
			return SessionKeys{}, err
		}
		key := DeriveCredentialKey(string(password))
		request.wipe()

		if touchRequired {
			touch := &KeyEntryRequest{Kind: TouchRequest, Label: label, retries: -1}
			if !s.collector.Collect(touch) {
				return SessionKeys{}, ErrOperationCancelled
			}
		}

		keys, err := s.DeriveCredentialSessionKeys(ctx, conn, label, key)
		key = SecretKey{}

		var wrong *WrongSecretError
		switch {
		case err == nil:
			return keys, nil

		case errors.As(err, &wrong):
			s.debug("credential password rejected", "label", label, "retries", wrong.Retries)
			retries = wrong.Retries

		default:
			return SessionKeys{}, err
		}
	}
}

// ResetDevice restores the token to factory defaults: all credentials
// are destroyed and the management key reverts to the default with a
// full retry counter. It is the out-of-band administrative recovery
// for an exhausted management key, so it intentionally does not
// require an authenticated session.
func ResetDevice(ctx context.Context, conn Connector) error {
	var rsp keywire.ResetDeviceResponse
	return wireError(sendPlaintext(ctx, conn, keywire.ResetDeviceCommand{}, &rsp))
}
