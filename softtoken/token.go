package softtoken

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cardkit/ykauth"
	keywire "github.com/cardkit/ykauth/internal"
)

const (
	// DefaultRetries is the factory retry count for the management key
	// and for newly stored credentials.
	DefaultRetries = 8

	// maxSessions is the number of concurrent session slots.
	maxSessions = 16

	// maxCredentials is the credential storage capacity.
	maxCredentials = 32
)

// FactoryKey is the out-of-box management key, derived from the
// default device password.
func FactoryKey() keywire.Key {
	return ykauth.DeriveManagementKey("password")
}

// TouchFunc answers a touch-confirmation request for the named
// credential. Returning false simulates the touch timing out.
type TouchFunc func(label string) bool

type config struct {
	rand       io.Reader
	touch      TouchFunc
	log        *slog.Logger
	serial     uint32
	version    [3]uint8
	features   uint32
	maxRetries int
}

// Option configures a [Token].
type Option func(*config)

// WithTouch sets the touch-confirmation callback for credentials
// stored with touch required. The default approves immediately.
func WithTouch(touch TouchFunc) Option {
	return func(c *config) { c.touch = touch }
}

// WithRand overrides the randomness source used for challenges and
// ephemeral keys.
func WithRand(rand io.Reader) Option {
	return func(c *config) { c.rand = rand }
}

// WithSerial sets the serial number reported in device info.
func WithSerial(serial uint32) Option {
	return func(c *config) { c.serial = serial }
}

// WithFeatures overrides the feature bits reported in device info,
// e.g. to emulate firmware which predates credential renaming.
func WithFeatures(features uint32) Option {
	return func(c *config) { c.features = features }
}

// WithMaxRetries sets the retry count restored on successful
// verification and factory reset.
func WithMaxRetries(retries int) Option {
	return func(c *config) { c.maxRetries = retries }
}

// WithLogger emits diagnostic logs for processed commands. Secrets
// are never logged.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// Token is a software-emulated security token. It implements the
// connector interface so a session can be authenticated against it
// directly, without a daemon in between.
//
// All device state except the session table lives in the [Store], so
// retry counters persist across sessions and, with [SQLiteStore],
// across process restarts.
type Token struct {
	mu         sync.Mutex
	store      Store
	rand       io.Reader
	touch      TouchFunc
	log        *slog.Logger
	serial     uint32
	version    [3]uint8
	features   uint32
	maxRetries int
	sessions   [maxSessions]*tokenSession
}

// tokenSession is the device half of one encrypted channel. Between
// create-session and authenticate-session it holds the derived keys
// and the host cryptogram the device expects to receive.
type tokenSession struct {
	id             byte
	authenticated  bool
	encryptionKey  keywire.Key
	macKey         keywire.Key
	rmacKey        keywire.Key
	macChaining    keywire.Key
	hostCryptogram keywire.Cryptogram
	messageCounter uint32
}

func newConfig(options []Option) config {
	c := config{
		rand:       rand.Reader,
		version:    [3]uint8{1, 0, 3},
		features:   keywire.FeatureRenameCredential | keywire.FeatureECP256,
		maxRetries: DefaultRetries,
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

// New creates a token backed by the given store.
func New(store Store, options ...Option) *Token {
	c := newConfig(options)
	return &Token{
		store:      store,
		rand:       c.rand,
		touch:      c.touch,
		log:        c.log,
		serial:     c.serial,
		version:    c.version,
		features:   c.features,
		maxRetries: c.maxRetries,
	}
}

// NewMemory creates a token backed by a fresh in-memory store in
// factory state.
func NewMemory(options ...Option) *Token {
	c := newConfig(options)
	token := New(NewMemStore(FactoryKey(), c.maxRetries), options...)
	return token
}

func (t *Token) debug(msg string, args ...any) {
	if t.log != nil {
		t.log.Debug(msg, args...)
	}
}

func errorFrame(code keywire.ErrorCode) []byte {
	d := keywire.DeviceError{Code: code, Retries: -1}
	return d.ErrorResponse(nil)
}

func retriesFrame(code keywire.ErrorCode, retries int) []byte {
	d := keywire.DeviceError{Code: code, Retries: retries}
	return d.ErrorResponse(nil)
}

// SendCommand processes one command message and returns the response
// message. Protocol-level failures are returned in-band as error
// frames; a Go error indicates the emulated device itself failed,
// e.g. its store is broken.
func (t *Token) SendCommand(ctx context.Context, command []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(command) < keywire.HeaderLength {
		return errorFrame(keywire.ErrCodeWrongLength), nil
	}

	cmdID, cmdLen := keywire.ParseHeader(command)
	if cmdLen != len(command)-keywire.HeaderLength {
		return errorFrame(keywire.ErrCodeWrongLength), nil
	}
	payload := command[keywire.HeaderLength:]

	t.debug("processing command", "command", cmdID)

	switch cmdID {
	case keywire.CommandEcho:
		return echoFrame(payload), nil

	case keywire.CommandCreateSession:
		return t.createSession(ctx, payload)

	case keywire.CommandAuthenticateSession:
		return t.authenticateSession(ctx, payload)

	case keywire.CommandSessionMessage:
		return t.sessionMessage(ctx, command)

	case keywire.CommandGetDeviceInfo:
		return t.deviceInfo(), nil

	case keywire.CommandGetRetries:
		return t.getRetries(ctx, payload)

	case keywire.CommandResetDevice:
		return t.resetDevice(ctx)

	case keywire.CommandCloseSession, keywire.CommandPutCredential,
		keywire.CommandDeleteCredential, keywire.CommandListCredentials,
		keywire.CommandRenameCredential, keywire.CommandVerifyCredential,
		keywire.CommandResetRetries, keywire.CommandChangeManagementKey:
		// Credential and session management only run over the
		// encrypted channel.
		return errorFrame(keywire.ErrCodeAuthRequired), nil

	default:
		return errorFrame(keywire.ErrCodeUnknownCommand), nil
	}
}

func echoFrame(payload []byte) []byte {
	out := append([]byte(nil), byte(keywire.ResponseEcho), byte(len(payload)>>8), byte(len(payload)))
	return append(out, payload...)
}

func (t *Token) deviceInfo() []byte {
	rsp := keywire.DeviceInfoResponse{
		Version:  t.version,
		Serial:   t.serial,
		Features: t.features,
	}
	return rsp.Serialize(nil)
}

func (t *Token) session(id byte) *tokenSession {
	if int(id) >= len(t.sessions) {
		return nil
	}
	return t.sessions[id]
}

func (t *Token) createSession(ctx context.Context, payload []byte) ([]byte, error) {
	var cmd keywire.CreateSessionCommand
	if err := cmd.ParseCommand(payload); err != nil {
		return errorFrame(keywire.ErrCodeWrongLength), nil
	}
	if cmd.KeySlot != 1 {
		return errorFrame(keywire.ErrCodeNoMatchingCredential), nil
	}

	key, retries, err := t.store.ManagementKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("load management key: %w", err)
	}
	if retries == 0 {
		// A locked slot refuses even to begin the exchange; only a
		// factory reset recovers it.
		return errorFrame(keywire.ErrCodeManagementKeyLocked), nil
	}

	id := -1
	for i, ses := range t.sessions {
		if ses == nil {
			id = i
			break
		}
	}
	if id < 0 {
		return errorFrame(keywire.ErrCodeNoMoreSessions), nil
	}

	cardChallenge, err := keywire.ReadChallenge(t.rand)
	if err != nil {
		return nil, err
	}

	macKey := keywire.DeriveSessionKey(keywire.DeriveMacKey, key, cmd.HostChallenge, cardChallenge)
	ses := &tokenSession{
		id:             byte(id),
		encryptionKey:  keywire.DeriveSessionKey(keywire.DeriveEncKey, key, cmd.HostChallenge, cardChallenge),
		macKey:         macKey,
		rmacKey:        keywire.DeriveSessionKey(keywire.DeriveRmacKey, key, cmd.HostChallenge, cardChallenge),
		hostCryptogram: keywire.DeriveCryptogram(keywire.DeriveHostCryptogram, macKey, cmd.HostChallenge, cardChallenge),
	}
	t.sessions[id] = ses

	rsp := keywire.CreateSessionResponse{
		SessionID:      ses.id,
		CardChallenge:  cardChallenge,
		CardCryptogram: keywire.DeriveCryptogram(keywire.DeriveCardCryptogram, macKey, cmd.HostChallenge, cardChallenge),
	}
	return rsp.Serialize(nil), nil
}

func (t *Token) authenticateSession(ctx context.Context, payload []byte) ([]byte, error) {
	var cmd keywire.AuthenticateSessionCommand
	if err := cmd.ParseCommand(payload); err != nil {
		return errorFrame(keywire.ErrCodeWrongLength), nil
	}

	ses := t.session(cmd.SessionID)
	if ses == nil || ses.authenticated {
		return errorFrame(keywire.ErrCodeSessionExpired), nil
	}

	// The half-open session is consumed by this attempt either way.
	t.sessions[ses.id] = nil

	chaining := keywire.CalculateCMAC(ses.macKey, keywire.Key{}, keywire.CommandAuthenticateSession, ses.id, ses.hostCryptogram[:])
	cryptogramOK := keywire.ConstantTimeEqual(cmd.HostCryptogram[:], ses.hostCryptogram[:])
	macOK := keywire.ConstantTimeEqual(cmd.CMAC[:], chaining[:keywire.MACLength])

	_, retries, err := t.store.ManagementKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("load management key: %w", err)
	}
	if retries == 0 {
		return errorFrame(keywire.ErrCodeManagementKeyLocked), nil
	}

	if !cryptogramOK || !macOK {
		retries--
		if err := t.store.SetManagementKeyRetries(ctx, retries); err != nil {
			return nil, err
		}
		t.debug("management key rejected", "retries", retries)
		if retries == 0 {
			return errorFrame(keywire.ErrCodeManagementKeyLocked), nil
		}
		return retriesFrame(keywire.ErrCodeWrongManagementKey, retries), nil
	}

	if err := t.store.SetManagementKeyRetries(ctx, t.maxRetries); err != nil {
		return nil, err
	}

	ses.authenticated = true
	ses.macChaining = chaining
	ses.messageCounter = 1
	t.sessions[ses.id] = ses

	return keywire.EmptyResponseFrame(nil, keywire.CommandAuthenticateSession), nil
}

func (t *Token) getRetries(ctx context.Context, payload []byte) ([]byte, error) {
	var cmd keywire.GetRetriesCommand
	if err := cmd.ParseCommand(payload); err != nil {
		return errorFrame(keywire.ErrCodeWrongLength), nil
	}

	var retries int
	switch cmd.Slot {
	case keywire.RetrySlotManagementKey:
		var err error
		_, retries, err = t.store.ManagementKey(ctx)
		if err != nil {
			return nil, err
		}

	case keywire.RetrySlotCredential:
		record, err := t.store.Credential(ctx, cmd.Label)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return errorFrame(keywire.ErrCodeNoMatchingCredential), nil
		}
		retries = record.Retries

	default:
		return errorFrame(keywire.ErrCodeMalformedCommand), nil
	}

	rsp := keywire.GetRetriesResponse{Retries: uint8(retries)}
	return rsp.Serialize(nil), nil
}

func (t *Token) resetDevice(ctx context.Context) ([]byte, error) {
	if err := t.store.Reset(ctx, FactoryKey(), t.maxRetries); err != nil {
		return nil, fmt.Errorf("factory reset: %w", err)
	}
	t.sessions = [maxSessions]*tokenSession{}
	t.debug("device reset to factory state")
	return keywire.EmptyResponseFrame(nil, keywire.CommandResetDevice), nil
}

// sessionMessage unwraps one encrypted session message, dispatches the
// inner command, and seals the response with the same counter-derived
// IV the host used.
func (t *Token) sessionMessage(ctx context.Context, message []byte) ([]byte, error) {
	const headerLength = keywire.HeaderLength + 1

	if len(message) < headerLength+keywire.HeaderLength+keywire.MACLength ||
		len(message)%aes.BlockSize != headerLength+keywire.MACLength {
		return errorFrame(keywire.ErrCodeWrongLength), nil
	}

	ses := t.session(message[3])
	if ses == nil || !ses.authenticated {
		return errorFrame(keywire.ErrCodeSessionExpired), nil
	}

	inner := message[headerLength : len(message)-keywire.MACLength]
	chaining := keywire.CalculateCMAC(ses.macKey, ses.macChaining, keywire.CommandSessionMessage, ses.id, inner)
	if !keywire.ConstantTimeEqual(chaining[:keywire.MACLength], message[len(message)-keywire.MACLength:]) {
		// A bad MAC means the channel state has diverged; the session
		// cannot continue.
		t.sessions[ses.id] = nil
		return errorFrame(keywire.ErrCodeSessionExpired), nil
	}
	ses.macChaining = chaining

	var iv [aes.BlockSize]byte
	keywire.Put32(iv[len(iv)-4:], ses.messageCounter)
	block, _ := aes.NewCipher(ses.encryptionKey[:])
	block.Encrypt(iv[:], iv[:])
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(inner, inner)

	innerCmd, innerLen := keywire.ParseHeader(inner)
	if innerLen > len(inner)-keywire.HeaderLength {
		return errorFrame(keywire.ErrCodeMalformedCommand), nil
	}

	rsp, closed, err := t.dispatchSession(ctx, ses, innerCmd, inner[keywire.HeaderLength:keywire.HeaderLength+innerLen])
	if err != nil {
		return nil, err
	}

	sealed := t.sealResponse(ses, block, iv[:], rsp)
	ses.messageCounter++
	if closed {
		t.sessions[ses.id] = nil
	}
	return sealed, nil
}

// sealResponse pads, encrypts, and MACs an inner response frame. The
// response MAC chains from the command's MAC but does not itself
// advance the chain, matching the host's expectation.
func (t *Token) sealResponse(ses *tokenSession, block cipher.Block, iv, inner []byte) []byte {
	const headerLength = keywire.HeaderLength + 1
	const pad = "\x80\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"

	message := make([]byte, headerLength, headerLength+len(inner)+aes.BlockSize+keywire.MACLength)
	message = append(message, inner...)
	padding := aes.BlockSize - len(inner)%aes.BlockSize
	message = append(message, pad[:padding+keywire.MACLength]...)

	keywire.Put8(message[0:], keywire.ResponseSessionMessage)
	keywire.Put16(message[1:], len(message)-keywire.HeaderLength)
	keywire.Put8(message[3:], ses.id)

	encrypted := message[headerLength : len(message)-keywire.MACLength]
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, encrypted)

	mac := keywire.CalculateCMAC(ses.rmacKey, ses.macChaining, keywire.ResponseSessionMessage, ses.id, encrypted)
	copy(message[len(message)-keywire.MACLength:], mac[:keywire.MACLength])
	return message
}

func (t *Token) dispatchSession(ctx context.Context, ses *tokenSession, cmd keywire.CommandID, payload []byte) (rsp []byte, closed bool, err error) {
	t.debug("processing session command", "command", cmd, "session", ses.id)

	switch cmd {
	case keywire.CommandCloseSession:
		return keywire.EmptyResponseFrame(nil, keywire.CommandCloseSession), true, nil

	case keywire.CommandEcho:
		return echoFrame(payload), false, nil

	case keywire.CommandGetDeviceInfo:
		return t.deviceInfo(), false, nil

	case keywire.CommandGetRetries:
		rsp, err = t.getRetries(ctx, payload)
		return rsp, false, err

	case keywire.CommandPutCredential:
		rsp, err = t.putCredential(ctx, payload)
		return rsp, false, err

	case keywire.CommandDeleteCredential:
		rsp, err = t.deleteCredential(ctx, payload)
		return rsp, false, err

	case keywire.CommandListCredentials:
		rsp, err = t.listCredentials(ctx)
		return rsp, false, err

	case keywire.CommandRenameCredential:
		rsp, err = t.renameCredential(ctx, payload)
		return rsp, false, err

	case keywire.CommandVerifyCredential:
		rsp, err = t.verifyCredential(ctx, payload)
		return rsp, false, err

	case keywire.CommandResetRetries:
		rsp, err = t.resetRetries(ctx, payload)
		return rsp, false, err

	case keywire.CommandChangeManagementKey:
		rsp, err = t.changeManagementKey(ctx, payload)
		return rsp, false, err

	default:
		return errorFrame(keywire.ErrCodeUnknownCommand), false, nil
	}
}

func (t *Token) putCredential(ctx context.Context, payload []byte) ([]byte, error) {
	var cmd keywire.PutCredentialCommand
	if err := cmd.ParseCommand(payload); err != nil {
		return errorFrame(keywire.ErrCodeWrongLength), nil
	}
	if keywire.ValidLabel(cmd.Label) != nil {
		return errorFrame(keywire.ErrCodeMalformedCommand), nil
	}

	switch cmd.Algorithm {
	case keywire.AlgorithmAES128:
	case keywire.AlgorithmECP256:
		if t.features&keywire.FeatureECP256 == 0 {
			return errorFrame(keywire.ErrCodeUnsupportedFeature), nil
		}
	default:
		return errorFrame(keywire.ErrCodeMalformedCommand), nil
	}

	existing, err := t.store.Credential(ctx, cmd.Label)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return errorFrame(keywire.ErrCodeDuplicateLabel), nil
	}

	records, err := t.store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) >= maxCredentials {
		return errorFrame(keywire.ErrCodeStorageFull), nil
	}

	err = t.store.PutCredential(ctx, CredentialRecord{
		Label:         cmd.Label,
		Key:           cmd.Key,
		Algorithm:     cmd.Algorithm,
		TouchRequired: cmd.TouchRequired,
		Retries:       t.maxRetries,
	})
	if err != nil {
		return nil, err
	}
	return keywire.EmptyResponseFrame(nil, keywire.CommandPutCredential), nil
}

func (t *Token) deleteCredential(ctx context.Context, payload []byte) ([]byte, error) {
	label := string(payload)
	record, err := t.store.Credential(ctx, label)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return errorFrame(keywire.ErrCodeNoMatchingCredential), nil
	}
	if err := t.store.DeleteCredential(ctx, label); err != nil {
		return nil, err
	}
	return keywire.EmptyResponseFrame(nil, keywire.CommandDeleteCredential), nil
}

func (t *Token) listCredentials(ctx context.Context) ([]byte, error) {
	records, err := t.store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}

	rsp := make(keywire.ListCredentialsResponse, 0, len(records))
	for _, record := range records {
		rsp = append(rsp, keywire.CredentialEntry{
			Algorithm:     record.Algorithm,
			TouchRequired: record.TouchRequired,
			Retries:       uint8(record.Retries),
			Label:         record.Label,
		})
	}
	return rsp.Serialize(nil), nil
}

func (t *Token) renameCredential(ctx context.Context, payload []byte) ([]byte, error) {
	if t.features&keywire.FeatureRenameCredential == 0 {
		return errorFrame(keywire.ErrCodeUnsupportedFeature), nil
	}

	var cmd keywire.RenameCredentialCommand
	if err := cmd.ParseCommand(payload); err != nil {
		return errorFrame(keywire.ErrCodeWrongLength), nil
	}
	if keywire.ValidLabel(cmd.NewLabel) != nil {
		return errorFrame(keywire.ErrCodeMalformedCommand), nil
	}

	old, err := t.store.Credential(ctx, cmd.OldLabel)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return errorFrame(keywire.ErrCodeNoMatchingCredential), nil
	}

	existing, err := t.store.Credential(ctx, cmd.NewLabel)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return errorFrame(keywire.ErrCodeDuplicateLabel), nil
	}

	if err := t.store.RenameCredential(ctx, cmd.OldLabel, cmd.NewLabel); err != nil {
		return nil, err
	}
	return keywire.EmptyResponseFrame(nil, keywire.CommandRenameCredential), nil
}

func (t *Token) verifyCredential(ctx context.Context, payload []byte) ([]byte, error) {
	var cmd keywire.VerifyCredentialCommand
	if err := cmd.ParseCommand(payload); err != nil {
		return errorFrame(keywire.ErrCodeWrongLength), nil
	}

	record, err := t.store.Credential(ctx, cmd.Label)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return errorFrame(keywire.ErrCodeNoMatchingCredential), nil
	}
	if record.Retries == 0 {
		return errorFrame(keywire.ErrCodeCredentialLocked), nil
	}

	if !keywire.ConstantTimeEqual(cmd.Key[:], record.Key[:]) {
		retries := record.Retries - 1
		if err := t.store.SetCredentialRetries(ctx, record.Label, retries); err != nil {
			return nil, err
		}
		t.debug("credential secret rejected", "label", record.Label, "retries", retries)
		if retries == 0 {
			return errorFrame(keywire.ErrCodeCredentialLocked), nil
		}
		return retriesFrame(keywire.ErrCodeWrongCredentialKey, retries), nil
	}

	// The secret was correct: restore the counter before waiting on
	// touch, so a timeout costs no retries.
	if err := t.store.SetCredentialRetries(ctx, record.Label, t.maxRetries); err != nil {
		return nil, err
	}
	if record.TouchRequired && t.touch != nil && !t.touch(record.Label) {
		return errorFrame(keywire.ErrCodeTouchTimeout), nil
	}

	deviceChallenge, err := keywire.ReadChallenge(t.rand)
	if err != nil {
		return nil, err
	}

	rsp := keywire.VerifyCredentialResponse{DeviceChallenge: deviceChallenge}
	if record.Algorithm == keywire.AlgorithmECP256 {
		device, err := ecdh.P256().GenerateKey(t.rand)
		if err != nil {
			return nil, err
		}
		rsp.P256 = true
		copy(rsp.DevicePublic[:], device.PublicKey().Bytes())
		_, _, _, rsp.CardCryptogram = keywire.DeriveP256(record.Key, cmd.HostChallenge, deviceChallenge, rsp.DevicePublic)
	}
	return rsp.Serialize(nil), nil
}

func (t *Token) resetRetries(ctx context.Context, payload []byte) ([]byte, error) {
	label := string(payload)
	record, err := t.store.Credential(ctx, label)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return errorFrame(keywire.ErrCodeNoMatchingCredential), nil
	}
	if err := t.store.SetCredentialRetries(ctx, label, t.maxRetries); err != nil {
		return nil, err
	}
	return keywire.EmptyResponseFrame(nil, keywire.CommandResetRetries), nil
}

func (t *Token) changeManagementKey(ctx context.Context, payload []byte) ([]byte, error) {
	var cmd keywire.ChangeManagementKeyCommand
	if err := cmd.ParseCommand(payload); err != nil {
		return errorFrame(keywire.ErrCodeWrongLength), nil
	}
	if err := t.store.SetManagementKey(ctx, cmd.NewKey, t.maxRetries); err != nil {
		return nil, err
	}
	return keywire.EmptyResponseFrame(nil, keywire.CommandChangeManagementKey), nil
}
