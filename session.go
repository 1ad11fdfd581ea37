package ykauth

import (
	"bytes"
	"cmp"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	keywire "github.com/cardkit/ykauth/internal"
)

const (
	// The maximum number of encrypted messages to send in a session
	// before rekeying.
	maxMessagesBeforeRekey = 10_000

	defaultPassword = "password"

	defaultKeySlot keywire.SlotID = 1

	// sessionHeaderLength is command ID, length, session ID.
	sessionHeaderLength = 1 + 2 + 1

	macLength = keywire.MACLength
)

// SlotID identifies a long-term authentication key slot on the token.
type SlotID = keywire.SlotID

// SecretKey is a 16-byte long-term or derived session key.
type SecretKey = keywire.Key

// Challenge is the fixed-width random value each side contributes to
// session-key derivation.
type Challenge = keywire.Challenge

const (
	// ErrNotAuthenticated is returned if a command is sent over an
	// unauthenticated [Session].
	ErrNotAuthenticated Error = "cannot send message over unauthenticated session"

	// ErrReauthenticationRequired is returned when the maximum number
	// of commands have been sent over an encrypted [Session]. The
	// session must be reauthenticated by calling [Session.Authenticate].
	ErrReauthenticationRequired Error = "maximum messages sent; session must reauthenticate"

	// ErrIncorrectMAC is returned when a response from the token has
	// an incorrect MAC.
	ErrIncorrectMAC Error = "session message MAC failed"

	// ErrInvalidMessage is returned when a response message cannot
	// be processed; generally indicating the length is incorrect.
	ErrInvalidMessage Error = "invalid response message"
)

// AuthenticationOption configures a [Session].
type AuthenticationOption func(*Session, *authConfig) error

type authConfig struct {
	rand      io.Reader
	slot      SlotID
	key       SecretKey
	hasKey    bool
	collector KeyCollector
	logger    *slog.Logger
}

func (c *authConfig) authKey() SecretKey {
	if c.hasKey {
		return c.key
	}

	// The out-of-box management key, derived from the default
	// password. It must be replaced before real use.
	return DeriveManagementKey(defaultPassword)
}

func (c *authConfig) apply(s *Session, options []AuthenticationOption) error {
	var err error
	for _, option := range options {
		err = errors.Join(err, option(s, c))
	}
	return err
}

// WithManagementKey sets the management key used to authenticate the
// session. If neither a key, password, nor collector is specified the
// session uses the key derived from the default device password.
//
// At most one of [WithManagementKey] or [WithPassword] may be used.
func WithManagementKey(key SecretKey) AuthenticationOption {
	return func(_ *Session, c *authConfig) error {
		if c.hasKey {
			return Error("management key/password specified multiple times")
		}

		c.key = key
		c.hasKey = true
		return nil
	}
}

// WithPassword sets the management password of a session; the key is
// derived via PBKDF2.
//
// At most one of [WithManagementKey] or [WithPassword] may be used.
func WithPassword(password string) AuthenticationOption {
	return WithManagementKey(DeriveManagementKey(password))
}

// WithKeySlot sets the authentication key slot of a session. If left
// unspecified the default slot 1 is used.
func WithKeySlot(slot SlotID) AuthenticationOption {
	return func(_ *Session, c *authConfig) error {
		c.slot = slot
		return nil
	}
}

// WithKeyCollector configures a [KeyCollector] to supply the
// management key on demand. Authentication is retried through the
// collector after each wrong-key rejection, until the device locks
// the slot or the collector cancels.
func WithKeyCollector(collector KeyCollector) AuthenticationOption {
	return func(s *Session, c *authConfig) error {
		c.collector = collector
		s.collector = collector
		return nil
	}
}

// WithLogger emits diagnostic logs for session activity. Secrets are
// never logged. The default is no logging.
func WithLogger(logger *slog.Logger) AuthenticationOption {
	return func(s *Session, c *authConfig) error {
		c.logger = logger
		s.log = logger
		return nil
	}
}

// Session is an encrypted and authenticated communication channel to a
// security token. It can be used to exchange commands and responses
// with the token.
//
// The zero Session is valid to use.
//
//	var session Session
//	err := session.Authenticate(ctx, conn)
type Session struct {
	lock      sync.Mutex
	log       *slog.Logger
	collector KeyCollector
	session
}

// session holds the cryptographic state of a [Session]. Access to its
// fields must be synchronized to avoid races.
type session struct {
	encryptionKey  SecretKey
	macKey         SecretKey
	rmacKey        SecretKey
	macChaining    SecretKey
	messageCounter uint32
	sessionID      byte
}

func (s *Session) debug(msg string, args ...any) {
	if s.log != nil {
		s.log.Debug(msg, args...)
	}
}

// createSession generates a create-session command with a fresh host
// challenge.
func (c *authConfig) createSession() (keywire.CreateSessionCommand, error) {
	cmd := keywire.CreateSessionCommand{
		KeySlot: cmp.Or(c.slot, defaultKeySlot),
	}
	var err error
	cmd.HostChallenge, err = keywire.ReadChallenge(cmp.Or(c.rand, rand.Reader))
	return cmd, err
}

// authenticateOnce performs one create-session/authenticate-session
// exchange with the given candidate key. The device adjudicates the
// key and owns the retry counter: a rejection surfaces as
// [WrongSecretError] or [ErrRetriesExhausted]. The card cryptogram is
// verified after the device accepts, so a token which does not hold
// the key cannot impersonate a successful exchange.
func (s *session) authenticateOnce(ctx context.Context, conn Connector, config *authConfig, key SecretKey) error {
	createCmd, err := config.createSession()
	if err != nil {
		return err
	}

	var createRsp keywire.CreateSessionResponse
	err = sendPlaintext(ctx, conn, &createCmd, &createRsp)
	if err != nil {
		return wireError(err)
	}

	keys := DeriveSessionKeys(key, createCmd.HostChallenge, createRsp.CardChallenge)

	authCmd := keywire.AuthenticateSessionCommand{
		SessionID:      createRsp.SessionID,
		HostCryptogram: keywire.DeriveCryptogram(keywire.DeriveHostCryptogram, keys.MAC, createCmd.HostChallenge, createRsp.CardChallenge),
	}
	chaining := keywire.CalculateCMAC(keys.MAC, SecretKey{}, authCmd.ID(), authCmd.SessionID, authCmd.HostCryptogram[:])
	copy(authCmd.CMAC[:], chaining[:macLength])

	var authRsp keywire.AuthenticateSessionResponse
	err = sendPlaintext(ctx, conn, &authCmd, &authRsp)
	if err != nil {
		return wireError(err)
	}

	cardCryptogram := keywire.DeriveCryptogram(keywire.DeriveCardCryptogram, keys.MAC, createCmd.HostChallenge, createRsp.CardChallenge)
	if !keywire.ConstantTimeEqual(cardCryptogram[:], createRsp.CardCryptogram[:]) {
		return Error("card cryptogram incorrect")
	}

	s.encryptionKey = keys.Enc
	s.macKey = keys.MAC
	s.rmacKey = keys.RMAC
	s.macChaining = chaining
	s.sessionID = createRsp.SessionID
	s.messageCounter = 1
	return nil
}

// Authenticate performs the cryptographic exchange to authenticate
// with the token and establish an encrypted communication channel.
//
// With a [KeyCollector] configured, the collector is asked for the
// management key and re-asked after each wrong-key rejection while
// the device reports retries remaining. Without one, a single attempt
// is made with the configured (or default) key.
func (s *Session) Authenticate(ctx context.Context, conn Connector, options ...AuthenticationOption) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	// Clear out all keys when beginning authentication.
	s.session = session{}

	var config authConfig
	err := config.apply(s, options)
	if err != nil {
		return err
	}

	if config.collector == nil {
		return s.authenticateOnce(ctx, conn, &config, config.authKey())
	}
	if config.hasKey {
		return Error("both a management key and a key collector specified")
	}

	defer release(config.collector, "")

	retries := -1
	for {
		request := &KeyEntryRequest{Kind: AuthenticateManagementKey, retries: retries}
		value, err := collectOne(config.collector, request)
		if err != nil {
			return err
		}

		var key SecretKey
		if len(value) != len(key) {
			request.wipe()
			return Error("collected management key must be 16 bytes")
		}
		copy(key[:], value)
		request.wipe()

		err = s.authenticateOnce(ctx, conn, &config, key)
		key = SecretKey{}

		var wrong *WrongSecretError
		switch {
		case err == nil:
			return nil

		case errors.As(err, &wrong):
			s.debug("management key rejected", "retries", wrong.Retries)
			retries = wrong.Retries

		default:
			return err
		}
	}
}

// GetDeviceInfo retrieves the token's status information.
//
// This is the only command other than [Session.Authenticate] and
// retry-count queries which can be called on an unauthenticated
// session.
//
// If the session isn't authenticated then the returned device
// information is neither encrypted nor authenticated and should not
// be trusted; but this can be useful to e.g. look up a token's
// configuration by serial number prior to establishing a session.
func (s *Session) GetDeviceInfo(ctx context.Context, conn Connector) (DeviceInfo, error) {
	var (
		cmd keywire.DeviceInfoCommand
		rsp keywire.DeviceInfoResponse
	)

	// sendCommand checks the authentication state as its first step
	// after locking the session. Fallback to an unencrypted request
	// if the session isn't authenticated.

	trusted := true
	err := s.sendCommand(ctx, conn, false, cmd, &rsp)
	if errors.Is(err, ErrNotAuthenticated) {
		trusted = false
		err = sendPlaintext(ctx, conn, cmd, &rsp)
	}
	if err != nil {
		return DeviceInfo{}, err
	}

	return DeviceInfo{
		Version:  versionString(rsp.Version),
		Serial:   rsp.Serial,
		Features: rsp.Features,
		Trusted:  trusted,
	}, nil
}

// Close cleanly shuts the session down, releasing the device channel.
// A closed [Session] cannot be reused without reauthenticating.
//
// This does not implement the standard [io.Closer] interface since a
// [context.Context] and [Connector] must be provided to send a close
// message to the token. Close must be called on every exit path once
// a session authenticates.
func (s *Session) Close(ctx context.Context, conn Connector) error {
	// Reset the messageCounter within encryptCommand to mark the
	// session as unauthenticated.
	return s.sendCommand(ctx, conn, true, keywire.CloseSessionCommand{}, keywire.CloseSessionResponse{})
}

// Ping sends a ping message to the token and verifies the received
// pong response. It uses the echo command to send and receive data.
//
// The most common use of the echo command is to implement a session
// keepalive heartbeat:
//
//	err = session.Ping(ctx, conn, 0xff)
func (s *Session) Ping(ctx context.Context, conn Connector, data ...byte) error {
	pingPong := keywire.Echo(data)
	err := s.sendCommand(ctx, conn, false, pingPong, &pingPong)
	if err != nil {
		return err
	} else if !bytes.Equal(data, pingPong) {
		return Error("pong response incorrect")
	}

	return nil
}

// sendCommand encrypts a session message command, transmits it via the
// provided connector, and then decrypts the response.
//
// It must be called with the session unlocked.
func (s *Session) sendCommand(ctx context.Context, conn Connector, reset bool, cmd keywire.Command, rsp keywire.Response) error {
	// This should be large enough for the majority of commands sent
	// without causing too much heap spillage.
	var buf [256]byte

	// Encrypt the command, return the encrypted command and the
	// decryption state. This step locks the session.
	decrypt, message, err := s.encryptCommand(cmd, buf[:0], reset)
	if err != nil {
		return err
	}

	// After this point the session is unlocked, and the variable
	// itself cannot be used to validate the incoming response.

	// Send the command, and verify the session message response
	// envelope.
	message, err = conn.SendCommand(ctx, message)
	if err != nil {
		return err
	}

	message, err = decrypt.decryptSessionResponse(message)
	if err != nil {
		return err
	}

	// Validate the inner message header correctness.
	return wireError(keywire.ParseResponse(cmd.ID(), rsp, message))
}

func (s *Session) encryptCommand(cmd keywire.Command, buf []byte, reset bool) (*decryptResponse, []byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.messageCounter == 0 {
		return nil, nil, ErrNotAuthenticated
	} else if s.messageCounter >= maxMessagesBeforeRekey {
		return nil, nil, ErrReauthenticationRequired
	}

	// We serialize and encrypt the command message in-place within a
	// session message envelope. The overhead consists of the 4-byte
	// header and trailer of padding and 8-byte MAC.
	message := cmd.Serialize(buf[:sessionHeaderLength])

	// Pad the inner message to a multiple of the AES block size.
	// Padding consists of a single 0x80 byte followed by zeroes.
	//
	// To optimize memory usage, additionally reserve space for the
	// appended MAC.
	const pad = "\x80\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"
	padding := aes.BlockSize - len(message[sessionHeaderLength:])%aes.BlockSize
	message = append(message, pad[:padding+macLength]...)

	// Construct the session message header in-place. This must be
	// done after inner message serialization and padding because
	// the total length must be known.
	keywire.Put8(message[0:], keywire.CommandSessionMessage)
	keywire.Put16(message[1:], len(message)-keywire.HeaderLength)
	keywire.Put8(message[3:], s.sessionID)

	// Encrypt the session message and insert the CMAC.
	block, iv := s.encryptThenMAC(message)

	// Reset the messageCounter when closing a session, otherwise
	// increment the counter.
	if reset {
		s.messageCounter = 0
	} else {
		s.messageCounter++
	}

	return &decryptResponse{s.rmacKey, s.macChaining, block, iv, s.sessionID}, message, nil
}

// encryptThenMAC encrypts the message in-place then computes the
// message CMAC and writes it in the final 8 bytes of the message.
// Space for the header and MAC must be allocated at the front and
// back.
//
// Returns the AES block cipher and IV which can be used to decrypt
// the response.
func (s *session) encryptThenMAC(message []byte) (cipher.Block, []byte) {
	// Create the CBC IV: 16 bytes; 12 zeroes and 32-bit counter. The
	// serialized counter is encrypted with the session encryption
	// key to result in the IV.
	var iv [aes.BlockSize]byte
	keywire.Put32(iv[len(iv)-4:], s.messageCounter)

	block, _ := aes.NewCipher(s.encryptionKey[:])
	block.Encrypt(iv[:], iv[:])

	// Encrypt the serialized and padded inner message.
	inner := message[sessionHeaderLength : len(message)-macLength]
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(inner, inner)

	// The appended MAC is the first 8 bytes of the truncated session
	// chaining MAC.
	s.macChaining = keywire.CalculateCMAC(s.macKey, s.macChaining, keywire.CommandSessionMessage, s.sessionID, inner)
	copy(message[len(message)-macLength:], s.macChaining[:macLength])

	return block, iv[:]
}

// decryptResponse holds the session state needed to decrypt a response
// message from the token. Each instance is valid for a single
// invocation of [Session.sendCommand] and should not be reused.
type decryptResponse struct {
	rmacKey     SecretKey
	macChaining SecretKey
	block       cipher.Block
	iv          []byte
	sessionID   byte
}

// decryptSessionResponse decrypts a response message from the token
// and returns the inner message. The message is decrypted in-place, so
// the returned plaintext message aliases the incoming message buffer.
func (d *decryptResponse) decryptSessionResponse(message []byte) ([]byte, error) {
	if len(message) < sessionHeaderLength+keywire.HeaderLength+macLength {
		// Four bytes in outer session message, three bytes inner,
		// eight bytes of MAC.
		return nil, ErrInvalidMessage
	} else if len(message)%aes.BlockSize != sessionHeaderLength+macLength {
		// Padding of the inner message is incorrect.
		return nil, ErrInvalidMessage
	}

	msgCmdID, msgLen := keywire.ParseHeader(message)
	switch {
	case msgCmdID != keywire.ResponseSessionMessage:
		return nil, ErrInvalidMessage

	case msgLen != len(message)-keywire.HeaderLength:
		return nil, ErrInvalidMessage

	case message[keywire.HeaderLength] != d.sessionID:
		return nil, keywire.Errorf("session %d received response for session %d", d.sessionID, message[3])
	}

	// Verify the response MAC by comparing it to the expected value.
	inner := message[sessionHeaderLength : len(message)-macLength]
	validMAC := keywire.CalculateCMAC(d.rmacKey, d.macChaining, keywire.ResponseSessionMessage, d.sessionID, inner)
	recvedMAC := message[len(message)-macLength:]
	if !keywire.ConstantTimeEqual(validMAC[:macLength], recvedMAC) {
		return nil, ErrIncorrectMAC
	}

	// Decrypt the inner response message.
	cipher.NewCBCDecrypter(d.block, d.iv).CryptBlocks(inner, inner)
	return inner, nil
}

func versionString(v [3]uint8) string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}
