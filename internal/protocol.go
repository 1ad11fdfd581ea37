// Package keywire implements the core datatypes and serialization of
// the security-token command protocol.
package keywire

import (
	"errors"
	"fmt"
)

//go:generate go run golang.org/x/tools/cmd/stringer -linecomment -output=protocol_string.go -type=AlgorithmID,CommandID,ErrorCode

// HeaderLength is the size of the command ID and length prefix carried
// by every message.
const HeaderLength = 3

// LabelLength is the maximum length in bytes of a credential label.
const LabelLength = 64

// SlotID identifies a long-term authentication key slot on the token.
type SlotID uint16

// AlgorithmID is the session-key agreement algorithm of a credential.
type AlgorithmID uint8

const (
	_               AlgorithmID = iota
	AlgorithmAES128             // aes128
	AlgorithmECP256             // ecp256
)

// Device feature bits reported in the device-info response. Firmware
// which predates a feature leaves its bit clear.
const (
	FeatureRenameCredential uint32 = 1 << iota
	FeatureECP256
)

// CommandID is the identifier value for a (request, response) message
// pair.
type CommandID uint8

const (
	// CommandResponse is the high-order bit which is OR'ed to the
	// command ID in all response messages.
	CommandResponse CommandID = 0x80

	CommandEcho                CommandID = 0x01
	CommandCreateSession       CommandID = 0x03
	CommandAuthenticateSession CommandID = 0x04
	CommandSessionMessage      CommandID = 0x05
	CommandGetDeviceInfo       CommandID = 0x06
	CommandResetDevice         CommandID = 0x08

	CommandCloseSession        CommandID = 0x40
	CommandPutCredential       CommandID = 0x41
	CommandDeleteCredential    CommandID = 0x42
	CommandListCredentials     CommandID = 0x43
	CommandRenameCredential    CommandID = 0x44
	CommandVerifyCredential    CommandID = 0x45
	CommandGetRetries          CommandID = 0x46
	CommandResetRetries        CommandID = 0x47
	CommandChangeManagementKey CommandID = 0x48

	ResponseEcho                = CommandEcho | CommandResponse
	ResponseCreateSession       = CommandCreateSession | CommandResponse
	ResponseAuthenticateSession = CommandAuthenticateSession | CommandResponse
	ResponseSessionMessage      = CommandSessionMessage | CommandResponse
	ResponseGetDeviceInfo       = CommandGetDeviceInfo | CommandResponse

	commandError CommandID = 0x7f
)

// RetrySlot selects the counter queried by a get-retries command.
type RetrySlot uint8

const (
	RetrySlotManagementKey RetrySlot = iota
	RetrySlotCredential
)

// ErrorCode is an error code returned by the token.
type ErrorCode uint8

const (
	errSuccess                  ErrorCode = iota // success
	ErrCodeUnknownCommand                        // unknown command
	ErrCodeMalformedCommand                      // malformed data for the command
	ErrCodeSessionExpired                        // the session has expired or does not exist
	ErrCodeAuthRequired                          // command requires an authenticated session
	ErrCodeNoMoreSessions                        // no more available sessions
	ErrCodeStorageFull                           // credential storage full
	ErrCodeWrongLength                           // wrong data length for the command
	ErrCodeWrongManagementKey                    // wrong management key
	ErrCodeManagementKeyLocked                   // management key retries exhausted
	ErrCodeWrongCredentialKey                    // wrong credential secret
	ErrCodeCredentialLocked                      // credential retries exhausted
	ErrCodeNoMatchingCredential                  // no credential found matching the given label
	ErrCodeDuplicateLabel                        // a credential with the given label already exists
	ErrCodeTouchTimeout                          // touch confirmation not received in time
	ErrCodeUnsupportedFeature                    // device firmware lacks the requested feature
)

// Error implements [error.Error].
func (e ErrorCode) Error() string {
	return e.String()
}

// HasRetryCount reports whether an error frame with this code carries
// a remaining-retries detail byte.
func (e ErrorCode) HasRetryCount() bool {
	return e == ErrCodeWrongManagementKey || e == ErrCodeWrongCredentialKey
}

// DeviceError is an error frame received from the token. Retries is
// the remaining attempt count for wrong-secret codes and -1 otherwise.
type DeviceError struct {
	Code    ErrorCode
	Retries int
}

func (d *DeviceError) Error() string {
	if d.Retries >= 0 {
		return fmt.Sprintf("%s (%d retries remaining)", d.Code, d.Retries)
	}
	return d.Code.String()
}

func (d *DeviceError) Unwrap() error {
	return d.Code
}

// ErrorResponse serializes the error frame for a device error; the
// inverse of [parseError].
func (d *DeviceError) ErrorResponse(out []byte) []byte {
	if d.Code.HasRetryCount() && d.Retries >= 0 {
		out = append(out, byte(commandError), 0, 2, byte(d.Code))
		return Append8(out, d.Retries)
	}
	return append(out, byte(commandError), 0, 1, byte(d.Code))
}

func parseError(buf []byte) error {
	d := DeviceError{Retries: -1}
	if len(buf) > HeaderLength {
		d.Code = ErrorCode(buf[HeaderLength])
	}
	if d.Code.HasRetryCount() && len(buf) > HeaderLength+1 {
		d.Retries = int(buf[HeaderLength+1])
	}
	return &d
}

// Command is a serializable message sent to the token.
type Command interface {
	ID() CommandID
	Serialize([]byte) []byte
}

// Response is a deserializable message received from the token.
type Response interface {
	Parse([]byte) error
}

func ParseResponse(cmdID CommandID, rsp Response, buf []byte) error {
	if len(buf) < HeaderLength {
		return errors.New("response message too short")
	}

	rspCmdID, rspLen := ParseHeader(buf)
	if len(buf)-HeaderLength < rspLen {
		return errors.New("invalid response message length")
	} else if rspCmdID == commandError {
		return parseError(buf)
	} else if rspCmdID != CommandResponse|cmdID {
		return fmt.Errorf("received a response for a different command: %#02x", int(rspCmdID))
	}

	return rsp.Parse(buf[HeaderLength : HeaderLength+rspLen])
}

// ValidLabel checks the length restrictions on a credential label.
func ValidLabel(label string) error {
	if label == "" {
		return Errorf("credential label is empty")
	}
	if len(label) > LabelLength {
		return Errorf("credential label %q exceeds %d bytes", label, LabelLength)
	}
	return nil
}
