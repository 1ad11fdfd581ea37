package keywire

func makeCmd(out []byte, c Command, l int) []byte {
	return append(out, byte(c.ID()), byte(l>>8), byte(l))
}

type EmptyResponse struct{}

func (EmptyResponse) Parse(b []byte) error {
	if len(b) != 0 {
		return errInvalidLength
	}
	return nil
}

// Echo command and response type to/from the token.
type Echo []byte //nolint:recvcheck

func (Echo) ID() CommandID {
	return CommandEcho
}

func (e Echo) Serialize(out []byte) []byte {
	out = makeCmd(out, e, len(e))
	return Append(out, e)
}

func (e *Echo) Parse(b []byte) error {
	*e = b
	return nil
}

type CreateSessionCommand struct {
	KeySlot       SlotID
	HostChallenge Challenge
}

func (*CreateSessionCommand) ID() CommandID {
	return CommandCreateSession
}

func (c *CreateSessionCommand) Serialize(out []byte) []byte {
	out = makeCmd(out, c, 10)
	return Append(Append16(out, c.KeySlot), c.HostChallenge[:])
}

func (c *CreateSessionCommand) ParseCommand(b []byte) error {
	if len(b) != 10 {
		return errInvalidLength
	}
	Parse16(b, 0, &c.KeySlot)
	copy(c.HostChallenge[:], b[2:10])
	return nil
}

type CreateSessionResponse struct {
	SessionID      byte
	CardChallenge  Challenge
	CardCryptogram Cryptogram
}

func (r *CreateSessionResponse) Parse(b []byte) error {
	if len(b) != 17 {
		return errInvalidLength
	}

	r.SessionID = b[0]
	copy(r.CardChallenge[:], b[1:9])
	copy(r.CardCryptogram[:], b[9:17])

	return nil
}

func (r *CreateSessionResponse) Serialize(out []byte) []byte {
	out = append(out, byte(ResponseCreateSession), 0, 17, r.SessionID)
	out = Append(out, r.CardChallenge[:])
	return Append(out, r.CardCryptogram[:])
}

type AuthenticateSessionCommand struct {
	SessionID      byte
	HostCryptogram Cryptogram
	CMAC           [MACLength]byte
}

func (c *AuthenticateSessionCommand) ID() CommandID {
	return CommandAuthenticateSession
}

func (c *AuthenticateSessionCommand) Serialize(out []byte) []byte {
	out = makeCmd(out, c, 17)
	out = Append8(out, c.SessionID)
	out = Append(out, c.HostCryptogram[:])
	return Append(out, c.CMAC[:])
}

func (c *AuthenticateSessionCommand) ParseCommand(b []byte) error {
	if len(b) != 17 {
		return errInvalidLength
	}
	c.SessionID = b[0]
	copy(c.HostCryptogram[:], b[1:9])
	copy(c.CMAC[:], b[9:17])
	return nil
}

type AuthenticateSessionResponse = EmptyResponse

type CloseSessionCommand struct{}

func (c CloseSessionCommand) ID() CommandID {
	return CommandCloseSession
}

func (c CloseSessionCommand) Serialize(out []byte) []byte {
	return makeCmd(out, c, 0)
}

type CloseSessionResponse = EmptyResponse

type DeviceInfoCommand struct{}

func (DeviceInfoCommand) ID() CommandID {
	return CommandGetDeviceInfo
}

func (d DeviceInfoCommand) Serialize(out []byte) []byte {
	return makeCmd(out, d, 0)
}

type DeviceInfoResponse struct {
	Version  [3]uint8
	Serial   uint32
	Features uint32
}

func (r *DeviceInfoResponse) Parse(b []byte) error {
	if len(b) != 11 {
		return errInvalidLength
	}

	copy(r.Version[:], b[:3])
	Parse32(b, 3, &r.Serial)
	Parse32(b, 7, &r.Features)
	return nil
}

func (r *DeviceInfoResponse) Serialize(out []byte) []byte {
	out = append(out, byte(ResponseGetDeviceInfo), 0, 11)
	out = Append(out, r.Version[:])
	out = Append32(out, r.Serial)
	return Append32(out, r.Features)
}

type ResetDeviceCommand struct{}

func (ResetDeviceCommand) ID() CommandID {
	return CommandResetDevice
}

func (r ResetDeviceCommand) Serialize(out []byte) []byte {
	return makeCmd(out, r, 0)
}

type ResetDeviceResponse = EmptyResponse

type PutCredentialCommand struct {
	Algorithm     AlgorithmID
	TouchRequired bool
	Key           Key
	Label         string
}

func (*PutCredentialCommand) ID() CommandID {
	return CommandPutCredential
}

func (c *PutCredentialCommand) Serialize(out []byte) []byte {
	out = makeCmd(out, c, 2+KeyLength+len(c.Label))
	out = Append8(out, c.Algorithm)
	out = appendBool(out, c.TouchRequired)
	out = Append(out, c.Key[:])
	return append(out, c.Label...)
}

func (c *PutCredentialCommand) ParseCommand(b []byte) error {
	if len(b) < 2+KeyLength {
		return errInvalidLength
	}
	c.Algorithm = AlgorithmID(b[0])
	c.TouchRequired = b[1] != 0
	copy(c.Key[:], b[2:2+KeyLength])
	c.Label = string(b[2+KeyLength:])
	return nil
}

type PutCredentialResponse = EmptyResponse

type DeleteCredentialCommand struct {
	Label string
}

func (*DeleteCredentialCommand) ID() CommandID {
	return CommandDeleteCredential
}

func (c *DeleteCredentialCommand) Serialize(out []byte) []byte {
	out = makeCmd(out, c, len(c.Label))
	return append(out, c.Label...)
}

type DeleteCredentialResponse = EmptyResponse

type ListCredentialsCommand struct{}

func (ListCredentialsCommand) ID() CommandID {
	return CommandListCredentials
}

func (l ListCredentialsCommand) Serialize(out []byte) []byte {
	return makeCmd(out, l, 0)
}

// CredentialEntry is the per-credential metadata in a list response.
// Secret material is never included.
type CredentialEntry struct {
	Algorithm     AlgorithmID
	TouchRequired bool
	Retries       uint8
	Label         string
}

type ListCredentialsResponse []CredentialEntry

func (l *ListCredentialsResponse) Parse(b []byte) error {
	*l = (*l)[:0]
	for len(b) > 0 {
		if len(b) < 4 {
			return errInvalidLength
		}
		var entry CredentialEntry
		Parse8(b, 0, &entry.Algorithm)
		entry.TouchRequired = b[1] != 0
		Parse8(b, 2, &entry.Retries)
		label, rest, err := ParseLabel(b[3:])
		if err != nil {
			return err
		}
		entry.Label = label
		*l = append(*l, entry)
		b = rest
	}
	return nil
}

func (l ListCredentialsResponse) Serialize(out []byte) []byte {
	start := len(out)
	out = append(out, byte(CommandListCredentials|CommandResponse), 0, 0)
	for _, entry := range l {
		out = Append8(out, entry.Algorithm)
		out = appendBool(out, entry.TouchRequired)
		out = Append8(out, entry.Retries)
		out = AppendLabel(out, entry.Label)
	}
	Put16(out[start+1:], len(out)-start-HeaderLength)
	return out
}

type RenameCredentialCommand struct {
	OldLabel string
	NewLabel string
}

func (*RenameCredentialCommand) ID() CommandID {
	return CommandRenameCredential
}

func (c *RenameCredentialCommand) Serialize(out []byte) []byte {
	out = makeCmd(out, c, 1+len(c.OldLabel)+len(c.NewLabel))
	out = AppendLabel(out, c.OldLabel)
	return append(out, c.NewLabel...)
}

func (c *RenameCredentialCommand) ParseCommand(b []byte) error {
	old, rest, err := ParseLabel(b)
	if err != nil {
		return err
	}
	c.OldLabel = old
	c.NewLabel = string(rest)
	return nil
}

type RenameCredentialResponse = EmptyResponse

type VerifyCredentialCommand struct {
	Key           Key
	HostChallenge Challenge
	Label         string
}

func (*VerifyCredentialCommand) ID() CommandID {
	return CommandVerifyCredential
}

func (c *VerifyCredentialCommand) Serialize(out []byte) []byte {
	out = makeCmd(out, c, KeyLength+8+len(c.Label))
	out = Append(out, c.Key[:])
	out = Append(out, c.HostChallenge[:])
	return append(out, c.Label...)
}

func (c *VerifyCredentialCommand) ParseCommand(b []byte) error {
	if len(b) < KeyLength+8 {
		return errInvalidLength
	}
	copy(c.Key[:], b[:KeyLength])
	copy(c.HostChallenge[:], b[KeyLength:KeyLength+8])
	c.Label = string(b[KeyLength+8:])
	return nil
}

// VerifyCredentialResponse carries the device challenge and, for the
// P-256 variant, the device public key and card cryptogram.
type VerifyCredentialResponse struct {
	DeviceChallenge Challenge
	P256            bool
	DevicePublic    [P256PublicLength]byte
	CardCryptogram  [P256CryptogramLength]byte
}

func (r *VerifyCredentialResponse) Parse(b []byte) error {
	switch len(b) {
	case 8:
		r.P256 = false
	case 8 + P256PublicLength + P256CryptogramLength:
		r.P256 = true
		copy(r.DevicePublic[:], b[8:8+P256PublicLength])
		copy(r.CardCryptogram[:], b[8+P256PublicLength:])
	default:
		return errInvalidLength
	}
	copy(r.DeviceChallenge[:], b[:8])
	return nil
}

func (r *VerifyCredentialResponse) Serialize(out []byte) []byte {
	l := 8
	if r.P256 {
		l += P256PublicLength + P256CryptogramLength
	}
	out = append(out, byte(CommandVerifyCredential|CommandResponse), byte(l>>8), byte(l))
	out = Append(out, r.DeviceChallenge[:])
	if r.P256 {
		out = Append(out, r.DevicePublic[:])
		out = Append(out, r.CardCryptogram[:])
	}
	return out
}

type GetRetriesCommand struct {
	Slot  RetrySlot
	Label string
}

func (*GetRetriesCommand) ID() CommandID {
	return CommandGetRetries
}

func (c *GetRetriesCommand) Serialize(out []byte) []byte {
	out = makeCmd(out, c, 1+len(c.Label))
	out = Append8(out, uint8(c.Slot))
	return append(out, c.Label...)
}

func (c *GetRetriesCommand) ParseCommand(b []byte) error {
	if len(b) < 1 {
		return errInvalidLength
	}
	c.Slot = RetrySlot(b[0])
	c.Label = string(b[1:])
	return nil
}

type GetRetriesResponse struct {
	Retries uint8
}

func (r *GetRetriesResponse) Parse(b []byte) error {
	if len(b) < 1 {
		return errInvalidLength
	}
	Parse8(b, 0, &r.Retries)
	if len(b) > 1 {
		return errTrailingBytes
	}
	return nil
}

func (r *GetRetriesResponse) Serialize(out []byte) []byte {
	return append(out, byte(CommandGetRetries|CommandResponse), 0, 1, r.Retries)
}

type ResetRetriesCommand struct {
	Label string
}

func (*ResetRetriesCommand) ID() CommandID {
	return CommandResetRetries
}

func (c *ResetRetriesCommand) Serialize(out []byte) []byte {
	out = makeCmd(out, c, len(c.Label))
	return append(out, c.Label...)
}

type ResetRetriesResponse = EmptyResponse

type ChangeManagementKeyCommand struct {
	NewKey Key
}

func (*ChangeManagementKeyCommand) ID() CommandID {
	return CommandChangeManagementKey
}

func (c *ChangeManagementKeyCommand) Serialize(out []byte) []byte {
	out = makeCmd(out, c, KeyLength)
	return Append(out, c.NewKey[:])
}

func (c *ChangeManagementKeyCommand) ParseCommand(b []byte) error {
	if len(b) != KeyLength {
		return errInvalidLength
	}
	copy(c.NewKey[:], b)
	return nil
}

type ChangeManagementKeyResponse = EmptyResponse

// EmptyResponseFrame serializes a bare success frame for the command.
func EmptyResponseFrame(out []byte, cmd CommandID) []byte {
	return append(out, byte(cmd|CommandResponse), 0, 0)
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}
