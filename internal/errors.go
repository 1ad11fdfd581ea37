package keywire

import (
	"fmt"
)

const (
	errInvalidLength = LogicError("invalid response length")
	errTrailingBytes = LogicError("trailing bytes in response")
)

// LogicError is the error type for a protocol error arising from an
// invalid message from a security token.
type LogicError string

// Error implements [error.Error].
func (e LogicError) Error() string {
	return string(e)
}

func Errorf(msg string, v ...any) LogicError {
	return LogicError(fmt.Sprintf(msg, v...))
}
