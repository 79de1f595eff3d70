package protocol

import "errors"

// errors for building responses
var (
	ErrResponseTooLarge = errors.New("response does not fit the write buffer")
	errUnexpectedCode   = errors.New("no response for result code")
)
