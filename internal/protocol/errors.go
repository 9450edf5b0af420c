package protocol

import "errors"

var (
	ErrMalformed       = errors.New("protocol: malformed frame")
	ErrMissingField    = errors.New("protocol: missing required field")
	ErrUnknownOutbound = errors.New("protocol: unknown outbound event")
)
