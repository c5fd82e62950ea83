package protocol

import "errors"

var (
	ErrBadFrame         = errors.New("bad frame")
	ErrUnknownEvent     = errors.New("unknown event")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrBadArguments     = errors.New("bad arguments")
)
