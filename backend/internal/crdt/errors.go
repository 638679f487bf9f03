package crdt

import "errors"

var (
	ErrInvalidContainerID = errors.New("INVALID_CONTAINER_ID")
	ErrInvalidContainer   = errors.New("INVALID_CONTAINER")
	ErrInvalidDelta       = errors.New("INVALID_DELTA")
	ErrIndexOutOfBound    = errors.New("INDEX_OUT_OF_BOUND")
	ErrInvalidUpdate      = errors.New("INVALID_UPDATE")
)
