package consts

import "errors"

var (
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrSerializationFailed = errors.New("serialization failed")
	ErrInvalidAddress      = errors.New("invalid address")
)
