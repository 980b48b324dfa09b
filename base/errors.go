package base

import "errors"

var (
	ErrNotWritable     = errors.New("local writer is not an active writer")
	ErrDatabaseIsUsing = errors.New("the base directory is used by another process")
	ErrClosed          = errors.New("base is closed")
	ErrKeyMismatch     = errors.New("log key does not match the stored key")
	ErrInvalidKey      = errors.New("key must be 32 bytes")
	ErrSeqMismatch     = errors.New("writer log sequence out of step")
)
