package pairkv

import (
	"errors"

	"github.com/Hain2000/pairkv/base"
	"github.com/Hain2000/pairkv/pairing"
)

var (
	ErrKeyIsEmpty       = errors.New("the key is empty")
	ErrInvalidWriterKey = errors.New("writer key must be 32 bytes")
	ErrInvalidOptions   = errors.New("invalid options")
	ErrSwarmRequired    = errors.New("pairing requires a swarm")
	ErrNotWritable      = base.ErrNotWritable
	ErrClosed           = base.ErrClosed
	ErrDatabaseIsUsing  = base.ErrDatabaseIsUsing
	ErrPairingClosed    = pairing.ErrPairingClosed
	ErrInviteInvalid    = pairing.ErrInviteInvalid
	ErrConnectionLost   = pairing.ErrConnectionLost
)
