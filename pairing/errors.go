package pairing

import (
	"errors"

	"github.com/Hain2000/pairkv/base"
)

var (
	// ErrPairingClosed 会话在收到确认之前结束
	ErrPairingClosed = errors.New("pairing closed")
	// ErrConnectionLost 传输层故障导致会话结束，同时匹配 ErrPairingClosed
	ErrConnectionLost = errors.New("pairing connection lost")
	ErrInviteInvalid  = errors.New("invalid invite")
	ErrNotWritable    = base.ErrNotWritable
)
