package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hain2000/pairkv/swarm"
	"github.com/Hain2000/pairkv/utils"
	"go.uber.org/zap"
)

type CandidateState int32

const (
	CandidateIdle CandidateState = iota
	CandidateConnecting
	CandidateAwaitingConfirmation
	CandidatePaired
	CandidateFailed
)

func (s CandidateState) String() string {
	switch s {
	case CandidateIdle:
		return "idle"
	case CandidateConnecting:
		return "connecting"
	case CandidateAwaitingConfirmation:
		return "awaiting-confirmation"
	case CandidatePaired:
		return "paired"
	case CandidateFailed:
		return "failed"
	}
	return "unknown"
}

type CandidateOptions struct {
	// UserData 候选者的写者公钥
	UserData []byte

	// DialInterval 找不到对端时重试的间隔
	DialInterval time.Duration

	Logger *zap.Logger
}

var DefaultCandidateOptions = CandidateOptions{
	DialInterval: 200 * time.Millisecond,
}

// Candidate 持有邀请码、请求加入日志的一方
// 请求发出后不会重试，失败后调用者可以用同一个邀请码重新开始
type Candidate struct {
	swarm   swarm.Swarm
	code    *Code
	options CandidateOptions
	logger  *zap.Logger
	state   atomic.Int32

	mu     sync.Mutex
	conn   swarm.Conn
	closed chan struct{}
	once   sync.Once
}

// NewCandidate 邀请码无法解析时返回 ErrInviteInvalid
func NewCandidate(sw swarm.Swarm, invite string, options CandidateOptions) (*Candidate, error) {
	code, err := ParseCode(invite)
	if err != nil {
		return nil, err
	}
	if len(options.UserData) != writerKeySize {
		return nil, fmt.Errorf("user data must be a %d byte writer key", writerKeySize)
	}
	if options.DialInterval <= 0 {
		options.DialInterval = DefaultCandidateOptions.DialInterval
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	return &Candidate{
		swarm:   sw,
		code:    code,
		options: options,
		logger:  options.Logger.With(zap.String("session", utils.NextID().String())),
		closed:  make(chan struct{}),
	}, nil
}

// Code 解析后的邀请码
func (c *Candidate) Code() *Code {
	return c.code
}

func (c *Candidate) State() CandidateState {
	return CandidateState(c.state.Load())
}

func (c *Candidate) setState(s CandidateState) {
	c.state.Store(int32(s))
	c.logger.Debug("candidate state", zap.Stringer("state", s))
}

// Close 结束会话，未完成的 Run 返回 ErrPairingClosed
func (c *Candidate) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}

// Run 连接成员，发送证明，等待确认
func (c *Candidate) Run(ctx context.Context) (*Confirmation, error) {
	if !c.state.CompareAndSwap(int32(CandidateIdle), int32(CandidateConnecting)) {
		return nil, fmt.Errorf("%w: candidate already started", ErrPairingClosed)
	}
	conf, err := c.run(ctx)
	if err != nil {
		c.setState(CandidateFailed)
		c.logger.Info("pairing failed", zap.Error(err))
		return nil, err
	}
	c.setState(CandidatePaired)
	c.logger.Info("paired")
	return conf, nil
}

func (c *Candidate) run(ctx context.Context) (*Confirmation, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	eph, err := newEphemeral()
	if err != nil {
		return nil, err
	}
	defer eph.wipe()

	req := &PairRequest{
		InviteID:  c.code.ID(),
		UserData:  c.options.UserData,
		Ephemeral: eph.pub,
	}
	req.sign(c.code.privateKey())
	if err := swarm.WriteFrame(conn, swarm.FramePairRequest, req); err != nil {
		return nil, c.closedError(ctx, err)
	}
	c.setState(CandidateAwaitingConfirmation)

	f, err := swarm.ReadFrame(conn)
	if err != nil {
		return nil, c.closedError(ctx, err)
	}
	var msg PairConfirm
	if err := f.Expect(swarm.FramePairConfirm, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPairingClosed, err)
	}
	conf, err := openConfirmation(eph, req, &msg)
	if err != nil {
		return nil, fmt.Errorf("%w: open confirmation: %v", ErrPairingClosed, err)
	}
	return conf, nil
}

// dial 一直重试直到连上对端、ctx 结束或者会话关闭
func (c *Candidate) dial(ctx context.Context) (swarm.Conn, error) {
	for {
		conn, err := c.swarm.Dial(ctx, c.code.DiscoveryKey)
		if err == nil {
			c.mu.Lock()
			select {
			case <-c.closed:
				c.mu.Unlock()
				_ = conn.Close()
				return nil, ErrPairingClosed
			default:
			}
			c.conn = conn
			c.mu.Unlock()
			c.logger.Debug("connected to member", zap.String("remote", conn.RemoteID()))
			return conn, nil
		}
		c.logger.Debug("dial failed, retry", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrPairingClosed, ctx.Err())
		case <-c.closed:
			return nil, ErrPairingClosed
		case <-time.After(c.options.DialInterval):
		}
	}
}

// closedError 正常关闭返回 ErrPairingClosed，传输故障额外匹配 ErrConnectionLost
func (c *Candidate) closedError(ctx context.Context, err error) error {
	select {
	case <-c.closed:
		return ErrPairingClosed
	default:
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrPairingClosed, ctx.Err())
	}
	if errors.Is(err, swarm.ErrClosed) {
		return ErrPairingClosed
	}
	return fmt.Errorf("%w: %w: %v", ErrPairingClosed, ErrConnectionLost, err)
}
