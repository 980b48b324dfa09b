package pairing

import (
	"context"
	"sync/atomic"

	"github.com/Hain2000/pairkv/swarm"
	"github.com/Hain2000/pairkv/utils"
	"go.uber.org/zap"
)

type MemberState int32

const (
	MemberAwaitingProof MemberState = iota
	MemberValidating
	MemberAdmitted
	MemberRejected
)

func (s MemberState) String() string {
	switch s {
	case MemberAwaitingProof:
		return "awaiting-proof"
	case MemberValidating:
		return "validating"
	case MemberAdmitted:
		return "admitted"
	case MemberRejected:
		return "rejected"
	}
	return "unknown"
}

// Host 成员所在的日志
type Host interface {
	Invite(ctx context.Context) (*Invite, bool, error)
	AddWriter(ctx context.Context, key []byte) error
	Key() []byte
	EncryptionKey() []byte
}

// Member 响应候选者的配对请求，每个入站会话调用一次 Handle
type Member struct {
	host   Host
	logger *zap.Logger

	admitted atomic.Uint64
	rejected atomic.Uint64
}

func NewMember(host Host, logger *zap.Logger) *Member {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Member{host: host, logger: logger}
}

// Admitted 已接纳的候选者数量
func (m *Member) Admitted() uint64 {
	return m.admitted.Load()
}

// Rejected 被拒绝的会话数量
func (m *Member) Rejected() uint64 {
	return m.rejected.Load()
}

// Handle 处理一个候选者会话，返回最终状态，返回前关闭连接
// first 为已经读到的第一帧，为 nil 时从连接读取
// 被拒绝的会话不发送任何回复
func (m *Member) Handle(ctx context.Context, conn swarm.Conn, first *swarm.Frame) MemberState {
	defer conn.Close()
	logger := m.logger.With(zap.String("session", utils.NextID().String()), zap.String("remote", conn.RemoteID()))

	reject := func(reason string, fields ...zap.Field) MemberState {
		m.rejected.Add(1)
		logger.Warn("pairing rejected: "+reason, fields...)
		return MemberRejected
	}

	f := first
	if f == nil {
		var err error
		if f, err = swarm.ReadFrame(conn); err != nil {
			return reject("no proof", zap.Error(err))
		}
	}
	var req PairRequest
	if err := f.Expect(swarm.FramePairRequest, &req); err != nil {
		return reject("bad request", zap.Error(err))
	}
	if err := req.validate(); err != nil {
		return reject("bad request", zap.Error(err))
	}

	logger.Debug("member state", zap.Stringer("state", MemberValidating))
	inv, ok, err := m.host.Invite(ctx)
	if err != nil {
		return reject("invite lookup failed", zap.Error(err))
	}
	if !ok {
		return reject("no invite")
	}
	if inv.ID != utils.Z32.EncodeToString(req.InviteID) {
		return reject("unknown invite")
	}
	pub, err := utils.Z32.DecodeString(inv.PublicKey)
	if err != nil {
		return reject("stored invite is corrupted", zap.Error(err))
	}
	if !req.verify(pub) {
		return reject("bad signature")
	}

	if err := m.host.AddWriter(ctx, req.UserData); err != nil {
		return reject("add writer failed", zap.Error(err))
	}
	confirm, err := sealConfirmation(&req, &Confirmation{Key: m.host.Key(), EncryptionKey: m.host.EncryptionKey()})
	if err != nil {
		return reject("seal confirmation", zap.Error(err))
	}
	m.admitted.Add(1)
	if err := swarm.WriteFrame(conn, swarm.FramePairConfirm, confirm); err != nil {
		// 写者已经加入，候选者可以用同一个邀请码重试
		logger.Warn("send confirmation failed", zap.Error(err))
	}
	logger.Info("candidate admitted", zap.String("writer", utils.Z32.EncodeToString(req.UserData)))
	return MemberAdmitted
}
