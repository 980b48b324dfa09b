package pairkv

import (
	"time"

	"github.com/Hain2000/pairkv/index"
	"github.com/Hain2000/pairkv/oplog"
	"github.com/Hain2000/pairkv/swarm"
	"go.uber.org/zap"
)

type Options struct {
	// DirPath 数据目录，为空时只保存在内存中
	DirPath string

	// Swarm 为空时不复制、不响应配对
	Swarm swarm.Swarm

	// IndexType 物化视图的后端
	IndexType index.IdxType

	// LogType 写者日志的后端
	LogType oplog.Type

	// SyncWrite 每次追加是否持久化
	SyncWrite bool

	// InviteTTL 邀请的有效期，为 0 时不过期
	InviteTTL time.Duration

	Logger *zap.Logger
}

var DefaultOptions = Options{
	IndexType: index.BTREE,
	LogType:   oplog.TypeWAL,
	SyncWrite: false,
	InviteTTL: 0,
}

func checkOptions(options *Options) error {
	if options.IndexType == 0 {
		options.IndexType = DefaultOptions.IndexType
	}
	if options.LogType == 0 {
		options.LogType = DefaultOptions.LogType
	}
	if options.InviteTTL < 0 {
		return ErrInvalidOptions
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	return nil
}
