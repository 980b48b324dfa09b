package base

import (
	"github.com/Hain2000/pairkv/index"
	"github.com/Hain2000/pairkv/oplog"
	"go.uber.org/zap"
)

type Options struct {
	// DirPath 数据目录，为空时日志和视图都只在内存中
	DirPath string

	// Key 要加入的已有日志的 key，为空时创建新日志并以本地写者作为初始写者
	Key []byte

	// EncryptionKey 和 Key 一起提供
	EncryptionKey []byte

	// Seed 本地写者密钥的种子，为空时从目录中加载或者新建
	Seed []byte

	LogType   oplog.Type
	IndexType index.IdxType

	// Sync 每次追加是否持久化
	Sync bool

	// MaxEntriesPerFrame 复制时每帧最多携带的日志数
	MaxEntriesPerFrame int

	Logger *zap.Logger
}

var DefaultOptions = Options{
	LogType:            oplog.TypeWAL,
	IndexType:          index.BTREE,
	Sync:               false,
	MaxEntriesPerFrame: 256,
}

func checkOptions(options *Options) error {
	if len(options.Key) != 0 && len(options.Key) != KeySize {
		return ErrInvalidKey
	}
	if len(options.EncryptionKey) != 0 && len(options.EncryptionKey) != KeySize {
		return ErrInvalidKey
	}
	if len(options.Key) != 0 && len(options.EncryptionKey) == 0 {
		return ErrInvalidKey
	}
	if len(options.Seed) != 0 && len(options.Seed) != KeySize {
		return ErrInvalidKey
	}
	if options.LogType == 0 {
		options.LogType = DefaultOptions.LogType
	}
	if options.DirPath == "" {
		options.LogType = oplog.TypeMemory
	}
	if options.IndexType == 0 {
		options.IndexType = DefaultOptions.IndexType
	}
	if options.MaxEntriesPerFrame <= 0 {
		options.MaxEntriesPerFrame = DefaultOptions.MaxEntriesPerFrame
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	return nil
}
