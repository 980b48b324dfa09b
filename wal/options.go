package wal

import (
	"os"
	"time"
)

type Options struct {
	DirPath              string
	SegmentSize          int64  // 单个段文件的最大字节数
	SegmentFileExtension string // 必须以 '.' 开头
	Sync                 bool   // 每次写都fsync
	BytesPerSync         uint32 // 调用fsync之前要写入的字节数
	SyncInterval         time.Duration
}

const (
	B  = 1
	KB = 1024 * B
	MB = 1024 * KB
	GB = 1024 * MB
)

var DefaultOptions = Options{
	DirPath:              os.TempDir(),
	SegmentSize:          64 * MB,
	SegmentFileExtension: ".SEG",
	Sync:                 false,
	BytesPerSync:         0,
	SyncInterval:         0,
}
