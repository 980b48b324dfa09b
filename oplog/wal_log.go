package oplog

import (
	"errors"

	"github.com/Hain2000/pairkv/wal"
)

// walLog 直接使用 wal 的序号，wal 自己在打开时建立索引
type walLog struct {
	wal *wal.WAL
}

func openWALLog(dirPath string, sync bool) (*walLog, error) {
	opts := wal.DefaultOptions
	opts.DirPath = dirPath
	opts.Sync = sync
	w, err := wal.Open(opts)
	if err != nil {
		return nil, err
	}
	return &walLog{wal: w}, nil
}

func (l *walLog) Append(data []byte) (uint64, error) {
	seq, err := l.wal.Append(data)
	return seq, walError(err)
}

func (l *walLog) Get(seq uint64) ([]byte, error) {
	data, err := l.wal.Get(seq)
	return data, walError(err)
}

func (l *walLog) Len() uint64 {
	return l.wal.Len()
}

func (l *walLog) Close() error {
	return l.wal.Close()
}

func walError(err error) error {
	switch {
	case errors.Is(err, wal.ErrClosed):
		return ErrLogClosed
	case errors.Is(err, wal.ErrSeqNotFound):
		return ErrEntryNotFound
	}
	return err
}
