// Package oplog 单个写者的只追加操作日志
//
// 三种后端实现同一个约定: 段文件 wal、raft-boltdb 和 raft 的内存存储。
// 序号从 1 开始并且连续。
package oplog

import (
	"errors"
	"fmt"
)

var (
	ErrEntryNotFound = errors.New("log entry not found")
	ErrLogClosed     = errors.New("log is closed")
)

type Type = int8

const (
	// TypeWAL 基于段文件的wal
	TypeWAL Type = iota + 1
	// TypeBolt 基于 raft-boltdb
	TypeBolt
	// TypeMemory 基于 raft.InmemStore，重启后丢失
	TypeMemory
)

// Log 单个写者的只追加日志
type Log interface {
	Append(data []byte) (uint64, error)
	Get(seq uint64) ([]byte, error)
	Len() uint64
	Close() error
}

// Open 按类型打开日志，path 对 TypeWAL 是目录，对 TypeBolt 是文件
func Open(ty Type, path string, sync bool) (Log, error) {
	switch ty {
	case TypeWAL:
		return openWALLog(path, sync)
	case TypeBolt:
		return openBoltLog(path, sync)
	case TypeMemory:
		return newMemoryLog(), nil
	default:
		return nil, fmt.Errorf("unsupported log type %d", ty)
	}
}

// ParseType 解析命令行中的类型名
func ParseType(name string) (Type, error) {
	switch name {
	case "wal", "":
		return TypeWAL, nil
	case "bolt":
		return TypeBolt, nil
	case "memory":
		return TypeMemory, nil
	}
	return 0, fmt.Errorf("unknown log backend %q", name)
}
