// Package swarm 发现与传输层: 按 topic 加入、拨号，得到双向的消息通道
package swarm

import (
	"context"
	"encoding/hex"
	"errors"
)

var (
	ErrClosed    = errors.New("swarm: connection closed")
	ErrNoPeers   = errors.New("swarm: no peers for topic")
	ErrSwarmDown = errors.New("swarm: swarm is closed")
)

// Conn 一条双向的、保持消息边界的连接
type Conn interface {
	Send(msg []byte) error
	// Recv 对端正常关闭后返回 ErrClosed
	Recv() ([]byte, error)
	Close() error
	Done() <-chan struct{}
	RemoteID() string
}

// Handler 每条入站连接在自己的 goroutine 中调用一次，返回后连接被关闭
type Handler func(conn Conn)

type Swarm interface {
	Join(topic []byte, handler Handler) error
	Leave(topic []byte)
	// Dial 连接该 topic 上的任意一个对端
	Dial(ctx context.Context, topic []byte) (Conn, error)
	// DialAll 连接该 topic 上所有可达的对端
	DialAll(ctx context.Context, topic []byte) ([]Conn, error)
	Close() error
}

func topicName(topic []byte) string {
	return hex.EncodeToString(topic)
}
