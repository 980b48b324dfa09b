package swarm

import (
	"context"
	"fmt"
	"sync"

	"github.com/Hain2000/pairkv/utils"
	"golang.org/x/exp/slices"
)

const pipeBufferSize = 64

// Hub 进程内的 swarm，所有 Memory 端点通过它互相发现
type Hub struct {
	mu     sync.Mutex
	topics map[string][]*member
}

type member struct {
	node    *Memory
	handler Handler
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string][]*member)}
}

// Node 在 hub 上创建一个新端点
func (h *Hub) Node() *Memory {
	return &Memory{
		hub:   h,
		id:    fmt.Sprintf("mem-%s", utils.NextID()),
		conns: make(map[*memConn]struct{}),
	}
}

func (h *Hub) join(node *Memory, name string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.topics[name]
	for _, m := range members {
		if m.node == node {
			m.handler = handler
			return
		}
	}
	h.topics[name] = append(members, &member{node: node, handler: handler})
}

func (h *Hub) leave(node *Memory, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.topics[name]
	members = slices.DeleteFunc(members, func(m *member) bool { return m.node == node })
	if len(members) == 0 {
		delete(h.topics, name)
		return
	}
	h.topics[name] = members
}

// peers 加入该 topic 的其他端点，按加入顺序
func (h *Hub) peers(node *Memory, name string) []member {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []member
	for _, m := range h.topics[name] {
		if m.node != node {
			out = append(out, *m)
		}
	}
	return out
}

// Memory hub 上的一个端点
type Memory struct {
	hub *Hub
	id  string

	mu     sync.Mutex
	topics []string
	conns  map[*memConn]struct{}
	closed bool
}

var _ Swarm = (*Memory)(nil)

func (m *Memory) ID() string {
	return m.id
}

func (m *Memory) Join(topic []byte, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSwarmDown
	}
	name := topicName(topic)
	if !slices.Contains(m.topics, name) {
		m.topics = append(m.topics, name)
	}
	m.hub.join(m, name, handler)
	return nil
}

func (m *Memory) Leave(topic []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := topicName(topic)
	m.topics = slices.DeleteFunc(m.topics, func(t string) bool { return t == name })
	m.hub.leave(m, name)
}

func (m *Memory) Dial(ctx context.Context, topic []byte) (Conn, error) {
	peers := m.hub.peers(m, topicName(topic))
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	return m.connect(ctx, peers[0])
}

func (m *Memory) DialAll(ctx context.Context, topic []byte) ([]Conn, error) {
	peers := m.hub.peers(m, topicName(topic))
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	conns := make([]Conn, 0, len(peers))
	for _, p := range peers {
		c, err := m.connect(ctx, p)
		if err != nil {
			continue
		}
		conns = append(conns, c)
	}
	if len(conns) == 0 {
		return nil, ErrNoPeers
	}
	return conns, nil
}

func (m *Memory) connect(ctx context.Context, peer member) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local, remote := newPipe(m.id, peer.node.id)
	if !m.track(local) {
		return nil, ErrSwarmDown
	}
	if !peer.node.track(remote) {
		m.untrack(local)
		return nil, ErrNoPeers
	}
	go func() {
		defer remote.Close()
		peer.handler(remote)
	}()
	return local, nil
}

func (m *Memory) track(c *memConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.conns[c] = struct{}{}
	c.owner = m
	return true
}

func (m *Memory) untrack(c *memConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, c)
}

// Close 离开所有 topic 并关闭所有连接
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, name := range m.topics {
		m.hub.leave(m, name)
	}
	m.topics = nil
	conns := make([]*memConn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[*memConn]struct{})
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

type pipeState struct {
	once sync.Once
	done chan struct{}
	err  error
}

// memConn 管道的一端，两端共享关闭状态
type memConn struct {
	in     chan []byte
	out    chan []byte
	state  *pipeState
	remote string
	owner  *Memory
}

func newPipe(a, b string) (*memConn, *memConn) {
	ab := make(chan []byte, pipeBufferSize)
	ba := make(chan []byte, pipeBufferSize)
	st := &pipeState{done: make(chan struct{})}
	return &memConn{in: ba, out: ab, state: st, remote: b},
		&memConn{in: ab, out: ba, state: st, remote: a}
}

func (c *memConn) Send(msg []byte) error {
	select {
	case <-c.state.done:
		return c.state.err
	default:
	}
	buf := make([]byte, len(msg))
	copy(buf, msg)
	select {
	case c.out <- buf:
		return nil
	case <-c.state.done:
		return c.state.err
	}
}

// Recv 关闭后先把已经到达的消息读完
func (c *memConn) Recv() ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.state.done:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, c.state.err
		}
	}
}

func (c *memConn) Close() error {
	c.Abort(ErrClosed)
	return nil
}

// Abort 以 err 关闭连接，两端之后的 Send/Recv 都返回 err，用来模拟传输故障
func (c *memConn) Abort(err error) {
	c.state.once.Do(func() {
		c.state.err = err
		close(c.state.done)
	})
	if c.owner != nil {
		c.owner.untrack(c)
	}
}

func (c *memConn) Done() <-chan struct{} {
	return c.state.done
}

func (c *memConn) RemoteID() string {
	return c.remote
}

// Abort 以 err 中断一条内存连接，其他类型的连接直接关闭
func Abort(conn Conn, err error) {
	if c, ok := conn.(*memConn); ok {
		c.Abort(err)
		return
	}
	_ = conn.Close()
}
