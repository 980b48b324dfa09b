package base

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/Hain2000/pairkv/cluster"
	"github.com/Hain2000/pairkv/data"
	"github.com/Hain2000/pairkv/swarm"
	"github.com/Hain2000/pairkv/utils"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

// Hello 复制会话的第一帧
type Hello struct {
	Key   []byte            `msgpack:"key"`
	Heads map[string]uint64 `msgpack:"heads"`
}

// EntriesBody 一批编码后的日志条目
type EntriesBody struct {
	Entries [][]byte `msgpack:"entries"`
}

// session 和一个对端的复制会话
type session struct {
	id     snowflake.ID
	conn   swarm.Conn
	notify chan struct{}

	mu    sync.Mutex
	heads map[string]uint64 // 对端已经拥有的条目
}

func (s *session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *session) snapshot() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	heads := make(map[string]uint64, len(s.heads))
	for id, h := range s.heads {
		heads[id] = h
	}
	return heads
}

// advance 对端拥有了这些条目
func (s *session) advance(raws [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range raws {
		writer, seq, ok := peekEntry(raw)
		if ok && seq > s.heads[writer] {
			s.heads[writer] = seq
		}
	}
}

func (s *session) merge(heads map[string]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range heads {
		if h > s.heads[id] {
			s.heads[id] = h
		}
	}
}

func peekEntry(raw []byte) (string, uint64, bool) {
	e, err := data.DecodeEntry(raw)
	if err != nil {
		return "", 0, false
	}
	return cluster.EncodeWriterKey(e.Writer[:]), e.Seq, true
}

// NewHello 本地的 hello 帧
func (b *Base) NewHello() *Hello {
	return &Hello{Key: b.Key(), Heads: b.Heads()}
}

// Replicate 在 conn 上运行复制会话直到连接关闭
// first 为已经读到的对端 hello，主动发起时为 nil
func (b *Base) Replicate(ctx context.Context, conn swarm.Conn, first *Hello) error {
	defer conn.Close()
	s := &session{id: utils.NextID(), conn: conn, notify: make(chan struct{}, 1)}
	logger := b.logger.With(zap.String("session", s.id.String()), zap.String("remote", conn.RemoteID()))

	if err := swarm.WriteFrame(conn, swarm.FrameHello, b.NewHello()); err != nil {
		return err
	}
	peer := first
	if peer == nil {
		f, err := swarm.ReadFrame(conn)
		if err != nil {
			return err
		}
		peer = &Hello{}
		if err := f.Expect(swarm.FrameHello, peer); err != nil {
			return err
		}
	}
	if !bytes.Equal(peer.Key, b.key) {
		logger.Warn("replication peer has a different key")
		return ErrKeyMismatch
	}
	s.heads = peer.Heads
	if s.heads == nil {
		s.heads = make(map[string]uint64)
	}
	if !b.addSession(s) {
		return ErrClosed
	}
	defer b.removeSession(s)
	logger.Debug("replication session started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-conn.Done():
		}
	}()
	go b.sendLoop(ctx, s, logger)
	s.wake()

	for {
		f, err := swarm.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, swarm.ErrClosed) || ctx.Err() != nil {
				logger.Debug("replication session closed")
				return nil
			}
			return err
		}
		switch f.Kind {
		case swarm.FrameEntries:
			var body EntriesBody
			if err := f.Decode(&body); err != nil {
				logger.Warn("drop bad entries frame", zap.Error(err))
				continue
			}
			s.advance(body.Entries)
			n, err := b.Ingest(body.Entries)
			if err != nil {
				return err
			}
			logger.Debug("entries received", zap.Int("count", len(body.Entries)), zap.Int("new", n))
		case swarm.FrameHello:
			// 对端重新声明自己的 heads
			var h Hello
			if err := f.Decode(&h); err == nil {
				s.merge(h.Heads)
				s.wake()
			}
		default:
			logger.Warn("unexpected frame in replication session", zap.Stringer("kind", f.Kind))
		}
	}
}

func (b *Base) sendLoop(ctx context.Context, s *session, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}
		for {
			batch := b.missing(s.snapshot(), b.options.MaxEntriesPerFrame)
			if len(batch) == 0 {
				break
			}
			if err := swarm.WriteFrame(s.conn, swarm.FrameEntries, &EntriesBody{Entries: batch}); err != nil {
				logger.Debug("replication send failed", zap.Error(err))
				_ = s.conn.Close()
				return
			}
			s.advance(batch)
		}
	}
}

func (b *Base) addSession(s *session) bool {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return false
	}
	b.sessionMtx.Lock()
	defer b.sessionMtx.Unlock()
	b.sessions[s.id] = s
	return true
}

func (b *Base) removeSession(s *session) {
	b.sessionMtx.Lock()
	defer b.sessionMtx.Unlock()
	delete(b.sessions, s.id)
}

// Sessions 当前的复制会话数
func (b *Base) Sessions() int {
	b.sessionMtx.Lock()
	defer b.sessionMtx.Unlock()
	return len(b.sessions)
}

// wakeSessions 有新条目时通知所有会话发送
func (b *Base) wakeSessions() {
	b.sessionMtx.Lock()
	defer b.sessionMtx.Unlock()
	for _, s := range b.sessions {
		s.wake()
	}
}

func (b *Base) closeSessions() {
	b.sessionMtx.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessionMtx.Unlock()
	for _, s := range sessions {
		_ = s.conn.Close()
	}
}
