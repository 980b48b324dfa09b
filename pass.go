// Package pairkv 在互不信任的节点之间共享的键值存储
//
// 每个写者追加自己的日志，所有节点按同样的顺序合并日志得到同样的视图。
// 新节点通过邀请码配对成为写者。
package pairkv

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/Hain2000/pairkv/base"
	"github.com/Hain2000/pairkv/cluster"
	"github.com/Hain2000/pairkv/pairing"
	"github.com/Hain2000/pairkv/swarm"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Pass 一个节点上的共享存储
type Pass struct {
	options  Options
	logger   *zap.Logger
	base     *base.Base
	registry *pairing.Registry
	member   *pairing.Member

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	peers  map[string]struct{} // 主动连接的对端
	closed bool
}

// Open 打开或者新建一个存储，新建时本地写者是唯一的写者
func Open(options Options) (*Pass, error) {
	return open(options, nil, nil, nil)
}

func open(options Options, key, encryptionKey, seed []byte) (*Pass, error) {
	if err := checkOptions(&options); err != nil {
		return nil, err
	}
	b, err := base.Open(base.Options{
		DirPath:            options.DirPath,
		Key:                key,
		EncryptionKey:      encryptionKey,
		Seed:               seed,
		LogType:            options.LogType,
		IndexType:          options.IndexType,
		Sync:               options.SyncWrite,
		MaxEntriesPerFrame: base.DefaultOptions.MaxEntriesPerFrame,
		Logger:             options.Logger.Named("base"),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pass{
		options: options,
		logger:  options.Logger,
		base:    b,
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[string]struct{}),
	}
	p.registry = pairing.NewRegistry(p, options.InviteTTL)
	p.member = pairing.NewMember(p, options.Logger.Named("member"))

	if options.Swarm != nil {
		if err := options.Swarm.Join(b.DiscoveryKey(), p.handleConn); err != nil {
			cancel()
			_ = b.Close()
			return nil, err
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.Refresh(ctx); err != nil && !errors.Is(err, swarm.ErrNoPeers) {
				p.logger.Warn("initial refresh failed", zap.Error(err))
			}
		}()
	}
	return p, nil
}

// handleConn 按第一帧分派入站连接: 配对请求或者复制
func (p *Pass) handleConn(conn swarm.Conn) {
	f, err := swarm.ReadFrame(conn)
	if err != nil {
		p.logger.Debug("inbound connection closed before first frame", zap.Error(err))
		_ = conn.Close()
		return
	}
	switch f.Kind {
	case swarm.FramePairRequest:
		p.member.Handle(p.ctx, conn, f)
	case swarm.FrameHello:
		var hello base.Hello
		if err := f.Decode(&hello); err != nil {
			p.logger.Warn("bad hello", zap.Error(err))
			_ = conn.Close()
			return
		}
		if err := p.base.Replicate(p.ctx, conn, &hello); err != nil {
			p.logger.Debug("inbound replication ended", zap.Error(err))
		}
	default:
		p.logger.Warn("unexpected first frame", zap.Stringer("kind", f.Kind))
		_ = conn.Close()
	}
}

// Refresh 连接 swarm 上所有的对端并开始复制，已经连接的对端跳过
func (p *Pass) Refresh(ctx context.Context) error {
	if p.options.Swarm == nil {
		return nil
	}
	conns, err := p.options.Swarm.DialAll(ctx, p.base.DiscoveryKey())
	if err != nil {
		return err
	}
	for _, conn := range conns {
		remote := conn.RemoteID()
		p.mu.Lock()
		_, dup := p.peers[remote]
		if dup || p.closed {
			p.mu.Unlock()
			_ = conn.Close()
			continue
		}
		p.peers[remote] = struct{}{}
		p.wg.Add(1)
		p.mu.Unlock()

		go func(conn swarm.Conn) {
			defer p.wg.Done()
			defer func() {
				p.mu.Lock()
				delete(p.peers, remote)
				p.mu.Unlock()
			}()
			if err := p.base.Replicate(p.ctx, conn, nil); err != nil {
				p.logger.Debug("replication ended", zap.String("remote", remote), zap.Error(err))
			}
		}(conn)
	}
	return nil
}

// Add 写入一条记录，value 可以是任意 msgpack 可编码的值
func (p *Pass) Add(ctx context.Context, key string, value any) error {
	if key == "" {
		return ErrKeyIsEmpty
	}
	op, err := cluster.NewAddRecord(key, value)
	if err != nil {
		return err
	}
	return p.base.Append(ctx, op)
}

// Remove 删除一条记录，key 不存在时同样会追加删除操作
func (p *Pass) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrKeyIsEmpty
	}
	return p.base.Append(ctx, cluster.RemoveRecord{Key: key})
}

// Get 返回解码后的值
func (p *Pass) Get(key string) (any, bool, error) {
	var v any
	ok, err := p.GetInto(key, &v)
	if !ok || err != nil {
		return nil, ok, err
	}
	return v, true, nil
}

// GetInto 把值解码到 v
func (p *Pass) GetInto(key string, v any) (bool, error) {
	if key == "" {
		return false, ErrKeyIsEmpty
	}
	raw, ok, err := p.base.Engine().View().Get(key)
	if err != nil || !ok {
		return false, err
	}
	return true, msgpack.Unmarshal(raw, v)
}

// List 按 key 升序遍历 prefix 下的记录
func (p *Pass) List(prefix string) iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for key, raw := range p.base.Engine().View().All(prefix) {
			var v any
			if err := msgpack.Unmarshal(raw, &v); err != nil {
				p.logger.Warn("skip undecodable record", zap.String("key", key), zap.Error(err))
				continue
			}
			if !yield(key, v) {
				return
			}
		}
	}
}

func (p *Pass) AddWriter(ctx context.Context, key []byte) error {
	if len(key) != cluster.WriterKeySize {
		return ErrInvalidWriterKey
	}
	return p.base.Append(ctx, cluster.AddWriter{Key: cluster.EncodeWriterKey(key)})
}

// RemoveWriter 被删除的写者之后的条目不再被应用，之前的条目保留
func (p *Pass) RemoveWriter(ctx context.Context, key []byte) error {
	if len(key) != cluster.WriterKeySize {
		return ErrInvalidWriterKey
	}
	return p.base.Append(ctx, cluster.RemoveWriter{Key: cluster.EncodeWriterKey(key)})
}

// CreateInvite 返回邀请码，已有未过期的邀请时返回同一个
func (p *Pass) CreateInvite(ctx context.Context) (string, error) {
	inv, err := p.registry.CreateInvite(ctx)
	if err != nil {
		return "", err
	}
	return inv.Invite, nil
}

// Invite 当前的邀请记录
func (p *Pass) Invite(_ context.Context) (*pairing.Invite, bool, error) {
	return p.registry.Lookup()
}

func (p *Pass) Writable() bool {
	return p.base.Writable()
}

// Members 活跃写者，z-base-32 编码，按字典序
func (p *Pass) Members() []string {
	return p.base.Engine().Ledger().ActiveWriters()
}

// WriterKey 本地写者公钥，把它交给已有的写者即可被加为写者
func (p *Pass) WriterKey() []byte {
	return p.base.LocalWriterKey()
}

// Key 日志的初始写者公钥
func (p *Pass) Key() []byte {
	return p.base.Key()
}

func (p *Pass) DiscoveryKey() []byte {
	return p.base.DiscoveryKey()
}

func (p *Pass) EncryptionKey() []byte {
	return p.base.EncryptionKey()
}

// Updates 视图每次变化后收到一个通知，未读的通知合并
func (p *Pass) Updates() (<-chan struct{}, func()) {
	return p.base.Engine().Subscribe()
}

// Diagnostics 最近被跳过的格式错误的操作
func (p *Pass) Diagnostics() []cluster.Diagnostic {
	return p.base.Engine().Diagnostics()
}

// Stats 配对和复制的统计
type Stats struct {
	Entries  int
	Sessions int
	Admitted uint64
	Rejected uint64
}

func (p *Pass) Stats() Stats {
	return Stats{
		Entries:  p.base.Len(),
		Sessions: p.base.Sessions(),
		Admitted: p.member.Admitted(),
		Rejected: p.member.Rejected(),
	}
}

// Close 离开 swarm，关闭复制会话和日志
func (p *Pass) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.options.Swarm != nil {
		p.options.Swarm.Leave(p.base.DiscoveryKey())
	}
	p.cancel()
	err := p.base.Close()
	p.wg.Wait()
	return err
}

// Initialized 目录中是否已经有存储，已有时直接 Open 而不需要配对
func Initialized(dirPath string) (bool, error) {
	return base.Initialized(dirPath)
}
