// Package base 多写者日志: 每个写者一条只追加日志，所有日志按确定的顺序合并后交给状态机
package base

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Hain2000/pairkv/cluster"
	"github.com/Hain2000/pairkv/data"
	"github.com/Hain2000/pairkv/index"
	"github.com/Hain2000/pairkv/oplog"
	"github.com/bwmarrin/snowflake"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	fileLockName = "FLOCK"
	writersDir   = "writers"
	viewDir      = "view"
	boltSuffix   = ".bolt"
)

// writerLog 一个写者的日志以及已经解码的全部条目
type writerLog struct {
	id      string
	log     oplog.Log
	entries []*data.Entry
	raw     [][]byte
}

func (w *writerLog) head() uint64 {
	return uint64(len(w.entries))
}

type Base struct {
	options Options
	logger  *zap.Logger
	lock    *flock.Flock

	key        []byte
	cipher     cipherSuite
	localKey   []byte
	localID    string
	engine     *cluster.Engine
	discovery  []byte
	sessionMtx sync.Mutex
	sessions   map[snowflake.ID]*session

	mu      sync.Mutex // 保护下面的字段，追加、接收和应用都在这把锁下进行
	writers map[string]*writerLog
	order   []*data.Entry // 全部条目的确定性顺序
	applied int           // order 中已经交给状态机的前缀长度
	clock   uint64
	closed  bool
}

// Open 打开或者新建一个 base，加载所有写者日志并重放
func Open(options Options) (*Base, error) {
	if err := checkOptions(&options); err != nil {
		return nil, err
	}
	b := &Base{
		options:  options,
		logger:   options.Logger,
		writers:  make(map[string]*writerLog),
		sessions: make(map[snowflake.ID]*session),
	}

	if options.DirPath != "" {
		if err := os.MkdirAll(filepath.Join(options.DirPath, writersDir), os.ModePerm); err != nil {
			return nil, err
		}
		b.lock = flock.New(filepath.Join(options.DirPath, fileLockName))
		hold, err := b.lock.TryLock()
		if err != nil {
			return nil, err
		}
		if !hold {
			return nil, ErrDatabaseIsUsing
		}
	}

	ok := false
	defer func() {
		if !ok {
			b.release()
		}
	}()

	if err := b.loadKeys(); err != nil {
		return nil, err
	}

	viewPath := ""
	if options.DirPath != "" && options.IndexType != index.BTREE {
		viewPath = filepath.Join(options.DirPath, viewDir)
	}
	indexer, err := index.NewIndexer(options.IndexType, viewPath)
	if err != nil {
		return nil, err
	}
	b.engine = cluster.NewEngine(indexer, cluster.EngineOptions{
		Genesis: []string{cluster.EncodeWriterKey(b.key)},
		Admit:   admitActive,
		Logger:  b.logger.Named("engine"),
	})

	if err := b.loadWriters(); err != nil {
		return nil, err
	}
	if _, err := b.writerFor(b.localID); err != nil {
		return nil, err
	}
	// 视图可能是持久化的后端，重放前清空
	if err := b.engine.Reset(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	err = b.applyTail(true)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ok = true
	b.logger.Info("base opened",
		zap.String("key", cluster.EncodeWriterKey(b.key)),
		zap.String("local", b.localID),
		zap.Int("writers", len(b.writers)),
		zap.Int("entries", len(b.order)))
	return b, nil
}

// admitActive 只应用在该位置上仍是活跃写者的条目
func admitActive(ledger *cluster.Ledger, entry cluster.Entry) bool {
	return ledger.IsActive(entry.Writer)
}

func (b *Base) loadKeys() error {
	opts := b.options
	var m *meta
	if opts.DirPath != "" {
		var err error
		if m, err = loadMeta(opts.DirPath); err != nil {
			return err
		}
	}
	if m == nil {
		m = &meta{Seed: opts.Seed}
		if len(m.Seed) == 0 {
			seed, err := randomKey()
			if err != nil {
				return err
			}
			m.Seed = seed
		}
	} else if len(opts.Seed) != 0 && !bytes.Equal(opts.Seed, m.Seed) {
		return fmt.Errorf("%w: local seed", ErrKeyMismatch)
	}

	switch {
	case len(m.Key) != 0 && len(opts.Key) != 0 && !bytes.Equal(m.Key, opts.Key):
		return ErrKeyMismatch
	case len(m.Key) != 0:
	case len(opts.Key) != 0:
		m.Key, m.EncryptionKey = opts.Key, opts.EncryptionKey
	default:
		encKey, err := randomKey()
		if err != nil {
			return err
		}
		m.Key, m.EncryptionKey = PublicKey(m.Seed), encKey
	}
	if opts.DirPath != "" {
		if err := saveMeta(opts.DirPath, m); err != nil {
			return err
		}
	}

	b.key = m.Key
	b.cipher = cipherSuite{key: m.EncryptionKey}
	b.localKey = PublicKey(m.Seed)
	b.localID = cluster.EncodeWriterKey(b.localKey)
	b.discovery = DiscoveryKey(m.Key)
	return nil
}

func (b *Base) logPath(id string) string {
	if b.options.DirPath == "" {
		return ""
	}
	name := id
	if b.options.LogType == oplog.TypeBolt {
		name += boltSuffix
	}
	return filepath.Join(b.options.DirPath, writersDir, name)
}

// loadWriters 打开 writers 目录下所有写者日志
func (b *Base) loadWriters() error {
	if b.options.DirPath == "" {
		return nil
	}
	dirEntries, err := os.ReadDir(filepath.Join(b.options.DirPath, writersDir))
	if err != nil {
		return err
	}
	for _, de := range dirEntries {
		id := strings.TrimSuffix(de.Name(), boltSuffix)
		if _, err := cluster.DecodeWriterKey(id); err != nil {
			b.logger.Warn("ignore unknown file in writers directory", zap.String("name", de.Name()))
			continue
		}
		w, err := b.writerFor(id)
		if err != nil {
			return err
		}
		for seq := uint64(1); seq <= w.log.Len(); seq++ {
			raw, err := w.log.Get(seq)
			if err != nil {
				return err
			}
			entry, err := data.DecodeEntry(raw)
			if err != nil {
				return fmt.Errorf("writer %s seq %d: %w", id, seq, err)
			}
			if entry.Seq != seq || cluster.EncodeWriterKey(entry.Writer[:]) != id {
				return fmt.Errorf("writer %s seq %d: %w", id, seq, ErrSeqMismatch)
			}
			b.remember(w, entry, raw)
		}
	}
	return nil
}

// writerFor 返回写者的日志，不存在时创建
func (b *Base) writerFor(id string) (*writerLog, error) {
	if w, ok := b.writers[id]; ok {
		return w, nil
	}
	log, err := oplog.Open(b.options.LogType, b.logPath(id), b.options.Sync)
	if err != nil {
		return nil, err
	}
	w := &writerLog{id: id, log: log}
	b.writers[id] = w
	return w, nil
}

func (b *Base) remember(w *writerLog, entry *data.Entry, raw []byte) {
	w.entries = append(w.entries, entry)
	w.raw = append(w.raw, raw)
	b.order = append(b.order, entry)
	if entry.Clock > b.clock {
		b.clock = entry.Clock
	}
}

// compareEntries (clock, writer, seq) 的全序
func compareEntries(x, y *data.Entry) int {
	switch {
	case x.Clock < y.Clock:
		return -1
	case x.Clock > y.Clock:
		return 1
	}
	if c := bytes.Compare(x.Writer[:], y.Writer[:]); c != 0 {
		return c
	}
	switch {
	case x.Seq < y.Seq:
		return -1
	case x.Seq > y.Seq:
		return 1
	}
	return 0
}

// applyTail 重新排序并应用尚未应用的条目
// 新条目排在已应用的前缀之前时，状态机重置并重放全部条目
func (b *Base) applyTail(forceReplay bool) error {
	replay := forceReplay
	if !replay && b.applied > 0 {
		last := b.order[b.applied-1]
		for _, e := range b.order[b.applied:] {
			if compareEntries(e, last) < 0 {
				replay = true
				break
			}
		}
	}
	slices.SortFunc(b.order, compareEntries)
	if replay {
		if b.applied > 0 {
			b.logger.Debug("reorder, replay all entries", zap.Int("entries", len(b.order)))
			if err := b.engine.Reset(); err != nil {
				return err
			}
		}
		b.applied = 0
	}
	tail := b.order[b.applied:]
	if len(tail) == 0 {
		return nil
	}
	batch := make([]cluster.Entry, 0, len(tail))
	for _, e := range tail {
		batch = append(batch, b.toClusterEntry(e))
	}
	res, err := b.engine.Apply(batch)
	if err != nil {
		// 出错的条目之前的都已经交给状态机，下次从出错的条目继续
		b.applied += res.Applied + res.Skipped + res.Malformed
		return err
	}
	b.applied = len(b.order)
	b.logger.Debug("entries applied",
		zap.Int("applied", res.Applied), zap.Int("skipped", res.Skipped), zap.Int("malformed", res.Malformed))
	return nil
}

func (b *Base) toClusterEntry(e *data.Entry) cluster.Entry {
	writer := cluster.EncodeWriterKey(e.Writer[:])
	plain, err := b.cipher.open(e.Writer[:], e.Seq, e.Payload)
	if err != nil {
		// 无法解密的条目按格式错误处理
		b.logger.Warn("undecryptable entry", zap.String("writer", writer), zap.Uint64("seq", e.Seq), zap.Error(err))
		plain = nil
	}
	return cluster.Entry{Writer: writer, Seq: e.Seq, Clock: e.Clock, Op: plain}
}

// Append 以本地写者身份追加一个操作并同步应用
func (b *Base) Append(ctx context.Context, op cluster.Op) error {
	return b.AppendBatch(ctx, []cluster.Op{op})
}

// AppendBatch 连续追加多个操作，作为一个批次应用，订阅者只收到一次通知
func (b *Base) AppendBatch(ctx context.Context, ops []cluster.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	plains := make([][]byte, 0, len(ops))
	for _, op := range ops {
		plain, err := cluster.EncodeOp(op)
		if err != nil {
			return err
		}
		plains = append(plains, plain)
	}

	b.mu.Lock()
	err := b.appendLocked(plains)
	b.mu.Unlock()

	b.wakeSessions()
	return err
}

func (b *Base) appendLocked(plains [][]byte) error {
	if b.closed {
		return ErrClosed
	}
	if !b.engine.Ledger().IsActive(b.localID) {
		return ErrNotWritable
	}
	w, err := b.writerFor(b.localID)
	if err != nil {
		return err
	}
	for _, plain := range plains {
		if err = b.appendOne(w, plain); err != nil {
			break
		}
	}
	// 出错前已经写入的条目照常应用
	if applyErr := b.applyTail(false); applyErr != nil {
		return errors.Join(err, applyErr)
	}
	return err
}

func (b *Base) appendOne(w *writerLog, plain []byte) error {
	entry := &data.Entry{Seq: w.head() + 1, Clock: b.clock + 1}
	copy(entry.Writer[:], b.localKey)
	payload, err := b.cipher.seal(b.localKey, entry.Seq, plain)
	if err != nil {
		return err
	}
	entry.Payload = payload
	raw, _ := data.EncodeEntry(entry)
	seq, err := w.log.Append(raw)
	if err != nil {
		return err
	}
	if seq != entry.Seq {
		return fmt.Errorf("%w: appended %d, want %d", ErrSeqMismatch, seq, entry.Seq)
	}
	b.remember(w, entry, raw)
	return nil
}

// Ingest 接收其他节点的条目，每个写者只接收连续的下一条，重复的忽略
// 返回新接收的条目数
func (b *Base) Ingest(raws [][]byte) (int, error) {
	b.mu.Lock()
	n, err := b.ingestLocked(raws)
	b.mu.Unlock()
	if n > 0 {
		b.wakeSessions()
	}
	return n, err
}

func (b *Base) ingestLocked(raws [][]byte) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, raw := range raws {
		entry, err := data.DecodeEntry(raw)
		if err != nil {
			b.logger.Warn("drop undecodable entry", zap.Error(err))
			continue
		}
		id := cluster.EncodeWriterKey(entry.Writer[:])
		w, err := b.writerFor(id)
		if err != nil {
			return n, err
		}
		switch {
		case entry.Seq <= w.head():
			continue
		case entry.Seq > w.head()+1:
			b.logger.Debug("drop out of order entry",
				zap.String("writer", id), zap.Uint64("seq", entry.Seq), zap.Uint64("head", w.head()))
			continue
		}
		seq, err := w.log.Append(raw)
		if err != nil {
			return n, err
		}
		if seq != entry.Seq {
			return n, fmt.Errorf("%w: appended %d, want %d", ErrSeqMismatch, seq, entry.Seq)
		}
		b.remember(w, entry, raw)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n, b.applyTail(false)
}

// Heads 每个写者已知的最大序号
func (b *Base) Heads() map[string]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	heads := make(map[string]uint64, len(b.writers))
	for id, w := range b.writers {
		heads[id] = w.head()
	}
	return heads
}

// missing 对端 heads 之后的条目，按写者和序号排列，最多 limit 条
func (b *Base) missing(heads map[string]uint64, limit int) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := maps.Keys(b.writers)
	slices.Sort(ids)
	var out [][]byte
	for _, id := range ids {
		w := b.writers[id]
		for seq := heads[id] + 1; seq <= w.head(); seq++ {
			if len(out) >= limit {
				return out
			}
			out = append(out, w.raw[seq-1])
		}
	}
	return out
}

// Len 已知的条目总数
func (b *Base) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

func (b *Base) Key() []byte {
	return slices.Clone(b.key)
}

func (b *Base) DiscoveryKey() []byte {
	return slices.Clone(b.discovery)
}

func (b *Base) EncryptionKey() []byte {
	return slices.Clone(b.cipher.key)
}

// LocalWriterKey 本地写者公钥
func (b *Base) LocalWriterKey() []byte {
	return slices.Clone(b.localKey)
}

// LocalWriterID 本地写者公钥的 z-base-32 编码
func (b *Base) LocalWriterID() string {
	return b.localID
}

func (b *Base) Engine() *cluster.Engine {
	return b.engine
}

// Writable 本地写者当前是否为活跃写者
func (b *Base) Writable() bool {
	return b.engine.Ledger().IsActive(b.localID)
}

// Close 关闭所有复制会话、日志和视图
func (b *Base) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.closeSessions()

	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, w := range b.writers {
		if err := w.log.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.unlock(); err != nil {
		errs = append(errs, err)
	}
	b.logger.Info("base closed", zap.String("local", b.localID))
	return errors.Join(errs...)
}

// release Open 失败时释放已经打开的资源
func (b *Base) release() {
	for _, w := range b.writers {
		_ = w.log.Close()
	}
	if b.engine != nil {
		_ = b.engine.Close()
	}
	_ = b.unlock()
}

func (b *Base) unlock() error {
	if b.lock == nil {
		return nil
	}
	return b.lock.Unlock()
}
