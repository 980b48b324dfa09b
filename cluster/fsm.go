package cluster

import (
	"sync"

	"github.com/Hain2000/pairkv/index"
	"go.uber.org/zap"
)

const defaultMaxDiagnostics = 64

// Entry 已经全局排好序的一条日志，Op 是编码后的操作
type Entry struct {
	Writer string
	Seq    uint64
	Clock  uint64
	Op     []byte
}

// AdmitFunc 日志层的准入规则，返回 false 时该条日志不会被应用
type AdmitFunc func(ledger *Ledger, entry Entry) bool

type EngineOptions struct {
	Genesis        []string // 初始写者
	Admit          AdmitFunc
	Logger         *zap.Logger
	MaxDiagnostics int
}

// Diagnostic 被跳过的格式错误的日志
type Diagnostic struct {
	Writer string
	Seq    uint64
	Err    error
}

type ApplyResult struct {
	Applied   int
	Skipped   int // 未被准入
	Malformed int
}

// Engine 确定性的状态机，所有对 Ledger 和 View 的修改都在 mu 下串行执行
type Engine struct {
	mu          sync.Mutex
	options     EngineOptions
	logger      *zap.Logger
	ledger      *Ledger
	view        *View
	diagnostics []Diagnostic
	batches     uint64

	subsMtx sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

func NewEngine(indexer index.Indexer, options EngineOptions) *Engine {
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.MaxDiagnostics <= 0 {
		options.MaxDiagnostics = defaultMaxDiagnostics
	}
	return &Engine{
		options: options,
		logger:  options.Logger,
		ledger:  newLedger(options.Genesis),
		view:    newView(indexer),
		subs:    make(map[int]chan struct{}),
	}
}

func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

func (e *Engine) View() *View {
	return e.view
}

// Apply 按顺序应用一批日志，至少应用了一条时通知一次订阅者
// 返回的 error 只来自底层存储，格式错误的日志被跳过并记录
func (e *Engine) Apply(entries []Entry) (ApplyResult, error) {
	e.mu.Lock()
	res, err := e.applyLocked(entries)
	if res.Applied > 0 {
		e.batches++
	}
	e.mu.Unlock()

	if res.Applied > 0 {
		e.notify()
	}
	return res, err
}

func (e *Engine) applyLocked(entries []Entry) (ApplyResult, error) {
	var res ApplyResult
	a := &applier{e: e}
	for _, entry := range entries {
		if e.options.Admit != nil && !e.options.Admit(e.ledger, entry) {
			res.Skipped++
			e.logger.Debug("entry not admitted",
				zap.String("writer", entry.Writer), zap.Uint64("seq", entry.Seq))
			continue
		}
		op, err := DecodeOp(entry.Op)
		if err != nil {
			res.Malformed++
			e.recordDiagnostic(Diagnostic{Writer: entry.Writer, Seq: entry.Seq, Err: err})
			continue
		}
		a.err = nil
		op.accept(a)
		if a.err != nil {
			return res, a.err
		}
		res.Applied++
	}
	return res, nil
}

// Reset 视图和写者集合回到初始状态，用于日志重排后的重放
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.view.reset(); err != nil {
		return err
	}
	e.ledger.reset(e.options.Genesis)
	e.diagnostics = nil
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subsMtx.Lock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.subsMtx.Unlock()
	return e.view.close()
}

// Diagnostics 最近被跳过的格式错误日志
func (e *Engine) Diagnostics() []Diagnostic {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Diagnostic, len(e.diagnostics))
	copy(out, e.diagnostics)
	return out
}

// Batches 产生过通知的批次数
func (e *Engine) Batches() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batches
}

func (e *Engine) recordDiagnostic(d Diagnostic) {
	e.logger.Warn("skip malformed operation",
		zap.String("writer", d.Writer), zap.Uint64("seq", d.Seq), zap.Error(d.Err))
	if len(e.diagnostics) >= e.options.MaxDiagnostics {
		e.diagnostics = e.diagnostics[1:]
	}
	e.diagnostics = append(e.diagnostics, d)
}

// Subscribe 每个应用了日志的批次产生一个通知，未消费的通知会合并
func (e *Engine) Subscribe() (<-chan struct{}, func()) {
	e.subsMtx.Lock()
	defer e.subsMtx.Unlock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan struct{}, 1)
	e.subs[id] = ch
	return ch, func() {
		e.subsMtx.Lock()
		defer e.subsMtx.Unlock()
		if c, ok := e.subs[id]; ok {
			close(c)
			delete(e.subs, id)
		}
	}
}

func (e *Engine) notify() {
	e.subsMtx.Lock()
	defer e.subsMtx.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// applier 实际执行四种操作
type applier struct {
	e   *Engine
	err error
}

func (a *applier) VisitAddWriter(op AddWriter) {
	if a.e.ledger.add(op.Key) {
		a.e.logger.Info("writer added", zap.String("writer", op.Key))
	}
}

func (a *applier) VisitRemoveWriter(op RemoveWriter) {
	if a.e.ledger.remove(op.Key) {
		a.e.logger.Info("writer removed", zap.String("writer", op.Key))
	}
}

func (a *applier) VisitAddRecord(op AddRecord) {
	a.err = a.e.view.put(op.Key, op.Value)
}

func (a *applier) VisitRemoveRecord(op RemoveRecord) {
	a.err = a.e.view.del(op.Key)
}
