package pairkv

import (
	"context"
	"sync"

	"github.com/Hain2000/pairkv/base"
	"github.com/Hain2000/pairkv/pairing"
	"go.uber.org/zap"
)

// Pairer 用邀请码加入已有的存储，结果只会产生一次
type Pairer struct {
	options Options
	invite  string
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	candidate *pairing.Candidate

	once sync.Once
	done chan struct{}
	pass *Pass
	err  error
}

// Pair 在后台开始配对，options.Swarm 必须提供
func Pair(options Options, invite string) *Pairer {
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	pr := &Pairer{
		options: options,
		invite:  invite,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go pr.run()
	return pr
}

func (pr *Pairer) run() {
	pass, err := pr.pair()
	if !pr.finish(pass, err) && pass != nil {
		// 配对期间 Pairer 已经被关闭
		_ = pass.Close()
	}
}

func (pr *Pairer) pair() (*Pass, error) {
	if pr.options.Swarm == nil {
		return nil, ErrSwarmRequired
	}
	if err := checkOptions(&pr.options); err != nil {
		return nil, err
	}
	seed, err := base.LoadOrCreateSeed(pr.options.DirPath)
	if err != nil {
		return nil, err
	}
	candidate, err := pairing.NewCandidate(pr.options.Swarm, pr.invite, pairing.CandidateOptions{
		UserData:     base.PublicKey(seed),
		DialInterval: pairing.DefaultCandidateOptions.DialInterval,
		Logger:       pr.options.Logger.Named("candidate"),
	})
	if err != nil {
		return nil, err
	}
	pr.mu.Lock()
	pr.candidate = candidate
	pr.mu.Unlock()

	conf, err := candidate.Run(pr.ctx)
	if err != nil {
		return nil, err
	}
	pr.options.Logger.Info("paired, opening store")
	return open(pr.options, conf.Key, conf.EncryptionKey, seed)
}

func (pr *Pairer) finish(pass *Pass, err error) bool {
	accepted := false
	pr.once.Do(func() {
		pr.pass, pr.err = pass, err
		accepted = true
		close(pr.done)
		if err != nil {
			pr.options.Logger.Info("pairing finished with error", zap.Error(err))
		}
	})
	return accepted
}

// Finished 等待配对结果
func (pr *Pairer) Finished(ctx context.Context) (*Pass, error) {
	select {
	case <-pr.done:
		return pr.pass, pr.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State 候选者的状态
func (pr *Pairer) State() pairing.CandidateState {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.candidate == nil {
		return pairing.CandidateIdle
	}
	return pr.candidate.State()
}

// Close 结束配对，还没有结果时结果为 ErrPairingClosed
// 已经得到的 Pass 由调用者关闭
func (pr *Pairer) Close() error {
	pr.finish(nil, ErrPairingClosed)
	pr.cancel()
	pr.mu.Lock()
	candidate := pr.candidate
	pr.mu.Unlock()
	if candidate != nil {
		_ = candidate.Close()
	}
	return nil
}
