package pairkv

import (
	"context"
	"errors"
	"sync"

	"github.com/Hain2000/pairkv/cluster"
)

var (
	ErrExceedMaxBatchNum = errors.New("exceed the max batch num")
	ErrBatchCommitted    = errors.New("write batch already committed")
)

type WriteBatchOptions struct {
	// MaxBatchNum 一个批次最多的操作数
	MaxBatchNum uint
}

var DefaultWriteBatchOptions = WriteBatchOptions{
	MaxBatchNum: 10000,
}

// WriteBatch 暂存多个记录操作，提交时连续追加到本地日志并作为一个批次应用
// 同一个 key 只保留最后一次操作
type WriteBatch struct {
	options   WriteBatchOptions
	mtx       sync.Mutex
	pass      *Pass
	order     []string
	pending   map[string]cluster.Op
	committed bool
}

func (p *Pass) NewWriteBatch(opts WriteBatchOptions) *WriteBatch {
	if opts.MaxBatchNum == 0 {
		opts.MaxBatchNum = DefaultWriteBatchOptions.MaxBatchNum
	}
	return &WriteBatch{
		options: opts,
		pass:    p,
		pending: make(map[string]cluster.Op),
	}
}

func (wb *WriteBatch) Put(key string, value any) error {
	if key == "" {
		return ErrKeyIsEmpty
	}
	op, err := cluster.NewAddRecord(key, value)
	if err != nil {
		return err
	}
	return wb.stage(key, op)
}

func (wb *WriteBatch) Delete(key string) error {
	if key == "" {
		return ErrKeyIsEmpty
	}
	return wb.stage(key, cluster.RemoveRecord{Key: key})
}

func (wb *WriteBatch) stage(key string, op cluster.Op) error {
	wb.mtx.Lock()
	defer wb.mtx.Unlock()
	if wb.committed {
		return ErrBatchCommitted
	}
	if _, ok := wb.pending[key]; !ok {
		wb.order = append(wb.order, key)
	}
	wb.pending[key] = op
	return nil
}

// Commit 提交暂存的操作，一个批次只能提交一次
func (wb *WriteBatch) Commit(ctx context.Context) error {
	wb.mtx.Lock()
	defer wb.mtx.Unlock()
	if wb.committed {
		return ErrBatchCommitted
	}
	if len(wb.pending) == 0 {
		wb.committed = true
		return nil
	}
	if uint(len(wb.pending)) > wb.options.MaxBatchNum {
		return ErrExceedMaxBatchNum
	}

	ops := make([]cluster.Op, 0, len(wb.order))
	for _, key := range wb.order {
		ops = append(ops, wb.pending[key])
	}
	if err := wb.pass.base.AppendBatch(ctx, ops); err != nil {
		return err
	}
	wb.committed = true
	wb.order = nil
	wb.pending = nil
	return nil
}
