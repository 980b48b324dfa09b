package cluster

import (
	"errors"
	"fmt"

	"github.com/Hain2000/pairkv/utils"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrMalformedOperation = errors.New("malformed operation")

// WriterKeySize 写者公钥长度
const WriterKeySize = 32

// OpType 操作类型，同时也是编码中 type 字段的值
type OpType string

const (
	OpAddWriter    OpType = "addWriter"
	OpRemoveWriter OpType = "removeWriter"
	OpAddRecord    OpType = "addRecord"
	OpRemoveRecord OpType = "removeRecord"
)

// Op 封闭的操作类型，只有本包中的四种实现
type Op interface {
	Type() OpType
	accept(v OpVisitor)
}

// OpVisitor 每种操作一个方法，新增操作类型时所有实现都需要修改
type OpVisitor interface {
	VisitAddWriter(op AddWriter)
	VisitRemoveWriter(op RemoveWriter)
	VisitAddRecord(op AddRecord)
	VisitRemoveRecord(op RemoveRecord)
}

// Visit 按操作类型分派
func Visit(op Op, v OpVisitor) {
	op.accept(v)
}

type AddWriter struct {
	Key string // z-base-32 编码的写者公钥
}

type RemoveWriter struct {
	Key string
}

type AddRecord struct {
	Key   string
	Value msgpack.RawMessage
}

type RemoveRecord struct {
	Key string
}

func (AddWriter) Type() OpType    { return OpAddWriter }
func (RemoveWriter) Type() OpType { return OpRemoveWriter }
func (AddRecord) Type() OpType    { return OpAddRecord }
func (RemoveRecord) Type() OpType { return OpRemoveRecord }

func (op AddWriter) accept(v OpVisitor)    { v.VisitAddWriter(op) }
func (op RemoveWriter) accept(v OpVisitor) { v.VisitRemoveWriter(op) }
func (op AddRecord) accept(v OpVisitor)    { v.VisitAddRecord(op) }
func (op RemoveRecord) accept(v OpVisitor) { v.VisitRemoveRecord(op) }

// NewAddRecord value 可以是任意 msgpack 可编码的值
func NewAddRecord(key string, value any) (AddRecord, error) {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return AddRecord{}, err
	}
	return AddRecord{Key: key, Value: raw}, nil
}

// Decode 把记录的值解码到 v
func (op AddRecord) Decode(v any) error {
	return msgpack.Unmarshal(op.Value, v)
}

// EncodeWriterKey 写者公钥 -> 写者id
func EncodeWriterKey(key []byte) string {
	return utils.Z32.EncodeToString(key)
}

// DecodeWriterKey 写者id -> 写者公钥
// 账本以 id 字符串为键，只接受 EncodeWriterKey 产生的规范写法
func DecodeWriterKey(id string) ([]byte, error) {
	key, err := utils.Z32.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("invalid writer key %q: %w", id, err)
	}
	if len(key) != WriterKeySize {
		return nil, fmt.Errorf("invalid writer key %q: want %d bytes, got %d", id, WriterKeySize, len(key))
	}
	if EncodeWriterKey(key) != id {
		return nil, fmt.Errorf("invalid writer key %q: not canonical", id)
	}
	return key, nil
}

type wireOp struct {
	Type  OpType             `msgpack:"type"`
	Key   string             `msgpack:"key"`
	Value msgpack.RawMessage `msgpack:"value,omitempty"`
}

type opEncoder struct {
	wire wireOp
}

func (e *opEncoder) VisitAddWriter(op AddWriter) {
	e.wire = wireOp{Type: OpAddWriter, Key: op.Key}
}

func (e *opEncoder) VisitRemoveWriter(op RemoveWriter) {
	e.wire = wireOp{Type: OpRemoveWriter, Key: op.Key}
}

func (e *opEncoder) VisitAddRecord(op AddRecord) {
	e.wire = wireOp{Type: OpAddRecord, Key: op.Key, Value: op.Value}
}

func (e *opEncoder) VisitRemoveRecord(op RemoveRecord) {
	e.wire = wireOp{Type: OpRemoveRecord, Key: op.Key}
}

// EncodeOp {"type": ..., "key": ..., "value": ...}
func EncodeOp(op Op) ([]byte, error) {
	enc := &opEncoder{}
	op.accept(enc)
	return msgpack.Marshal(&enc.wire)
}

// DecodeOp 解码并校验必填字段，失败时返回的错误都包含 ErrMalformedOperation
func DecodeOp(b []byte) (Op, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedOperation)
	}
	var wire wireOp
	if err := msgpack.Unmarshal(b, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOperation, err)
	}
	if wire.Key == "" {
		return nil, fmt.Errorf("%w: %s without key", ErrMalformedOperation, wire.Type)
	}
	switch wire.Type {
	case OpAddWriter, OpRemoveWriter:
		if _, err := DecodeWriterKey(wire.Key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedOperation, err)
		}
		if wire.Type == OpAddWriter {
			return AddWriter{Key: wire.Key}, nil
		}
		return RemoveWriter{Key: wire.Key}, nil
	case OpAddRecord:
		if len(wire.Value) == 0 {
			return nil, fmt.Errorf("%w: addRecord %q without value", ErrMalformedOperation, wire.Key)
		}
		return AddRecord{Key: wire.Key, Value: wire.Value}, nil
	case OpRemoveRecord:
		return RemoveRecord{Key: wire.Key}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedOperation, wire.Type)
	}
}
