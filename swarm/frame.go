package swarm

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrUnexpectedFrame = errors.New("swarm: unexpected frame")

type FrameKind uint8

const (
	FramePairRequest FrameKind = iota + 1
	FramePairConfirm
	FrameHello
	FrameEntries
)

func (k FrameKind) String() string {
	switch k {
	case FramePairRequest:
		return "pair-request"
	case FramePairConfirm:
		return "pair-confirm"
	case FrameHello:
		return "hello"
	case FrameEntries:
		return "entries"
	}
	return fmt.Sprintf("frame(%d)", uint8(k))
}

// Frame 连接上传输的一条消息，Body 按 Kind 解码
type Frame struct {
	Kind FrameKind          `msgpack:"k"`
	Body msgpack.RawMessage `msgpack:"b"`
}

func EncodeFrame(kind FrameKind, body any) ([]byte, error) {
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&Frame{Kind: kind, Body: raw})
}

func DecodeFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// Decode 把 Body 解码到 v
func (f *Frame) Decode(v any) error {
	if err := msgpack.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", f.Kind, err)
	}
	return nil
}

// Expect 检查帧类型后解码
func (f *Frame) Expect(kind FrameKind, v any) error {
	if f.Kind != kind {
		return fmt.Errorf("%w: want %s, got %s", ErrUnexpectedFrame, kind, f.Kind)
	}
	return f.Decode(v)
}

func WriteFrame(conn Conn, kind FrameKind, body any) error {
	b, err := EncodeFrame(kind, body)
	if err != nil {
		return err
	}
	return conn.Send(b)
}

func ReadFrame(conn Conn) (*Frame, error) {
	b, err := conn.Recv()
	if err != nil {
		return nil, err
	}
	return DecodeFrame(b)
}
