package data

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

var (
	ErrInvalidCRC     = errors.New("invalid crc, log entry maybe corrupted")
	ErrEntryTruncated = errors.New("log entry is truncated")
)

// WriterKeySize 写者公钥长度(ed25519)
const WriterKeySize = 32

// maxEntryHeaderSize crc(4) + seq(10) + clock(10) + payload size(10) + writer(32)
const maxEntryHeaderSize = crc32.Size + binary.MaxVarintLen64*3 + WriterKeySize

// Entry 某个写者日志中的一条记录，payload 是加密后的操作
type Entry struct {
	Writer  [WriterKeySize]byte
	Seq     uint64 // 在写者自己日志中的序号，从1开始
	Clock   uint64 // 追加时观察到的最大时钟+1
	Payload []byte
}

// EncodeEntry 编码为字节数组
// {crc(4) | seq | clock | payload_size | writer(32) | payload}
func EncodeEntry(entry *Entry) ([]byte, int64) {
	header := make([]byte, maxEntryHeaderSize)
	var idx = crc32.Size
	idx += binary.PutUvarint(header[idx:], entry.Seq)
	idx += binary.PutUvarint(header[idx:], entry.Clock)
	idx += binary.PutUvarint(header[idx:], uint64(len(entry.Payload)))
	idx += copy(header[idx:], entry.Writer[:])

	size := idx + len(entry.Payload)
	buf := make([]byte, size)
	copy(buf[:idx], header[:idx])
	copy(buf[idx:], entry.Payload)

	crc := crc32.ChecksumIEEE(buf[crc32.Size:])
	binary.LittleEndian.PutUint32(buf[:crc32.Size], crc)
	return buf, int64(size)
}

// DecodeEntry 解码并校验crc
func DecodeEntry(buf []byte) (*Entry, error) {
	if len(buf) <= crc32.Size {
		return nil, ErrEntryTruncated
	}
	crc := binary.LittleEndian.Uint32(buf[:crc32.Size])
	if crc32.ChecksumIEEE(buf[crc32.Size:]) != crc {
		return nil, ErrInvalidCRC
	}

	entry := &Entry{}
	var idx = crc32.Size
	var n int
	if entry.Seq, n = binary.Uvarint(buf[idx:]); n <= 0 {
		return nil, ErrEntryTruncated
	}
	idx += n
	if entry.Clock, n = binary.Uvarint(buf[idx:]); n <= 0 {
		return nil, ErrEntryTruncated
	}
	idx += n
	payloadSize, n := binary.Uvarint(buf[idx:])
	if n <= 0 {
		return nil, ErrEntryTruncated
	}
	idx += n
	if len(buf) < idx+WriterKeySize || uint64(len(buf)-idx-WriterKeySize) != payloadSize {
		return nil, ErrEntryTruncated
	}
	idx += copy(entry.Writer[:], buf[idx:idx+WriterKeySize])
	entry.Payload = make([]byte, payloadSize)
	copy(entry.Payload, buf[idx:])
	return entry, nil
}
