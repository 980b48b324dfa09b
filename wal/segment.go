package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"path/filepath"

	"github.com/Hain2000/pairkv/fio"
	"github.com/Hain2000/pairkv/utils"
	"github.com/valyala/bytebufferpool"
)

type SegmentID = uint32

var (
	ErrClosed     = errors.New("the segment file is closed")
	ErrInvalidCRC = errors.New("invalid CRC, the data may be corrupted")
)

// chunkHeaderSize 4(checksum) + 4(size)
const chunkHeaderSize = 8

type segment struct {
	id     SegmentID
	io     fio.IOManager
	size   int64
	closed bool
}

type segmentReader struct {
	segment *segment
	offset  int64
}

// ChunkPosition 一条数据在段文件中的位置
type ChunkPosition struct {
	SegmentID   SegmentID
	ChunkOffset int64
	ChunkSize   uint32 // 包含头部
}

func SegmentFileName(dirPath, extName string, id SegmentID) string {
	return filepath.Join(dirPath, fmt.Sprintf("%09d"+extName, id))
}

func openSegmentFile(dirPath, extName string, id SegmentID) (*segment, error) {
	iom, err := fio.NewIOManager(SegmentFileName(dirPath, extName, id))
	if err != nil {
		return nil, err
	}
	size, err := iom.Size()
	if err != nil {
		_ = iom.Close()
		return nil, fmt.Errorf("stat segment file %d%s failed: %w", id, extName, err)
	}
	return &segment{id: id, io: iom, size: size}, nil
}

func (seg *segment) NewReader() *segmentReader {
	return &segmentReader{segment: seg}
}

func (seg *segment) Size() int64 {
	return seg.size
}

func (seg *segment) Sync() error {
	if seg.closed {
		return nil
	}
	return seg.io.Sync()
}

// Truncate 丢弃 size 之后的数据
func (seg *segment) Truncate(size int64) error {
	if seg.closed {
		return ErrClosed
	}
	if err := seg.io.Truncate(size); err != nil {
		return utils.ErrorAt(err)
	}
	seg.size = size
	return nil
}

func (seg *segment) Close() error {
	if seg.closed {
		return nil
	}
	seg.closed = true
	return seg.io.Close()
}

// Write 追加一个chunk: {crc(4) | size(4) | data}
func (seg *segment) Write(data []byte) (*ChunkPosition, error) {
	if seg.closed {
		return nil, ErrClosed
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	header := make([]byte, chunkHeaderSize)
	binary.LittleEndian.PutUint32(header[4:], uint32(len(data)))
	crc := crc32.ChecksumIEEE(header[4:])
	crc = crc32.Update(crc, crc32.IEEETable, data)
	binary.LittleEndian.PutUint32(header[:4], crc)
	_, _ = buf.Write(header)
	_, _ = buf.Write(data)

	pos := &ChunkPosition{
		SegmentID:   seg.id,
		ChunkOffset: seg.size,
		ChunkSize:   uint32(buf.Len()),
	}
	if _, err := seg.io.Write(buf.B); err != nil {
		return nil, utils.ErrorAt(err)
	}
	seg.size += int64(buf.Len())
	return pos, nil
}

// Read 读取offset处的chunk，返回数据和chunk大小
// 文件尾部被截断的chunk视为 io.EOF
func (seg *segment) Read(offset int64) ([]byte, int64, error) {
	if seg.closed {
		return nil, 0, ErrClosed
	}
	if offset+chunkHeaderSize > seg.size {
		return nil, 0, io.EOF
	}
	header := make([]byte, chunkHeaderSize)
	if _, err := seg.io.Read(header, offset); err != nil {
		return nil, 0, err
	}
	length := int64(binary.LittleEndian.Uint32(header[4:]))
	if offset+chunkHeaderSize+length > seg.size {
		return nil, 0, io.EOF
	}
	data := make([]byte, length)
	if length > 0 {
		if _, err := seg.io.Read(data, offset+chunkHeaderSize); err != nil {
			return nil, 0, err
		}
	}
	crc := crc32.ChecksumIEEE(header[4:])
	crc = crc32.Update(crc, crc32.IEEETable, data)
	if crc != binary.LittleEndian.Uint32(header[:4]) {
		return nil, 0, ErrInvalidCRC
	}
	return data, chunkHeaderSize + length, nil
}

func (sr *segmentReader) Next() ([]byte, *ChunkPosition, error) {
	data, size, err := sr.segment.Read(sr.offset)
	if err != nil {
		return nil, nil, err
	}
	pos := &ChunkPosition{
		SegmentID:   sr.segment.id,
		ChunkOffset: sr.offset,
		ChunkSize:   uint32(size),
	}
	sr.offset += size
	return data, pos, nil
}
