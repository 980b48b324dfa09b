package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Hain2000/pairkv/utils"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const initialSegmentFileID = 1

var (
	ErrValueTooLarge = errors.New("the data size can't larger than segment size")
	ErrSeqNotFound   = errors.New("sequence number out of range")
)

// WAL 按序号寻址的只追加日志，由多个段文件组成，只有最后一个段文件可写
// 第 n 次追加的数据序号为 n，从 1 开始
type WAL struct {
	activeSegment *segment
	olderSegments map[SegmentID]*segment
	positions     []*ChunkPosition // positions[seq-1]
	options       Options
	mu            sync.RWMutex
	bytesWrite    uint32
	closeC        chan struct{}
	syncTicker    *time.Ticker
}

// Open 打开目录下所有段文件并建立序号索引
// 最后一个段文件尾部不完整的 chunk 会被截断
func Open(options Options) (*WAL, error) {
	if !strings.HasPrefix(options.SegmentFileExtension, ".") {
		return nil, utils.ErrorAt(fmt.Errorf("segment file extension must start with '.'"))
	}
	if options.SegmentSize <= chunkHeaderSize {
		return nil, utils.ErrorAt(fmt.Errorf("segment size must be greater than %d", chunkHeaderSize))
	}
	wal := &WAL{
		options:       options,
		olderSegments: make(map[SegmentID]*segment),
		closeC:        make(chan struct{}),
	}
	if err := os.MkdirAll(options.DirPath, os.ModePerm); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(options.DirPath)
	if err != nil {
		return nil, err
	}

	var segmentIDs []SegmentID
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		var id SegmentID
		if _, err := fmt.Sscanf(de.Name(), "%d"+options.SegmentFileExtension, &id); err != nil {
			continue
		}
		segmentIDs = append(segmentIDs, id)
	}
	if len(segmentIDs) == 0 {
		segmentIDs = append(segmentIDs, initialSegmentFileID)
	}
	slices.Sort(segmentIDs)

	for i, id := range segmentIDs {
		seg, err := openSegmentFile(options.DirPath, options.SegmentFileExtension, id)
		if err != nil {
			_ = wal.closeSegments()
			return nil, err
		}
		last := i == len(segmentIDs)-1
		if last {
			wal.activeSegment = seg
		} else {
			wal.olderSegments[id] = seg
		}
		if err := wal.index(seg, last); err != nil {
			_ = wal.closeSegments()
			return nil, err
		}
	}

	if wal.options.SyncInterval > 0 {
		wal.syncTicker = time.NewTicker(wal.options.SyncInterval)
		go func() {
			for {
				select {
				case <-wal.syncTicker.C:
					_ = wal.Sync()
				case <-wal.closeC:
					wal.syncTicker.Stop()
					return
				}
			}
		}()
	}
	return wal, nil
}

// index 读取段文件中的所有 chunk 并记录位置
func (wal *WAL) index(seg *segment, active bool) error {
	reader := seg.NewReader()
	for {
		_, pos, err := reader.Next()
		if err == nil {
			wal.positions = append(wal.positions, pos)
			continue
		}
		if err != io.EOF && !(active && errors.Is(err, ErrInvalidCRC)) {
			return fmt.Errorf("segment %d at offset %d: %w", seg.id, reader.offset, err)
		}
		// 只有活跃段的尾部允许是写了一半的数据
		if reader.offset < seg.Size() {
			if !active {
				return fmt.Errorf("segment %d at offset %d: %w", seg.id, reader.offset, ErrInvalidCRC)
			}
			return seg.Truncate(reader.offset)
		}
		return nil
	}
}

// Len 已经追加的条数
func (wal *WAL) Len() uint64 {
	wal.mu.RLock()
	defer wal.mu.RUnlock()
	return uint64(len(wal.positions))
}

func (wal *WAL) rotateActiveSegment() error {
	if err := wal.activeSegment.Sync(); err != nil {
		return err
	}
	wal.bytesWrite = 0
	seg, err := openSegmentFile(wal.options.DirPath, wal.options.SegmentFileExtension, wal.activeSegment.id+1)
	if err != nil {
		return err
	}
	wal.olderSegments[wal.activeSegment.id] = wal.activeSegment
	wal.activeSegment = seg
	return nil
}

// Append 追加一条数据，返回它的序号
func (wal *WAL) Append(data []byte) (uint64, error) {
	wal.mu.Lock()
	defer wal.mu.Unlock()
	if wal.activeSegment == nil {
		return 0, ErrClosed
	}
	if int64(len(data))+chunkHeaderSize > wal.options.SegmentSize {
		return 0, ErrValueTooLarge
	}

	// 活跃文件满了，就新创建一个
	if wal.activeSegment.Size()+int64(len(data))+chunkHeaderSize > wal.options.SegmentSize {
		if err := wal.rotateActiveSegment(); err != nil {
			return 0, err
		}
	}

	position, err := wal.activeSegment.Write(data)
	if err != nil {
		return 0, err
	}

	wal.bytesWrite += position.ChunkSize
	var needSync = wal.options.Sync
	if !needSync && wal.options.BytesPerSync > 0 {
		needSync = wal.bytesWrite >= wal.options.BytesPerSync
	}
	if needSync {
		if err := wal.activeSegment.Sync(); err != nil {
			return 0, err
		}
		wal.bytesWrite = 0
	}
	wal.positions = append(wal.positions, position)
	return uint64(len(wal.positions)), nil
}

// Get 读取序号为 seq 的数据
func (wal *WAL) Get(seq uint64) ([]byte, error) {
	wal.mu.RLock()
	defer wal.mu.RUnlock()
	if wal.activeSegment == nil {
		return nil, ErrClosed
	}
	if seq == 0 || seq > uint64(len(wal.positions)) {
		return nil, ErrSeqNotFound
	}
	pos := wal.positions[seq-1]
	seg := wal.olderSegments[pos.SegmentID]
	if pos.SegmentID == wal.activeSegment.id {
		seg = wal.activeSegment
	}
	if seg == nil {
		return nil, utils.ErrorAt(fmt.Errorf("segment file %d%s not found", pos.SegmentID, wal.options.SegmentFileExtension))
	}
	data, _, err := seg.Read(pos.ChunkOffset)
	return data, err
}

func (wal *WAL) Close() error {
	wal.mu.Lock()
	defer wal.mu.Unlock()
	select {
	case <-wal.closeC:
	default:
		close(wal.closeC)
	}
	return wal.closeSegments()
}

func (wal *WAL) closeSegments() error {
	var errs []error
	ids := maps.Keys(wal.olderSegments)
	slices.Sort(ids)
	for _, id := range ids {
		errs = append(errs, wal.olderSegments[id].Close())
	}
	wal.olderSegments = nil
	if wal.activeSegment != nil {
		errs = append(errs, wal.activeSegment.Close())
		wal.activeSegment = nil
	}
	wal.positions = nil
	return errors.Join(errs...)
}

// Delete 关闭并删除所有段文件
func (wal *WAL) Delete() error {
	if err := wal.Close(); err != nil {
		return err
	}
	return os.RemoveAll(wal.options.DirPath)
}

func (wal *WAL) Sync() error {
	wal.mu.Lock()
	defer wal.mu.Unlock()
	if wal.activeSegment == nil {
		return nil
	}
	return wal.activeSegment.Sync()
}
