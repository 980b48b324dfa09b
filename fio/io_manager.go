package fio

const DataFilePerm = 0644

// IOManager 抽象IO管理器接口
type IOManager interface {
	Read([]byte, int64) (int, error)
	Write([]byte) (int, error)
	Sync() error               // 表示从内存缓冲区中的数据持久化到磁盘IO
	Truncate(size int64) error // 截断文件尾部写坏的数据
	Close() error
	Size() (int64, error)
}

// NewIOManager 目前只支持标准文件IO
func NewIOManager(fileName string) (IOManager, error) {
	return NewFileIOManager(fileName)
}
