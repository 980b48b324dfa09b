package utils

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorAt 给底层IO错误附加调用位置，errors.Is 仍然可以匹配原始错误
func ErrorAt(err error) error {
	if err == nil {
		return nil
	}
	// skip=1 跳过当前函数
	_, file, line, _ := runtime.Caller(1)
	return errors.Join(err, fmt.Errorf(" [at %s:%d]", file, line))
}
