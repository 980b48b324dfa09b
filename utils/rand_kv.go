package utils

import (
	"fmt"

	"golang.org/x/exp/rand"
)

var letters = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

// GetTestKey 获取测试使用的key
func GetTestKey(i int) []byte {
	return []byte(fmt.Sprintf("pairkv-key-%09d", i))
}

// RandomValue 生成随机value，用于测试
func RandomValue(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return []byte("pairkv-value-" + string(b))
}
