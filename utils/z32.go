package utils

import "encoding/base32"

// Z32Alphabet z-base-32 字母表
const Z32Alphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

// Z32 z-base-32 编码，用于公钥、邀请码等需要人读写的字节串
// 严格模式: 末尾未使用的比特必须为 0，每个字节串只有一种写法
var Z32 = base32.NewEncoding(Z32Alphabet).WithPadding(base32.NoPadding)
