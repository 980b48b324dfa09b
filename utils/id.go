package utils

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	idNode     *snowflake.Node
	idNodeOnce sync.Once
)

// NextID 生成会话id，只用于日志关联，不参与任何确定性的状态
func NextID() snowflake.ID {
	idNodeOnce.Do(func() {
		node, err := snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
		idNode = node
	})
	return idNode.Generate()
}
