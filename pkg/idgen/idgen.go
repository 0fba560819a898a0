// Package idgen 基于 snowflake 生成全局唯一 ID
package idgen

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	mu   sync.Mutex
	node *snowflake.Node
)

// Init 设置节点编号（0-1023），多实例部署时每个实例需唯一
func Init(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return fmt.Errorf("init snowflake node %d: %w", nodeID, err)
	}
	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

func current() *snowflake.Node {
	mu.Lock()
	defer mu.Unlock()
	if node == nil {
		// 未初始化时使用节点 1
		node, _ = snowflake.NewNode(1)
	}
	return node
}

// GenID 生成 int64 ID
func GenID() int64 {
	return current().Generate().Int64()
}

// GenIDString 生成带前缀的字符串 ID，例如 INV-1790000000000000000
func GenIDString(prefix string) string {
	id := current().Generate().String()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
