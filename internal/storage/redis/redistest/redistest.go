// Package redistest 为集成测试提供真实 Redis 连接。
package redistest

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"OpenMCP-Orchestrator/internal/storage/redis"
)

// EnvAddr 指定测试 Redis 的地址。
const EnvAddr = "ORCHESTRATOR_TEST_REDIS"

// Client 在设置了 EnvAddr 时返回真实客户端，否则跳过测试。
func Client(t testing.TB) *goredis.Client {
	t.Helper()
	addr := os.Getenv(EnvAddr)
	if addr == "" {
		t.Skipf("%s 未设置，跳过 Redis 集成测试", EnvAddr)
	}
	client, err := redis.NewClient(context.Background(), redis.Config{Address: addr})
	if err != nil {
		t.Fatalf("连接测试 Redis 失败: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
