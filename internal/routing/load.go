package routing

import (
	"context"
	"strconv"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// LoadTracker 记录每个 Worker 的在途任务数。
type LoadTracker interface {
	Acquire(ctx context.Context, workerID string) error
	Release(ctx context.Context, workerID string) error
	Loads(ctx context.Context, workerIDs []string) (map[string]int64, error)
}

// MemoryLoadTracker 是进程内的负载计数器。
type MemoryLoadTracker struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryLoadTracker 创建内存计数器。
func NewMemoryLoadTracker() *MemoryLoadTracker {
	return &MemoryLoadTracker{counts: make(map[string]int64)}
}

// Acquire 实现 LoadTracker。
func (m *MemoryLoadTracker) Acquire(_ context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[workerID]++
	return nil
}

// Release 实现 LoadTracker。计数不会低于 0。
func (m *MemoryLoadTracker) Release(_ context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts[workerID] > 0 {
		m.counts[workerID]--
	}
	return nil
}

// Loads 实现 LoadTracker。
func (m *MemoryLoadTracker) Loads(_ context.Context, workerIDs []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(workerIDs))
	for _, id := range workerIDs {
		out[id] = m.counts[id]
	}
	return out, nil
}

// RedisLoadTracker 把在途计数保存在 Redis hash 中，多个进程共享同一视图。
// 读取是最终一致的，写入由 HINCRBY 原子完成。
type RedisLoadTracker struct {
	client goredis.UniversalClient
	key    string
}

// NewRedisLoadTracker 创建 Redis 计数器，key 为空时使用默认值。
func NewRedisLoadTracker(client goredis.UniversalClient, key string) *RedisLoadTracker {
	if key == "" {
		key = "orchestrator:worker_load"
	}
	return &RedisLoadTracker{client: client, key: key}
}

// Acquire 实现 LoadTracker。
func (r *RedisLoadTracker) Acquire(ctx context.Context, workerID string) error {
	if err := r.client.HIncrBy(ctx, r.key, workerID, 1).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "增加 Worker 负载失败")
	}
	return nil
}

// releaseScript 原子地递减且不低于 0。
var releaseScript = goredis.NewScript(`
local v = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if v < 0 then
  redis.call('HSET', KEYS[1], ARGV[1], 0)
  return 0
end
return v
`)

// Release 实现 LoadTracker。
func (r *RedisLoadTracker) Release(ctx context.Context, workerID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, workerID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "释放 Worker 负载失败")
	}
	return nil
}

// Loads 实现 LoadTracker。
func (r *RedisLoadTracker) Loads(ctx context.Context, workerIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(workerIDs))
	if len(workerIDs) == 0 {
		return out, nil
	}
	values, err := r.client.HMGet(ctx, r.key, workerIDs...).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "读取 Worker 负载失败")
	}
	for i, raw := range values {
		out[workerIDs[i]] = parseCount(raw)
	}
	return out, nil
}

func parseCount(raw any) int64 {
	s, ok := raw.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

var (
	_ LoadTracker = (*MemoryLoadTracker)(nil)
	_ LoadTracker = (*RedisLoadTracker)(nil)
)
