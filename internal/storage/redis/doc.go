// Package redis 提供共享的 Redis 客户端构造，供任务队列、路由负载计数与审批中继复用。
package redis
