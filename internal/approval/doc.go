// Package approval 实现人工审批闸门。
//
// 每个审批请求只会从 PENDING 迁移一次到终态。显式决议与超时由同一把锁串行化，
// 先到者生效，后到者收到 ErrAlreadyResolved。
package approval
