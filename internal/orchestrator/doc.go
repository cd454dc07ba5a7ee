// Package orchestrator 按 initialize → plan → route → execute → aggregate → complete
// 的固定顺序驱动一次编排，并把任何失败转换为带阶段与失败模式的 *Failure。
package orchestrator
