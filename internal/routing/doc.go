// Package routing 为计划步骤挑选执行者。
//
// 策略集合是封闭的：round_robin、capability、load_balanced，由 NewPolicy 按名称构造。
// 共享游标与负载计数都属于显式持有的实例，不存在包级可变状态。
package routing
