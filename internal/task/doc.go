// Package task 负责异步作业的入队、持久化与消费：Service 接收编排请求，
// Processor 从队列领取作业并驱动编排器执行，失败时保存部分结果以便恢复。
package task
