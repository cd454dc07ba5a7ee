// Package executor 提供通过 HTTP 调用外部工具服务的执行器实现。
package executor
