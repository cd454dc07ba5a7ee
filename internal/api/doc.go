// Package api 通过 REST 接口暴露编排能力：提交与查询异步作业、读取并校验
// 决策轨迹、以及对挂起的审批请求做出决议。
package api
