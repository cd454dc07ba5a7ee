// Package planning 管理计划的生命周期状态机与工具预算。
//
// 计划的步骤由外部规划器生成，本包只负责校验、阶段推进以及预算扣减，
// 每一次校验与阶段变更都会写入审计链。
package planning
