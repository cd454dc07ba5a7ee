// Package config 加载编排守护进程的 YAML 配置，补全默认值并做启动前校验。
package config
