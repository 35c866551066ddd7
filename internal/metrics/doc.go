/*
包 metrics 提供基于 Prometheus 的调度器指标采集能力。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离。

# 主要能力

  - 请求指标：按 tenant/status 统计终态请求数，按 tenant/priority
    记录端到端耗时。
  - 队列指标：各优先级队列深度 Gauge、入队等待耗时 Histogram、
    活跃 worker 数。
  - 用量指标：按 tenant/model 累计 token 消耗与调用成本。
  - 配额指标：配额告警级别转换计数、重试次数、缓存客户端数。
*/
package metrics
