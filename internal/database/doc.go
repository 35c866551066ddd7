// Package database 管理用量数据库的连接池。
//
// 调度器把租户用量落到关系型数据库 (storage.GormStore)，本包负责
// 连接池参数调优与周期性健康检查，不关心表结构本身。
package database
