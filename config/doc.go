/*
包 config 提供调度器的统一配置加载。

支持三层来源，优先级从低到高：

 1. 内置默认值（DefaultConfig）。
 2. YAML 配置文件（Loader.WithConfigPath）。
 3. 环境变量覆盖（MAIMBOT_ 前缀，按 env 标签映射）。

加载后通过 Validate 做一致性检查，SchedulerOptions 把文件配置
转换为 scheduler.Options，供入口程序直接装配。
*/
package config
