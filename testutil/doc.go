// Package testutil 提供跨包共享的测试辅助：带超时的测试上下文、
// 条件等待，以及 mocks 子包中的 LLM provider 测试替身。
package testutil
