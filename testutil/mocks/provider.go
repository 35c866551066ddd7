// Package mocks provides test doubles for the LLM provider boundary.
package mocks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tcmofashi/MaiMBot/isolation"
	"github.com/tcmofashi/MaiMBot/llm"
	"github.com/tcmofashi/MaiMBot/types"
)

// ScriptedClient is a provider stub. Errs are consumed in order, one per
// invoke; nil or exhausted entries mean success. When Block is set, Invoke
// parks until the channel closes or the context ends (unless IgnoreCancel).
type ScriptedClient struct {
	Errs         []error
	Tokens       int
	Cost         float64
	Block        chan struct{}
	IgnoreCancel bool

	mu      sync.Mutex
	invoked []string
	calls   int32
}

// Invoke implements llm.Client.
func (c *ScriptedClient) Invoke(ctx context.Context, payload any) (*llm.Result, error) {
	atomic.AddInt32(&c.calls, 1)
	c.mu.Lock()
	if s, ok := payload.(string); ok {
		c.invoked = append(c.invoked, s)
	}
	var err error
	if len(c.Errs) > 0 {
		err = c.Errs[0]
		c.Errs = c.Errs[1:]
	}
	block := c.Block
	tokens, cost := c.Tokens, c.Cost
	c.mu.Unlock()

	if block != nil {
		if c.IgnoreCancel {
			<-block
		} else {
			select {
			case <-ctx.Done():
				return nil, types.NewError(types.ErrProviderTransient, "call aborted").
					WithCause(ctx.Err())
			case <-block:
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if tokens <= 0 {
		tokens = 10
	}
	return &llm.Result{
		Output: payload,
		Usage: types.TokenUsage{
			PromptTokens:     tokens / 2,
			CompletionTokens: tokens - tokens/2,
			TotalTokens:      tokens,
		},
		Cost:  cost,
		Model: "gpt-4o-mini",
	}, nil
}

// Calls returns the number of Invoke calls so far.
func (c *ScriptedClient) Calls() int32 { return atomic.LoadInt32(&c.calls) }

// Order returns the string payloads in dispatch order.
func (c *ScriptedClient) Order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.invoked))
	copy(out, c.invoked)
	return out
}

// StaticResolver resolves every scope to the same model configuration.
type StaticResolver struct {
	Cfg llm.ModelConfig
	Err error
}

// ResolveModelConfig implements llm.ConfigResolver.
func (r StaticResolver) ResolveModelConfig(_ context.Context, _ isolation.Scope) (llm.ModelConfig, error) {
	return r.Cfg, r.Err
}

// Factory returns a ClientFactory that always hands out the given client.
func Factory(client llm.Client) llm.ClientFactory {
	return llm.ClientFactoryFunc(func(_ context.Context, _ isolation.Scope, _ llm.ModelConfig) (llm.Client, error) {
		return client, nil
	})
}

// RecordingStore captures usage deltas handed to the quota manager.
type RecordingStore struct {
	mu     sync.Mutex
	deltas []types.UsageDelta
}

// PersistUsageDelta implements quota.UsageStore.
func (s *RecordingStore) PersistUsageDelta(_ context.Context, delta types.UsageDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, delta)
	return nil
}

// Deltas returns a copy of the captured deltas.
func (s *RecordingStore) Deltas() []types.UsageDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.UsageDelta, len(s.deltas))
	copy(out, s.deltas)
	return out
}
