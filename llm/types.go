package llm

import (
	"context"

	"github.com/tcmofashi/MaiMBot/isolation"
	"github.com/tcmofashi/MaiMBot/types"
)

// ModelConfig is the per-scope model selection resolved by the configuration
// collaborator: which provider to call, which model, and how to connect.
type ModelConfig struct {
	Provider         string            `json:"provider" yaml:"provider"`
	Model            string            `json:"model" yaml:"model"`
	ConnectionParams map[string]string `json:"connection_params,omitempty" yaml:"connection_params,omitempty"`
}

// ConfigResolver resolves the model configuration for an isolation scope.
// Must be idempotent for a given scope until configuration changes; a change
// is signaled to the registry via Invalidate.
type ConfigResolver interface {
	ResolveModelConfig(ctx context.Context, scope isolation.Scope) (ModelConfig, error)
}

// Result is the outcome of one model call together with its billable usage.
type Result struct {
	Output any              `json:"output"`
	Usage  types.TokenUsage `json:"usage"`
	Cost   float64          `json:"cost"`
	Model  string           `json:"model"`
}

// Client is a cached provider client handle. Invoke must honor the context
// deadline and must be safe for concurrent use; errors must be classified in
// the types.Error taxonomy (PROVIDER_TRANSIENT for retryable failures,
// PROVIDER_TERMINAL otherwise).
type Client interface {
	Invoke(ctx context.Context, payload any) (*Result, error)
}

// ClientFactory builds provider clients. Construction may be expensive
// (connection pools, auth handshakes); the registry caches the result per
// scope so one tenant's credentials are never reused for another.
type ClientFactory interface {
	NewClient(ctx context.Context, scope isolation.Scope, cfg ModelConfig) (Client, error)
}

// ClientFactoryFunc adapts a function to the ClientFactory interface.
type ClientFactoryFunc func(ctx context.Context, scope isolation.Scope, cfg ModelConfig) (Client, error)

// NewClient implements ClientFactory.
func (f ClientFactoryFunc) NewClient(ctx context.Context, scope isolation.Scope, cfg ModelConfig) (Client, error) {
	return f(ctx, scope, cfg)
}
