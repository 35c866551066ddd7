// Package isolation defines the tenant+agent scope that partitions every
// request, cached client, and usage record in the scheduler. Tenant and agent
// are mandatory; channel and conversation refine the scope for correlation
// but never change ownership of quota or clients.
package isolation

import (
	"strings"

	"github.com/tcmofashi/MaiMBot/types"
)

// Scope is an immutable four-part isolation key. Two scopes with identical
// fields are interchangeable map keys; the zero value is invalid.
type Scope struct {
	TenantID       string `json:"tenant_id"`
	AgentID        string `json:"agent_id"`
	Channel        string `json:"channel,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// NewScope builds a tenant+agent scope without channel/conversation
// refinement.
func NewScope(tenantID, agentID string) (Scope, error) {
	return NewFullScope(tenantID, agentID, "", "")
}

// NewFullScope builds a scope with all four parts. TenantID and AgentID must
// be non-empty and must not contain the key separator.
func NewFullScope(tenantID, agentID, channel, conversationID string) (Scope, error) {
	s := Scope{
		TenantID:       tenantID,
		AgentID:        agentID,
		Channel:        channel,
		ConversationID: conversationID,
	}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

// Validate checks the scope invariants.
func (s Scope) Validate() error {
	if s.TenantID == "" {
		return types.NewError(types.ErrValidation, "tenant_id must not be empty")
	}
	if s.AgentID == "" {
		return types.NewError(types.ErrValidation, "agent_id must not be empty")
	}
	for _, part := range []string{s.TenantID, s.AgentID, s.Channel, s.ConversationID} {
		if strings.Contains(part, ":") {
			return types.NewErrorf(types.ErrValidation, "scope part %q must not contain ':'", part)
		}
	}
	return nil
}

// ScopeKey returns the stable "tenant:agent" key used to index quota
// counters and cached clients.
func (s Scope) ScopeKey() string {
	return s.TenantID + ":" + s.AgentID
}

// FullKey returns all four parts colon-joined, omitting trailing empty
// parts. Used for log and trace correlation, never for resource ownership.
func (s Scope) FullKey() string {
	parts := []string{s.TenantID, s.AgentID}
	if s.Channel != "" || s.ConversationID != "" {
		parts = append(parts, s.Channel)
	}
	if s.ConversationID != "" {
		parts = append(parts, s.ConversationID)
	}
	return strings.Join(parts, ":")
}

// String implements fmt.Stringer.
func (s Scope) String() string { return s.FullKey() }

// WithConversation derives a conversation-scoped copy of s.
func (s Scope) WithConversation(channel, conversationID string) Scope {
	s.Channel = channel
	s.ConversationID = conversationID
	return s
}

// ParseScope parses a FullKey-formatted string back into a Scope.
func ParseScope(key string) (Scope, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 2 {
		return Scope{}, types.NewErrorf(types.ErrValidation, "scope key %q needs at least tenant:agent", key)
	}
	s := Scope{TenantID: parts[0], AgentID: parts[1]}
	if len(parts) > 2 {
		s.Channel = parts[2]
	}
	if len(parts) > 3 {
		s.ConversationID = parts[3]
	}
	if len(parts) > 4 {
		return Scope{}, types.NewErrorf(types.ErrValidation, "scope key %q has too many parts", key)
	}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}
