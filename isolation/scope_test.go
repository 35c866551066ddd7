package isolation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmofashi/MaiMBot/types"
)

func TestNewScope_Validation(t *testing.T) {
	tests := []struct {
		name    string
		tenant  string
		agent   string
		wantErr bool
	}{
		{"valid", "acme", "support-bot", false},
		{"empty tenant", "", "support-bot", true},
		{"empty agent", "acme", "", true},
		{"separator in tenant", "ac:me", "bot", true},
		{"separator in agent", "acme", "b:ot", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScope(tt.tenant, tt.agent)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestScope_Keys(t *testing.T) {
	s, err := NewFullScope("acme", "support-bot", "discord", "conv-42")
	require.NoError(t, err)

	assert.Equal(t, "acme:support-bot", s.ScopeKey())
	assert.Equal(t, "acme:support-bot:discord:conv-42", s.FullKey())

	// Channel/conversation never leak into the resource key.
	bare, err := NewScope("acme", "support-bot")
	require.NoError(t, err)
	assert.Equal(t, bare.ScopeKey(), s.ScopeKey())
}

func TestScope_FullKeyOmitsEmptyTail(t *testing.T) {
	s, err := NewScope("acme", "bot")
	require.NoError(t, err)
	assert.Equal(t, "acme:bot", s.FullKey())

	// Conversation without channel keeps a positional placeholder.
	s2 := s.WithConversation("", "conv-1")
	assert.Equal(t, "acme:bot::conv-1", s2.FullKey())
}

func TestScope_ValueEquality(t *testing.T) {
	a, _ := NewFullScope("t", "a", "c", "v")
	b, _ := NewFullScope("t", "a", "c", "v")
	c, _ := NewFullScope("t", "a", "c", "other")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	// Usable as a map key.
	m := map[Scope]int{a: 1}
	m[b]++
	assert.Equal(t, 2, m[a])
	assert.Len(t, m, 1)
}

func TestParseScope_RoundTrip(t *testing.T) {
	for _, key := range []string{
		"acme:bot",
		"acme:bot:discord",
		"acme:bot:discord:conv-9",
	} {
		s, err := ParseScope(key)
		require.NoError(t, err, key)
		assert.Equal(t, key, s.FullKey())
	}
}

func TestParseScope_Invalid(t *testing.T) {
	for _, key := range []string{"", "acme", ":bot", "a:b:c:d:e"} {
		_, err := ParseScope(key)
		assert.Error(t, err, key)
	}
}
