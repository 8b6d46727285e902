package widget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAppliesDefaults(t *testing.T) {
	s := NewInMemoryStore()
	cfg, err := s.Create(context.Background(), CreateParams{APIKey: "key-1", AgentID: "agent-1"})
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.ID)
	assert.Equal(t, PositionBottomRight, cfg.Position)
	assert.Equal(t, DefaultPrimaryColor, cfg.PrimaryColor)
	assert.Equal(t, SizeMedium, cfg.ButtonSize)
	assert.True(t, cfg.Enabled)
	assert.Empty(t, cfg.Domain)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		params CreateParams
		want   error
	}{
		{"missing api key", CreateParams{AgentID: "a"}, ErrAPIKeyRequired},
		{"missing agent", CreateParams{APIKey: "k"}, ErrAgentIDRequired},
		{"bad position", CreateParams{APIKey: "k", AgentID: "a", Position: "center"}, ErrInvalidPosition},
		{"bad size", CreateParams{APIKey: "k", AgentID: "a", ButtonSize: "huge"}, ErrInvalidSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewInMemoryStore().Create(context.Background(), tt.params)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGetByAPIKeyReturnsFirstRegistration(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	first, err := s.Create(ctx, CreateParams{APIKey: "shared", AgentID: "agent-1"})
	require.NoError(t, err)
	_, err = s.Create(ctx, CreateParams{APIKey: "shared", AgentID: "agent-2"})
	require.NoError(t, err)

	got, err := s.GetByAPIKey(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "agent-1", got.AgentID)
}

func TestLookupsSignalAbsence(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByAPIKey(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}
