package widget

import (
	"context"
	"errors"
	"time"
)

type Position string

const (
	PositionBottomRight Position = "bottom-right"
	PositionBottomLeft  Position = "bottom-left"
	PositionTopRight    Position = "top-right"
	PositionTopLeft     Position = "top-left"
)

func (p Position) Valid() bool {
	switch p {
	case PositionBottomRight, PositionBottomLeft, PositionTopRight, PositionTopLeft:
		return true
	default:
		return false
	}
}

type ButtonSize string

const (
	SizeSmall  ButtonSize = "small"
	SizeMedium ButtonSize = "medium"
	SizeLarge  ButtonSize = "large"
)

func (s ButtonSize) Valid() bool {
	switch s {
	case SizeSmall, SizeMedium, SizeLarge:
		return true
	default:
		return false
	}
}

const DefaultPrimaryColor = "#2563EB"

var (
	ErrNotFound        = errors.New("widget config not found")
	ErrAPIKeyRequired  = errors.New("apiKey is required")
	ErrAgentIDRequired = errors.New("agentId is required")
	ErrInvalidPosition = errors.New("invalid widget position")
	ErrInvalidSize     = errors.New("invalid widget button size")
)

// Config describes how an embedded widget is displayed and which agent it
// talks to.
type Config struct {
	ID           string     `json:"id"`
	APIKey       string     `json:"apiKey"`
	AgentID      string     `json:"agentId"`
	Position     Position   `json:"position"`
	PrimaryColor string     `json:"primaryColor"`
	ButtonSize   ButtonSize `json:"buttonSize"`
	Enabled      bool       `json:"enabled"`
	Domain       string     `json:"domain,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type CreateParams struct {
	APIKey       string     `json:"apiKey"`
	AgentID      string     `json:"agentId"`
	Position     Position   `json:"position,omitempty"`
	PrimaryColor string     `json:"primaryColor,omitempty"`
	ButtonSize   ButtonSize `json:"buttonSize,omitempty"`
	Domain       string     `json:"domain,omitempty"`
}

// Store registers widget configs. API key uniqueness is not enforced;
// GetByAPIKey returns the earliest registration.
type Store interface {
	Create(ctx context.Context, params CreateParams) (Config, error)
	Get(ctx context.Context, id string) (Config, error)
	GetByAPIKey(ctx context.Context, apiKey string) (Config, error)
	Close() error
}

func (p CreateParams) validate() error {
	switch {
	case p.APIKey == "":
		return ErrAPIKeyRequired
	case p.AgentID == "":
		return ErrAgentIDRequired
	case p.Position != "" && !p.Position.Valid():
		return ErrInvalidPosition
	case p.ButtonSize != "" && !p.ButtonSize.Valid():
		return ErrInvalidSize
	}
	return nil
}

func newConfig(id string, p CreateParams, now time.Time) Config {
	c := Config{
		ID:           id,
		APIKey:       p.APIKey,
		AgentID:      p.AgentID,
		Position:     p.Position,
		PrimaryColor: p.PrimaryColor,
		ButtonSize:   p.ButtonSize,
		Enabled:      true,
		Domain:       p.Domain,
		CreatedAt:    now,
	}
	if c.Position == "" {
		c.Position = PositionBottomRight
	}
	if c.PrimaryColor == "" {
		c.PrimaryColor = DefaultPrimaryColor
	}
	if c.ButtonSize == "" {
		c.ButtonSize = SizeMedium
	}
	return c
}
