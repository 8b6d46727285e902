package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeStartSession MessageType = "start_session"
	TypeAudioChunk   MessageType = "audio_chunk"
	TypeEndSession   MessageType = "end_session"
	TypeStateChange  MessageType = "state_change"
	TypeError        MessageType = "error"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message format")
)

// InvalidFormatMessage is the error text clients see for any rejected frame.
const InvalidFormatMessage = "invalid message format"

// ClientMessage is a validated client-originated message.
type ClientMessage interface {
	MessageType() MessageType
	Session() string
}

type StartSession struct {
	SessionID string
	AgentID   string
	Metadata  map[string]any
	Timestamp int64
}

type AudioChunk struct {
	SessionID string
	Audio     []byte
	Timestamp int64
}

type EndSession struct {
	SessionID string
	Timestamp int64
}

func (StartSession) MessageType() MessageType { return TypeStartSession }
func (AudioChunk) MessageType() MessageType   { return TypeAudioChunk }
func (EndSession) MessageType() MessageType   { return TypeEndSession }

func (m StartSession) Session() string { return m.SessionID }
func (m AudioChunk) Session() string   { return m.SessionID }
func (m EndSession) Session() string   { return m.SessionID }

// ServerMessage is the envelope written to clients. Timestamp is stamped in
// unix milliseconds at construction.
type ServerMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      any         `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type StateChangeData struct {
	Status      string `json:"status"`
	SessionID   string `json:"sessionId,omitempty"`
	CallID      string `json:"callId,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
}

func NewStateChange(data StateChangeData, now time.Time) ServerMessage {
	return ServerMessage{
		Type:      TypeStateChange,
		SessionID: data.SessionID,
		Data:      data,
		Timestamp: now.UnixMilli(),
	}
}

func NewError(sessionID, message string, now time.Time) ServerMessage {
	return ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Data:      ErrorData{Message: message},
		Timestamp: now.UnixMilli(),
	}
}

type envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp *float64        `json:"timestamp"`
}

type startSessionData struct {
	AgentID  string         `json:"agentId"`
	Metadata map[string]any `json:"metadata"`
}

type audioChunkData struct {
	AudioData string `json:"audioData"`
}

// ParseClientMessage validates a text frame. Any returned error wraps either
// ErrInvalidMessage or ErrUnsupportedType.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Timestamp == nil {
		return nil, fmt.Errorf("%w: missing timestamp", ErrInvalidMessage)
	}
	// Browsers may send performance.now()-style fractional milliseconds.
	ts := int64(math.Trunc(*env.Timestamp))

	switch env.Type {
	case TypeStartSession:
		var data startSessionData
		if err := decodeData(env.Data, &data); err != nil {
			return nil, err
		}
		if data.AgentID == "" {
			return nil, fmt.Errorf("%w: start_session requires data.agentId", ErrInvalidMessage)
		}
		return StartSession{SessionID: env.SessionID, AgentID: data.AgentID, Metadata: data.Metadata, Timestamp: ts}, nil
	case TypeAudioChunk:
		var data audioChunkData
		if err := decodeData(env.Data, &data); err != nil {
			return nil, err
		}
		audio, err := DecodeAudio(data.AudioData)
		if err != nil {
			return nil, err
		}
		return AudioChunk{SessionID: env.SessionID, Audio: audio, Timestamp: ts}, nil
	case TypeEndSession:
		return EndSession{SessionID: env.SessionID, Timestamp: ts}, nil
	case TypeStateChange, TypeError:
		return nil, fmt.Errorf("%w: %q is server-originated", ErrUnsupportedType, env.Type)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

func decodeData(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: missing data", ErrInvalidMessage)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// DecodeAudio accepts padded or unpadded, standard or URL-safe base64.
func DecodeAudio(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%w: audio_chunk requires data.audioData", ErrInvalidMessage)
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(encoded); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: audioData is not base64", ErrInvalidMessage)
}
