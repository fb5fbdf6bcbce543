package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame is one wire message: a JSON object with a mandatory "type" field
// and arbitrary type-specific fields.
type Frame map[string]any

// Frame types built into the gateway.
const (
	TypeConnectionAccepted = "connection.accepted"
	TypeError              = "error"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeAuthLogin          = "auth.login"
	TypeAuthSuccess        = "auth.success"
	TypeAuthRegister       = "auth.register"
	TypeAuthRegistered     = "auth.registered"
	TypeAuthLogout         = "auth.logout"
	TypeAuthLoggedOut      = "auth.logged_out"
	TypeChatMessage        = "chat.message"
	TypeChatAck            = "chat.ack"
	TypeSessionInfo        = "session.info"
	TypeSystemStats        = "system.stats"
)

// Decode parses a raw text payload into a Frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// Encode serializes a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Type returns the frame's type field, or "" if absent or not a string.
func (f Frame) Type() string {
	return f.String("type")
}

// String returns the named field as a string, or "" when missing or of
// another type.
func (f Frame) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Int64 returns the named field as an int64. JSON numbers decode to
// float64, so both representations are accepted.
func (f Frame) Int64(key string) int64 {
	switch v := f[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Now is the timestamp stamped onto outbound frames, in milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// NewError builds an error frame with a stable code.
func NewError(code, message string) Frame {
	return Frame{
		"type":      TypeError,
		"code":      code,
		"message":   message,
		"timestamp": Now(),
	}
}

// NewConnectionAccepted builds the frame sent once after admission.
func NewConnectionAccepted(clientID string) Frame {
	return Frame{
		"type":      TypeConnectionAccepted,
		"clientId":  clientID,
		"timestamp": Now(),
	}
}

// NewPong builds a heartbeat response echoing the original request.
func NewPong(echo Frame) Frame {
	return Frame{
		"type":      TypePong,
		"timestamp": Now(),
		"echo":      echo,
	}
}
