// Package protocol defines the WebSocket messages exchanged between a
// recording client and the relay.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Client → relay
	TypeAudioData     MessageType = "audio_data"     // One chunk of samples
	TypeStopRecording MessageType = "stop_recording" // Flush the current utterance

	// Relay → client
	TypeReceiveAudio MessageType = "receive_audio" // Pass result
	TypeError        MessageType = "error"         // Pass failure

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = sonic.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into v. Missing data leaves v untouched.
func (m *Message) ParseData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return sonic.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return sonic.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// ReceiveAudioData is the successful result of one utterance.
type ReceiveAudioData struct {
	AudioURL      string `json:"audioUrl"`
	Transcription string `json:"transcription"`
	Response      string `json:"response"`
}

// ErrorData reports a failed utterance. Message is generic; Stage names the
// step that failed.
type ErrorData struct {
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
