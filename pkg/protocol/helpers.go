package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrorMessage is the client-facing text of every failure notification.
const ErrorMessage = "Error processing audio"

// ErrOddFrame is returned for a binary frame that is not whole float32s.
var ErrOddFrame = errors.New("protocol: binary frame length not a multiple of 4")

// NewReceiveAudioMessage creates the result message for one utterance
func NewReceiveAudioMessage(audioURL, transcription, response string) (*Message, error) {
	return NewMessage(TypeReceiveAudio, ReceiveAudioData{
		AudioURL:      audioURL,
		Transcription: transcription,
		Response:      response,
	})
}

// NewErrorMessage creates a failure message for the named stage
func NewErrorMessage(stage string) (*Message, error) {
	return NewMessage(TypeError, ErrorData{
		Message: ErrorMessage,
		Stage:   stage,
	})
}

// NewAudioDataMessage creates an audio chunk message
func NewAudioDataMessage(samples []float64) (*Message, error) {
	if samples == nil {
		samples = []float64{}
	}
	return NewMessage(TypeAudioData, samples)
}

// NewStopRecordingMessage creates a stop message
func NewStopRecordingMessage() (*Message, error) {
	return NewMessage(TypeStopRecording, nil)
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// GetSamples extracts the sample chunk of an audio_data message.
// A message without data is an empty chunk.
func (m *Message) GetSamples() ([]float64, error) {
	var samples []float64
	if err := m.ParseData(&samples); err != nil {
		return nil, fmt.Errorf("invalid audio_data payload: %w", err)
	}
	return samples, nil
}

// GetReceiveAudioData extracts the result of a receive_audio message
func (m *Message) GetReceiveAudioData() (*ReceiveAudioData, error) {
	var data ReceiveAudioData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetErrorData extracts the payload of an error message
func (m *Message) GetErrorData() (*ErrorData, error) {
	var data ErrorData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DecodeFloat32Frame converts a binary frame of little-endian float32
// samples into a chunk.
func DecodeFloat32Frame(frame []byte) ([]float64, error) {
	if len(frame)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddFrame, len(frame))
	}
	samples := make([]float64, len(frame)/4)
	for i := range samples {
		samples[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(frame[i*4:])))
	}
	return samples, nil
}

// EncodeFloat32Frame is the inverse of DecodeFloat32Frame.
func EncodeFloat32Frame(samples []float64) []byte {
	frame := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(frame[i*4:], math.Float32bits(float32(s)))
	}
	return frame
}
