// Package protocol defines the satellite websocket wire format: a JSON
// config handshake, bare-string control signals, and binary PCM frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

// Inbound control signals.
const (
	SignalStartCommand  = "START_COMMAND"
	SignalEndCommand    = "END_COMMAND"
	SignalCancelCommand = "CANCEL_COMMAND"
)

// Outbound signals sent to the satellite as text frames.
const (
	SignalAlertDefault = "alert_default"
	SignalErrorBeep    = "error_beep"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientConfig is the first frame a satellite must send: its audio shape and
// the room it serves.
type ClientConfig struct {
	SampleRate     int    `json:"samplerate"`
	InputChannels  int    `json:"input_channels"`
	OutputChannels int    `json:"output_channels"`
	ChunkSize      int    `json:"chunk_size"`
	Room           string `json:"room"`
}

// Signal is a parsed control signal.
type Signal struct {
	Name string
}

// AudioFrame is one binary chunk of s16le microphone audio.
type AudioFrame struct {
	Data []byte
}

// Decode parses one websocket frame. messageType is the gorilla frame type;
// binary frames are audio, text frames are either a control signal or the
// JSON config.
func Decode(messageType int, data []byte) (any, error) {
	switch messageType {
	case websocket.BinaryMessage:
		if len(data) == 0 {
			return nil, badRequest("empty audio frame", "")
		}
		return AudioFrame{Data: data}, nil
	case websocket.TextMessage:
		text := strings.TrimSpace(string(data))
		switch text {
		case SignalStartCommand, SignalEndCommand, SignalCancelCommand:
			return Signal{Name: text}, nil
		}
		if !strings.HasPrefix(text, "{") {
			return nil, unsupported("unknown signal", "signal")
		}
		var cfg ClientConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, badRequest("invalid config frame", "")
		}
		if err := ValidateConfig(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	default:
		return nil, unsupported("unsupported frame type", "")
	}
}

func ValidateConfig(cfg ClientConfig) error {
	if cfg.SampleRate <= 0 {
		return badRequest("config.samplerate must be > 0", "samplerate")
	}
	if cfg.InputChannels <= 0 {
		return badRequest("config.input_channels must be > 0", "input_channels")
	}
	if cfg.OutputChannels <= 0 {
		return badRequest("config.output_channels must be > 0", "output_channels")
	}
	if cfg.ChunkSize <= 0 {
		return badRequest("config.chunk_size must be > 0", "chunk_size")
	}
	if strings.TrimSpace(cfg.Room) == "" {
		return badRequest("config.room is required", "room")
	}
	return nil
}
