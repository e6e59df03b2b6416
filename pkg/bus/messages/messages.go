// Package messages defines the JSON payloads exchanged with the intent
// engine over the bus.
package messages

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ClientRequest is the unit of work published to the input topic after a
// successful transcription. ID is the sole correlation key for the reply.
type ClientRequest struct {
	ID          uuid.UUID `json:"id"`
	Text        string    `json:"text"`
	Room        string    `json:"room"`
	OutputTopic string    `json:"output_topic"`
}

// NewClientRequest builds a request with a fresh correlation identifier.
func NewClientRequest(text, room, outputTopic string) ClientRequest {
	return ClientRequest{
		ID:          uuid.New(),
		Text:        text,
		Room:        room,
		OutputTopic: outputTopic,
	}
}

// Encode marshals the request for publishing.
func (r ClientRequest) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode client request: %w", err)
	}
	return data, nil
}

// Alert describes optional playback hints attached to a reply.
type Alert struct {
	PlayBefore bool `json:"play_before"`
}

// Response is a reply or broadcast consumed from the bus. A nil ID marks a
// broadcast-class message addressed by topic alone.
type Response struct {
	ID    *uuid.UUID `json:"id,omitempty"`
	Text  string     `json:"text"`
	Alert *Alert     `json:"alert,omitempty"`
}

// IsBroadcast reports whether the response carries no correlation identifier.
func (r Response) IsBroadcast() bool {
	return r.ID == nil
}

// DecodeResponse parses a bus payload. Payloads that are not valid response
// JSON, or that carry no speakable text, are rejected.
func DecodeResponse(payload []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return Response{}, fmt.Errorf("decode response: empty text")
	}
	return resp, nil
}
