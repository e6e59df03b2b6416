package messages

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRequestEncode(t *testing.T) {
	req := NewClientRequest("turn on the light", "kitchen", "assistant/kitchen/output")
	require.NotEqual(t, uuid.Nil, req.ID)

	data, err := req.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, req.ID.String(), decoded["id"])
	assert.Equal(t, "turn on the light", decoded["text"])
	assert.Equal(t, "kitchen", decoded["room"])
	assert.Equal(t, "assistant/kitchen/output", decoded["output_topic"])
}

func TestClientRequestIDsAreUnique(t *testing.T) {
	a := NewClientRequest("a", "kitchen", "t")
	b := NewClientRequest("b", "kitchen", "t")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestDecodeResponseCorrelated(t *testing.T) {
	id := uuid.New()
	payload := []byte(`{"id":"` + id.String() + `","text":"done","alert":{"play_before":true}}`)

	resp, err := DecodeResponse(payload)
	require.NoError(t, err)
	require.NotNil(t, resp.ID)
	assert.Equal(t, id, *resp.ID)
	assert.Equal(t, "done", resp.Text)
	assert.False(t, resp.IsBroadcast())
	require.NotNil(t, resp.Alert)
	assert.True(t, resp.Alert.PlayBefore)
}

func TestDecodeResponseBroadcast(t *testing.T) {
	resp, err := DecodeResponse([]byte(`{"text":"dinner is ready"}`))
	require.NoError(t, err)
	assert.Nil(t, resp.ID)
	assert.True(t, resp.IsBroadcast())
	assert.Nil(t, resp.Alert)
}

func TestDecodeResponseRejectsBadPayloads(t *testing.T) {
	cases := map[string]string{
		"invalid json":    `{"text":`,
		"empty text":      `{"text":""}`,
		"whitespace text": `{"text":"   "}`,
		"not an object":   `42`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeResponse([]byte(payload))
			assert.Error(t, err)
		})
	}
}
