package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTaskRoundTrip verifies that Task marshals and unmarshals without loss.
func TestTaskRoundTrip(t *testing.T) {
	orig := &Task{
		ID: "task-1",
		Status: TaskStatus{
			State:     TaskStateCompleted,
			Timestamp: "2025-01-01T00:00:00Z",
		},
		Metadata: map[string]any{"k": "v"},
	}

	b, err := json.Marshal(orig)
	require.NoError(t, err)

	var decoded Task
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, orig.ID, decoded.ID)
	require.Equal(t, orig.Status.State, decoded.Status.State)
}

// TestMessageFirstText verifies text-part extraction skips non-text parts.
func TestMessageFirstText(t *testing.T) {
	msg := Message{
		Kind: "message",
		Role: "user",
		Parts: []Part{
			{Kind: PartKindData, Data: json.RawMessage(`{"a":1}`)},
			{Kind: PartKindText, Text: "turn on the kitchen lights"},
		},
		MessageID: "m1",
	}
	text, ok := msg.FirstText()
	require.True(t, ok)
	require.Equal(t, "turn on the kitchen lights", text)
}

// TestNewTextMessage verifies the single-part constructor.
func TestNewTextMessage(t *testing.T) {
	msg := NewTextMessage("assistant", "m2", "ctx-1", "Kitchen lights are on.")
	require.Equal(t, "message", msg.Kind)
	require.Len(t, msg.Parts, 1)
	text, ok := msg.FirstText()
	require.True(t, ok)
	require.Equal(t, "Kitchen lights are on.", text)
}
