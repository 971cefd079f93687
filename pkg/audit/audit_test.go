package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/osprey/pkg/audit"
)

func TestLogger_Record_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Record(context.Background(), audit.EventIntake, "caller-1", "reject", "req-42",
		map[string]any{"error_code": "INVALID_ENVELOPE"})
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	jsonPart := strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))
	var event audit.Event
	err = json.Unmarshal([]byte(jsonPart), &event)
	require.NoError(t, err)

	assert.Equal(t, audit.EventIntake, event.Type)
	assert.Equal(t, "caller-1", event.Caller)
	assert.Equal(t, "reject", event.Action)
	assert.Equal(t, "req-42", event.Resource)
	assert.Equal(t, "INVALID_ENVELOPE", event.Metadata["error_code"])
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestLogger_Record_UnknownCallerBecomesSystem(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Record(context.Background(), audit.EventSystem, "", "startup", "plane", nil)
	require.NoError(t, err)

	var event audit.Event
	jsonPart := strings.TrimSpace(strings.TrimPrefix(buf.String(), "AUDIT: "))
	require.NoError(t, json.Unmarshal([]byte(jsonPart), &event))
	assert.Equal(t, "system", event.Caller)
}

func TestLogger_Record_EventsAreNewlineDelimited(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	require.NoError(t, logger.Record(context.Background(), audit.EventMutation, "root", "register", "weather.lookup", nil))
	require.NoError(t, logger.Record(context.Background(), audit.EventMutation, "root", "revoke", "weather.lookup", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
}
