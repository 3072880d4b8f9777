package kanban

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/bosun/internal/models"
)

func sampleState() models.SharedState {
	return models.SharedState{
		OwnerID:        "orchestrator-1",
		AttemptToken:   "4f9f24a3-0000-1111-2222-333344445555",
		AttemptStarted: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		Heartbeat:      time.Date(2026, 6, 1, 12, 5, 0, 0, time.UTC),
		RetryCount:     2,
		IgnoreReason:   "",
	}
}

func TestSharedStateJSONRoundTrip(t *testing.T) {
	state := sampleState()
	data, err := EncodeSharedState(state)
	require.NoError(t, err)

	decoded, err := DecodeSharedState(data)
	require.NoError(t, err)
	assert.Equal(t, state, *decoded)
}

func TestSharedStateTypedFieldsRoundTrip(t *testing.T) {
	state := sampleState()
	fields := SharedStateFields(state)

	assert.Equal(t, "orchestrator-1", fields["ownerId"])
	assert.Equal(t, "2", fields["retryCount"])
	assert.Equal(t, "2026-06-01T12:00:00Z", fields["attemptStarted"])

	rebuilt := SharedStateFromFields(fields)
	assert.Equal(t, state, *rebuilt)
}

func TestSharedStateFromFieldsTolerant(t *testing.T) {
	rebuilt := SharedStateFromFields(map[string]string{
		"ownerId":    "x",
		"retryCount": "not-a-number",
	})
	assert.Equal(t, "x", rebuilt.OwnerID)
	assert.Zero(t, rebuilt.RetryCount)
	assert.True(t, rebuilt.AttemptStarted.IsZero())
}

func TestSharedStateBlockRoundTrip(t *testing.T) {
	state := sampleState()
	block, err := RenderSharedStateBlock(state)
	require.NoError(t, err)

	body := "Work notes.\n\n" + block + "\n\nMore discussion below.\n"
	extracted := ExtractSharedStateBlock([]byte(body))
	require.NotNil(t, extracted)
	assert.Equal(t, state, *extracted)
}

func TestExtractSharedStateBlockLastWins(t *testing.T) {
	first := sampleState()
	second := sampleState()
	second.RetryCount = 9

	b1, err := RenderSharedStateBlock(first)
	require.NoError(t, err)
	b2, err := RenderSharedStateBlock(second)
	require.NoError(t, err)

	extracted := ExtractSharedStateBlock([]byte(b1 + "\n\n" + b2))
	require.NotNil(t, extracted)
	assert.Equal(t, 9, extracted.RetryCount)
}

func TestExtractSharedStateBlockAbsent(t *testing.T) {
	assert.Nil(t, ExtractSharedStateBlock([]byte("just a description\n\n```go\ncode\n```")))
	assert.Nil(t, ExtractSharedStateBlock([]byte("```bosun-state\nnot json\n```")))
	assert.Nil(t, ExtractSharedStateBlock(nil))
}
