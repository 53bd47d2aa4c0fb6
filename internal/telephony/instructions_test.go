package telephony

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBaseAddress(t *testing.T) {
	assert.Equal(t, "https://bridge.example.com", NormalizeBaseAddress("bridge.example.com"))
	assert.Equal(t, "https://bridge.example.com", NormalizeBaseAddress("https://bridge.example.com/"))
	assert.Equal(t, "http://localhost:8080", NormalizeBaseAddress("http://localhost:8080"))
	assert.Equal(t, "https://bridge.example.com", NormalizeBaseAddress("  bridge.example.com  "))
}

func TestInstructionsURL(t *testing.T) {
	got := InstructionsURL("https://bridge.example.com", "abc-123")
	assert.Equal(t, "https://bridge.example.com/call-instructions?sessionId=abc-123", got)
}

func TestMediaStreamURL(t *testing.T) {
	got, err := MediaStreamURL("https://bridge.example.com", "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "wss://bridge.example.com/media-stream?sessionId=abc-123", got)

	got, err = MediaStreamURL("http://localhost:8080/", "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/media-stream?sessionId=abc-123", got)

	_, err = MediaStreamURL("ftp://bridge.example.com", "abc-123")
	assert.Error(t, err)
}

func TestBuildStreamInstructions(t *testing.T) {
	doc, err := BuildStreamInstructions("https://bridge.example.com", "abc-123")
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(doc, "<Stream "), doc)
	assert.Contains(t, doc, "<Response>")
	assert.Contains(t, doc, "<Connect>")
	assert.Contains(t, doc, `url="wss://bridge.example.com/media-stream?sessionId=abc-123"`)
	assert.Contains(t, doc, `name="sessionId"`)
	assert.Contains(t, doc, `value="abc-123"`)
}

func TestIsTerminalStatus(t *testing.T) {
	assert.True(t, IsTerminalStatus(CallStatusCompleted))
	assert.True(t, IsTerminalStatus(CallStatusNoAnswer))
	assert.False(t, IsTerminalStatus(CallStatusRinging))
	assert.False(t, IsTerminalStatus(CallStatusInProgress))
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{Code: 21211, Message: "Invalid 'To' Phone Number"}
	assert.Equal(t, "provider error 21211: Invalid 'To' Phone Number", err.Error())
}
