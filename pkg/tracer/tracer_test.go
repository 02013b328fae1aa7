package tracer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLine_Latency(t *testing.T) {
	e, err := ParseLine("LAT 1234 5600")
	require.NoError(t, err)
	require.Equal(t, EventLatency, e.Type)
	require.Equal(t, 1234, e.PID)
	require.Equal(t, int64(5600), e.LatencyMicros)
}

func TestParseLine_Conn(t *testing.T) {
	e, err := ParseLine("CONN 42 ::ffff:10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, EventConn, e.Type)
	require.Equal(t, "10.0.0.5", e.DestAddr)
}

func TestParseLine_Error(t *testing.T) {
	e, err := ParseLine("ERR 99 -32")
	require.NoError(t, err)
	require.Equal(t, EventError, e.Type)
	require.Equal(t, 99, e.PID)
}

func TestParseLine_TooFewFields(t *testing.T) {
	_, err := ParseLine("LAT 1234")
	require.Error(t, err)
}

func TestParseLine_UnknownType(t *testing.T) {
	_, err := ParseLine("FOO 1 2")
	require.Error(t, err)
}

func TestParseLine_BadPID(t *testing.T) {
	_, err := ParseLine("LAT notanumber 123")
	require.Error(t, err)
}
