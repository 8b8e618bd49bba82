package eventstream

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, input string) []Event {
	t.Helper()
	sc := NewScanner(strings.NewReader(input))
	var out []Event
	for sc.Next() {
		out = append(out, sc.Event())
	}
	require.NoError(t, sc.Err())
	return out
}

func TestScannerBasic(t *testing.T) {
	events := collect(t, "data: {\"phase\":\"waiting\"}\n\ndata: {\"phase\":\"ready\"}\n\n")
	require.Len(t, events, 2)
	require.Equal(t, `{"phase":"waiting"}`, events[0].Data)
	require.Equal(t, `{"phase":"ready"}`, events[1].Data)
}

func TestScannerMultilineAndFields(t *testing.T) {
	events := collect(t, ": keepalive\r\nevent: log\r\nid: 7\r\nretry: 250\r\ndata: a\r\ndata:b\r\n\r\n")
	require.Len(t, events, 1)
	require.Equal(t, "log", events[0].Type)
	require.Equal(t, "a\nb", events[0].Data)
	require.Equal(t, "7", events[0].ID)
	require.Equal(t, 250*time.Millisecond, events[0].Retry)
}

func TestScannerFinalEventWithoutBlankLine(t *testing.T) {
	events := collect(t, "data: one\n\ndata: two")
	require.Len(t, events, 2)
	require.Equal(t, "two", events[1].Data)
}

func TestScannerSkipsEmptyBlocks(t *testing.T) {
	events := collect(t, "\n\nevent: ignored\n\n: comment\n\ndata: x\n\n")
	require.Len(t, events, 1)
	require.Equal(t, "", events[0].Type)
	require.Equal(t, "x", events[0].Data)
}

func TestScannerInvalidRetryIgnored(t *testing.T) {
	events := collect(t, "retry: soon\ndata: x\n\n")
	require.Len(t, events, 1)
	require.Zero(t, events[0].Retry)
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestScannerReadError(t *testing.T) {
	boom := errors.New("boom")
	sc := NewScanner(io.MultiReader(strings.NewReader("data: x\n\n"), failingReader{boom}))
	require.True(t, sc.Next())
	require.False(t, sc.Next())
	require.ErrorIs(t, sc.Err(), boom)
}
