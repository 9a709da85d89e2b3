package generation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	zapobserver "go.uber.org/zap/zaptest/observer"
)

func TestChannelSink(t *testing.T) {
	s := NewChannelSink(2, nil)

	s.OnTerminal(Request{LocalID: "a", State: StateCompleted})
	s.OnTerminal(Request{LocalID: "b", State: StateError})
	// buffer full, dropped without blocking
	s.OnTerminal(Request{LocalID: "c", State: StateError})

	assert.Equal(t, "a", (<-s.C()).LocalID)
	assert.Equal(t, "b", (<-s.C()).LocalID)

	s.Close()
	s.Close()
	s.OnTerminal(Request{LocalID: "d"})

	_, ok := <-s.C()
	assert.False(t, ok)
}

func TestChannelSink_MinimumBuffer(t *testing.T) {
	s := NewChannelSink(0, zap.NewNop())
	s.OnTerminal(Request{LocalID: "a"})

	select {
	case req := <-s.C():
		assert.Equal(t, "a", req.LocalID)
	case <-time.After(time.Second):
		t.Fatal("expected buffered result")
	}
}

func TestMultiSink(t *testing.T) {
	var got []string
	sink := MultiSink{
		SinkFunc(func(r Request) { got = append(got, "first:"+r.ID) }),
		nil,
		SinkFunc(func(r Request) { got = append(got, "second:"+r.ID) }),
	}

	sink.OnTerminal(Request{ID: "abc123"})
	assert.Equal(t, []string{"first:abc123", "second:abc123"}, got)
}

func TestLogSink(t *testing.T) {
	core, logs := zapobserver.New(zap.InfoLevel)
	sink := LogSink{Logger: zap.New(core)}

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sink.OnTerminal(Request{
		ID:          "abc123",
		State:       StateCompleted,
		ImageURL:    "/img/abc123.png",
		SubmittedAt: start,
		FinishedAt:  start.Add(14 * time.Second),
	})
	sink.OnTerminal(Request{ID: "def456", State: StateError, Reason: "generation timed out"})

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, "generation completed", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/img/abc123.png", fields["image_url"])
	assert.Equal(t, 14*time.Second, fields["elapsed"])

	assert.Equal(t, "generation failed", entries[1].Message)
	assert.Equal(t, "generation timed out", entries[1].ContextMap()["reason"])
}

func TestLogSink_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		LogSink{}.OnTerminal(Request{State: StateCompleted})
	})
}
