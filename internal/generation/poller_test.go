package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gelotto/imagegen-client/internal/models"
	"github.com/Gelotto/imagegen-client/internal/testutil"
)

const waitTimeout = 2 * time.Second

// eventRecorder collects poll events
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestPoller(backend *testutil.MockBackend) (*Poller, *clock.Mock) {
	mock := clock.NewMock()
	return NewPoller(backend, WithPollClock(mock)), mock
}

// tick advances one interval and waits for the resulting status query
func tick(t *testing.T, mock *clock.Mock, backend *testutil.MockBackend, wantCalls int) {
	t.Helper()
	mock.Add(DefaultPollInterval)
	testutil.WaitForCallCount(t, backend.GetStatusCalls, wantCalls, waitTimeout, "status")
}

// TestPoller_ReachesCompleted tests a queued, processing, completed sequence
func TestPoller_ReachesCompleted(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.Script("abc123",
		testutil.Step(testutil.QueuedStatus("abc123")),
		testutil.Step(testutil.ProcessingStatus("abc123", 40)),
		testutil.Step(testutil.CompletedStatus("abc123", "/img/abc123.png")),
	)
	p, mock := newTestPoller(backend)
	defer p.Close()

	rec := &eventRecorder{}
	h, err := p.Start("abc123", rec.record)
	require.NoError(t, err)
	assert.True(t, p.Active("abc123"))

	tick(t, mock, backend, 1)
	testutil.WaitForCondition(t, func() bool { return rec.count() == 1 }, waitTimeout, "queued event")
	tick(t, mock, backend, 2)
	testutil.WaitForCondition(t, func() bool { return rec.count() == 2 }, waitTimeout, "processing event")
	tick(t, mock, backend, 3)
	testutil.WaitForCondition(t, func() bool { return rec.count() == 3 }, waitTimeout, "completed event")

	events := rec.all()
	assert.Equal(t, EventQueued, events[0].Kind)
	assert.Equal(t, EventProcessing, events[1].Kind)
	require.NotNil(t, events[1].Progress)
	assert.Equal(t, 40.0, *events[1].Progress)
	assert.Equal(t, EventCompleted, events[2].Kind)
	assert.Equal(t, "/img/abc123.png", events[2].ImageURL)

	<-h.Done()
	assert.False(t, p.Active("abc123"))

	// no further queries once terminal
	mock.Add(10 * DefaultPollInterval)
	testutil.Consistently(t, func() bool { return backend.GetStatusCalls() == 3 }, 50*time.Millisecond, "no queries after completion")
	assert.Equal(t, 3, rec.count())
}

// TestPoller_FirstQueryAfterInterval tests that nothing is queried before the first interval
func TestPoller_FirstQueryAfterInterval(t *testing.T) {
	backend := testutil.NewMockBackend()
	p, mock := newTestPoller(backend)
	defer p.Close()

	_, err := p.Start("abc123", func(Event) {})
	require.NoError(t, err)

	mock.Add(DefaultPollInterval - time.Millisecond)
	testutil.Consistently(t, func() bool { return backend.GetStatusCalls() == 0 }, 30*time.Millisecond, "no early query")

	mock.Add(time.Millisecond)
	testutil.WaitForCallCount(t, backend.GetStatusCalls, 1, waitTimeout, "status")
}

// TestPoller_Timeout tests the overall deadline
func TestPoller_Timeout(t *testing.T) {
	backend := testutil.NewMockBackend()
	p, mock := newTestPoller(backend)
	defer p.Close()

	rec := &eventRecorder{}
	start := mock.Now()
	h, err := p.Start("slow", rec.record)
	require.NoError(t, err)
	assert.Equal(t, start.Add(DefaultPollTimeout), h.Deadline())

	mock.Add(DefaultPollTimeout)

	testutil.WaitForCondition(t, func() bool {
		events := rec.all()
		return len(events) > 0 && events[len(events)-1].Kind == EventFailed
	}, waitTimeout, "timeout event")
	<-h.Done()

	events := rec.all()
	last := events[len(events)-1]
	require.NotNil(t, last.Err)
	assert.Equal(t, PollTimeout, last.Err.Kind)
	assert.Equal(t, "generation timed out", last.Err.Reason)
	assert.Equal(t, "slow", last.RequestID)
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, EventQueued, ev.Kind)
	}
	assert.False(t, p.Active("slow"))

	calls := backend.GetStatusCalls()
	mock.Add(time.Minute)
	testutil.Consistently(t, func() bool { return backend.GetStatusCalls() == calls }, 50*time.Millisecond, "no queries after timeout")
	assert.Len(t, rec.all(), len(events))
}

// TestPoller_CustomIntervalAndTimeout tests poller options
func TestPoller_CustomIntervalAndTimeout(t *testing.T) {
	backend := testutil.NewMockBackend()
	mock := clock.NewMock()
	p := NewPoller(backend, WithPollClock(mock), WithInterval(500*time.Millisecond), WithTimeout(3*time.Second))
	defer p.Close()

	rec := &eventRecorder{}
	h, err := p.Start("abc", rec.record)
	require.NoError(t, err)
	assert.Equal(t, mock.Now().Add(3*time.Second), h.Deadline())

	mock.Add(500 * time.Millisecond)
	testutil.WaitForCallCount(t, backend.GetStatusCalls, 1, waitTimeout, "status")

	mock.Add(3 * time.Second)
	<-h.Done()
	testutil.WaitForCondition(t, func() bool {
		events := rec.all()
		if len(events) == 0 {
			return false
		}
		last := events[len(events)-1]
		return last.Kind == EventFailed && last.Err.Kind == PollTimeout
	}, waitTimeout, "timeout event")
}

// TestPoller_TerminalFailures tests each failure classification
func TestPoller_TerminalFailures(t *testing.T) {
	tests := []struct {
		name       string
		step       testutil.StatusStep
		wantKind   PollErrorKind
		wantReason string
	}{
		{
			name:       "server error with reason",
			step:       testutil.Step(testutil.FailedStatus("abc", "CUDA out of memory")),
			wantKind:   PollServerReportedFailure,
			wantReason: "CUDA out of memory",
		},
		{
			name:       "server error without reason",
			step:       testutil.Step(testutil.FailedStatus("abc", "")),
			wantKind:   PollServerReportedFailure,
			wantReason: "generation failed",
		},
		{
			name:       "transport failure",
			step:       testutil.ErrStep(errors.New("connection refused")),
			wantKind:   PollTransportFailure,
			wantReason: "failed to check generation status",
		},
		{
			name:       "malformed body",
			step:       testutil.ErrStep(testutil.MalformedStatusError("abc")),
			wantKind:   PollMalformedResponse,
			wantReason: "invalid generation status response",
		},
		{
			name:       "completed without image",
			step:       testutil.Step(testutil.CompletedStatus("abc", "")),
			wantKind:   PollMalformedResponse,
			wantReason: "generation completed without an image",
		},
		{
			name:       "unknown status",
			step:       testutil.Step(&models.StatusResponse{RequestID: "abc", Status: "cancelled"}),
			wantKind:   PollMalformedResponse,
			wantReason: "invalid generation status response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := testutil.NewMockBackend()
			backend.Script("abc", tt.step)
			p, mock := newTestPoller(backend)
			defer p.Close()

			rec := &eventRecorder{}
			h, err := p.Start("abc", rec.record)
			require.NoError(t, err)

			tick(t, mock, backend, 1)
			<-h.Done()

			events := rec.all()
			require.Len(t, events, 1)
			assert.Equal(t, EventFailed, events[0].Kind)
			require.NotNil(t, events[0].Err)
			assert.Equal(t, tt.wantKind, events[0].Err.Kind)
			assert.Equal(t, tt.wantReason, events[0].Err.Reason)

			mock.Add(5 * DefaultPollInterval)
			testutil.Consistently(t, func() bool { return backend.GetStatusCalls() == 1 }, 30*time.Millisecond, "single query")
		})
	}
}

// TestPoller_DiscardsOtherRequestIDs tests that a response for another id is ignored
func TestPoller_DiscardsOtherRequestIDs(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.Script("mine",
		testutil.Step(testutil.CompletedStatus("theirs", "/img/theirs.png")),
		testutil.Step(testutil.CompletedStatus("mine", "/img/mine.png")),
	)
	p, mock := newTestPoller(backend)
	defer p.Close()

	rec := &eventRecorder{}
	h, err := p.Start("mine", rec.record)
	require.NoError(t, err)

	tick(t, mock, backend, 1)
	testutil.Consistently(t, func() bool { return rec.count() == 0 }, 30*time.Millisecond, "foreign response discarded")
	assert.True(t, p.Active("mine"))

	tick(t, mock, backend, 2)
	<-h.Done()

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, "mine", events[0].RequestID)
	assert.Equal(t, "/img/mine.png", events[0].ImageURL)
}

// TestPoller_Cancel tests that a cancelled session stops querying
func TestPoller_Cancel(t *testing.T) {
	backend := testutil.NewMockBackend()
	p, mock := newTestPoller(backend)
	defer p.Close()

	rec := &eventRecorder{}
	h, err := p.Start("abc", rec.record)
	require.NoError(t, err)

	tick(t, mock, backend, 1)
	testutil.WaitForCondition(t, func() bool { return rec.count() == 1 }, waitTimeout, "first event")

	p.Cancel(h)
	p.Cancel(h)
	<-h.Done()
	assert.False(t, p.Active("abc"))

	mock.Add(DefaultPollTimeout)
	testutil.Consistently(t, func() bool { return backend.GetStatusCalls() == 1 }, 50*time.Millisecond, "no queries after cancel")
	assert.Equal(t, 1, rec.count(), "cancel must not produce a timeout event")
}

// TestPoller_CancelDiscardsInFlightResponse tests a response that lands after cancel
func TestPoller_CancelDiscardsInFlightResponse(t *testing.T) {
	backend := testutil.NewMockBackend()
	started := make(chan struct{})
	release := make(chan struct{})
	backend.StatusFunc = func(ctx context.Context, requestID string) (*models.StatusResponse, error) {
		close(started)
		<-release
		return testutil.CompletedStatus(requestID, "/img/late.png"), nil
	}
	p, mock := newTestPoller(backend)
	defer p.Close()

	rec := &eventRecorder{}
	h, err := p.Start("abc", rec.record)
	require.NoError(t, err)

	mock.Add(DefaultPollInterval)
	<-started
	p.Cancel(h)
	close(release)

	<-h.Done()
	assert.Equal(t, 0, rec.count())
}

// TestPoller_StartErrors tests Start preconditions
func TestPoller_StartErrors(t *testing.T) {
	backend := testutil.NewMockBackend()
	p, _ := newTestPoller(backend)

	_, err := p.Start("", func(Event) {})
	assert.Error(t, err)

	_, err = p.Start("abc", nil)
	assert.Error(t, err)

	_, err = p.Start("abc", func(Event) {})
	require.NoError(t, err)

	_, err = p.Start("abc", func(Event) {})
	assert.ErrorIs(t, err, ErrSessionExists)

	p.Close()
	_, err = p.Start("def", func(Event) {})
	assert.ErrorIs(t, err, ErrPollerClosed)
}

// TestPoller_RestartAfterTerminal tests that an id can be polled again once its session ended
func TestPoller_RestartAfterTerminal(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.Script("abc", testutil.Step(testutil.CompletedStatus("abc", "/img/a.png")))
	p, mock := newTestPoller(backend)
	defer p.Close()

	h, err := p.Start("abc", func(Event) {})
	require.NoError(t, err)
	tick(t, mock, backend, 1)
	<-h.Done()

	_, err = p.Start("abc", func(Event) {})
	assert.NoError(t, err)
}

// TestPoller_Close tests that Close stops every session
func TestPoller_Close(t *testing.T) {
	backend := testutil.NewMockBackend()
	p, mock := newTestPoller(backend)

	rec := &eventRecorder{}
	h1, err := p.Start("one", rec.record)
	require.NoError(t, err)
	h2, err := p.Start("two", rec.record)
	require.NoError(t, err)

	p.Close()
	<-h1.Done()
	<-h2.Done()

	mock.Add(DefaultPollTimeout)
	testutil.Consistently(t, func() bool { return backend.GetStatusCalls() == 0 }, 30*time.Millisecond, "no queries after close")
	assert.Equal(t, 0, rec.count())
}

// TestPoller_IndependentSessions tests that sessions do not share state
func TestPoller_IndependentSessions(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.Script("one", testutil.Step(testutil.CompletedStatus("one", "/img/one.png")))
	backend.Script("two", testutil.Step(testutil.QueuedStatus("two")))
	p, mock := newTestPoller(backend)
	defer p.Close()

	h1, err := p.Start("one", func(Event) {})
	require.NoError(t, err)
	_, err = p.Start("two", func(Event) {})
	require.NoError(t, err)

	tick(t, mock, backend, 2)
	<-h1.Done()

	assert.False(t, p.Active("one"))
	assert.True(t, p.Active("two"))
}

func TestInterpretStatus(t *testing.T) {
	tests := []struct {
		name     string
		resp     *models.StatusResponse
		wantKind EventKind
		wantID   string
	}{
		{"queued", &models.StatusResponse{RequestID: "a", Status: "queued"}, EventQueued, "a"},
		{"processing", &models.StatusResponse{RequestID: "a", Status: "processing"}, EventProcessing, "a"},
		{"uppercase", &models.StatusResponse{RequestID: "a", Status: " PROCESSING "}, EventProcessing, "a"},
		{"completed", &models.StatusResponse{RequestID: "a", Status: "completed", ImageURL: "/i.png"}, EventCompleted, "a"},
		{"complete alias", &models.StatusResponse{RequestID: "a", Status: "complete", ImageURL: "/i.png"}, EventCompleted, "a"},
		{"failed alias", &models.StatusResponse{RequestID: "a", Status: "failed"}, EventFailed, "a"},
		{"missing id falls back", &models.StatusResponse{Status: "queued"}, EventQueued, "req"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := interpretStatus("req", tt.resp, nil)
			assert.Equal(t, tt.wantKind, ev.Kind)
			assert.Equal(t, tt.wantID, ev.RequestID)
		})
	}
}

func TestInterpretStatus_ErrorMessageField(t *testing.T) {
	ev := interpretStatus("a", &models.StatusResponse{RequestID: "a", Status: "failed", ErrorMessage: "model not loaded"}, nil)
	require.NotNil(t, ev.Err)
	assert.Equal(t, "model not loaded", ev.Err.Reason)
	assert.Equal(t, PollServerReportedFailure, ev.Err.Kind)
}

func TestInterpretStatus_NilResponse(t *testing.T) {
	ev := interpretStatus("a", nil, nil)
	assert.True(t, IsPollKind(ev.Err, PollMalformedResponse))
}
