package generation

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Gelotto/imagegen-client/internal/models"
)

// Backend is the part of the generation API the machine drives
type Backend interface {
	StatusChecker
	Submit(ctx context.Context, payload *models.GenerateRequest) (string, error)
}

// Machine is the authoritative state of one generation slot. Every change to
// the request goes through it; user commands and poll events are applied one
// at a time under its lock.
//
// Observers and the result sink are called after the lock is released, one
// notification at a time and in transition order, so they may call back into
// the machine.
type Machine struct {
	backend    Backend
	poller     *Poller
	ownsPoller bool
	pollerOpts []PollerOption
	sink       ResultSink
	clock      clock.Clock
	logger     *zap.Logger
	sessionID  string

	mu        sync.Mutex
	req       Request
	poll      *PollHandle
	observers []observer
	nextObs   int
	closed    bool
	pending   []notification
	flushing  bool
}

type observer struct {
	id int
	fn func(Transition)
}

type notification struct {
	transition Transition
	terminal   *Request
}

// Option configures a Machine
type Option func(*Machine)

// WithPoller makes the machine use an existing poller instead of its own
func WithPoller(p *Poller) Option {
	return func(m *Machine) {
		m.poller = p
	}
}

// WithPollerOptions configures the poller the machine creates for itself
func WithPollerOptions(opts ...PollerOption) Option {
	return func(m *Machine) {
		m.pollerOpts = append(m.pollerOpts, opts...)
	}
}

// WithSink sets the sink receiving terminal requests
func WithSink(s ResultSink) Option {
	return func(m *Machine) {
		m.sink = s
	}
}

// WithLogger sets the machine's logger
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock sets the time source for timestamps and the default poller
func WithClock(c clock.Clock) Option {
	return func(m *Machine) {
		if c != nil {
			m.clock = c
		}
	}
}

// NewMachine creates an idle machine submitting through backend
func NewMachine(backend Backend, opts ...Option) (*Machine, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}

	m := &Machine{
		backend:   backend,
		clock:     clock.New(),
		logger:    zap.NewNop(),
		sessionID: uuid.NewString(),
		req:       Request{State: StateIdle},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("session_id", m.sessionID))

	if m.poller == nil {
		popts := append([]PollerOption{WithPollClock(m.clock), WithPollLogger(m.logger)}, m.pollerOpts...)
		m.poller = NewPoller(backend, popts...)
		m.ownsPoller = true
	}

	return m, nil
}

// SessionID identifies this machine in logs
func (m *Machine) SessionID() string {
	return m.sessionID
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.req.State
}

// Snapshot returns a copy of the current request
func (m *Machine) Snapshot() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.req
}

// Subscribe registers fn for every transition. The returned func removes it.
func (m *Machine) Subscribe(fn func(Transition)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextObs++
	id := m.nextObs
	m.observers = append(m.observers, observer{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// Generate validates p, submits it and starts polling. It returns the backend
// request id once the job is queued.
//
// The slot must be idle, the prompt valid and a model selected; otherwise the
// call is rejected with no transition and no network call. Failures after the
// request has left idle move it to StateError and are also returned.
func (m *Machine) Generate(ctx context.Context, p Parameters) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrMachineClosed
	}
	if m.req.State != StateIdle {
		state := m.req.State
		m.mu.Unlock()
		m.logger.Debug("generate rejected, slot occupied", zap.String("state", string(state)))
		return "", ErrSlotOccupied
	}
	if err := ValidatePrompt(p.Prompt); err != nil {
		m.mu.Unlock()
		return "", err
	}
	if strings.TrimSpace(p.Model) == "" {
		m.mu.Unlock()
		return "", ErrModelRequired
	}

	m.req = Request{LocalID: uuid.NewString(), Parameters: p, State: StateIdle}
	localID := m.req.LocalID
	m.transitionLocked(StateValidating)

	payload, err := m.prepareLocked(p)
	if err != nil {
		m.failLocked(err.Error(), err)
		m.mu.Unlock()
		m.flush()
		return "", err
	}

	m.transitionLocked(StateSubmitting)
	m.mu.Unlock()
	m.flush()

	m.logger.Info("submitting generation request",
		zap.String("local_id", localID),
		zap.String("model", payload.Model),
		zap.Int("steps", payload.Steps),
		zap.Int("width", payload.Resolution.Width),
		zap.Int("height", payload.Resolution.Height))

	requestID, submitErr := m.backend.Submit(ctx, payload)

	m.mu.Lock()
	if m.closed || m.req.LocalID != localID {
		m.mu.Unlock()
		return "", ErrMachineClosed
	}
	if submitErr != nil {
		m.failLocked(submitErr.Error(), submitErr)
		m.mu.Unlock()
		m.flush()
		return "", submitErr
	}

	m.req.ID = requestID
	m.req.SubmittedAt = m.clock.Now()
	m.transitionLocked(StateQueued)

	handle, err := m.poller.Start(requestID, func(ev Event) { m.apply(localID, ev) })
	if err != nil {
		m.failLocked(err.Error(), err)
		m.mu.Unlock()
		m.flush()
		return requestID, err
	}
	m.poll = handle
	m.mu.Unlock()
	m.flush()

	m.logger.Info("generation request queued",
		zap.String("local_id", localID),
		zap.String("request_id", requestID),
		zap.Time("deadline", handle.Deadline()))

	return requestID, nil
}

// prepareLocked runs the full parameter validation of the validating state
// and builds the payload.
func (m *Machine) prepareLocked(p Parameters) (*models.GenerateRequest, error) {
	if err := ValidateParameters(p); err != nil {
		return nil, err
	}
	return Assemble(p)
}

// Reset returns a terminal request to idle, clearing its id, result and
// reason. It is a no-op when idle and fails while a request is active.
func (m *Machine) Reset() error {
	m.mu.Lock()
	if m.req.State == StateIdle {
		m.mu.Unlock()
		return nil
	}
	if m.req.State.IsActive() {
		m.mu.Unlock()
		return ErrRequestActive
	}

	if m.poll != nil {
		m.poller.Cancel(m.poll)
		m.poll = nil
	}
	old := m.req
	m.req = Request{State: StateIdle}
	m.pending = append(m.pending, notification{transition: Transition{
		LocalID:   old.LocalID,
		RequestID: old.ID,
		From:      old.State,
		To:        StateIdle,
		At:        m.clock.Now(),
	}})
	m.mu.Unlock()
	m.flush()

	m.logger.Debug("generation request reset", zap.String("local_id", old.LocalID))
	return nil
}

// Close stops polling and rejects further submissions. A request still in
// flight is abandoned without reaching the sink. Close must not be called
// from an observer.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.poll != nil {
		m.poller.Cancel(m.poll)
		m.poll = nil
	}
	m.mu.Unlock()

	if m.ownsPoller {
		m.poller.Close()
	}
}

// apply consumes one poll event. Events for a request that is no longer the
// current one, or that already finished, are dropped.
func (m *Machine) apply(localID string, ev Event) {
	m.mu.Lock()
	if m.closed || m.req.LocalID != localID || m.req.ID != ev.RequestID || !m.req.State.IsPolling() {
		state := m.req.State
		m.mu.Unlock()
		m.logger.Debug("ignoring stale poll event",
			zap.String("request_id", ev.RequestID),
			zap.Stringer("event", ev.Kind),
			zap.String("state", string(state)))
		return
	}

	if ev.Progress != nil {
		progress := *ev.Progress
		m.req.Progress = &progress
	}

	switch ev.Kind {
	case EventQueued:
		// queued re-affirms queued; processing never goes backwards
	case EventProcessing:
		if m.req.State == StateQueued {
			m.transitionLocked(StateProcessing)
		}
	case EventCompleted:
		m.req.ImageURL = ev.ImageURL
		m.transitionLocked(StateCompleted)
	case EventFailed:
		reason := ReasonGenerationFailed
		var err error
		if ev.Err != nil {
			reason, err = ev.Err.Reason, ev.Err
		}
		m.failLocked(reason, err)
	}

	if m.req.State.IsTerminal() && m.poll != nil {
		m.poller.Cancel(m.poll)
		m.poll = nil
	}
	m.mu.Unlock()
	m.flush()
}

func (m *Machine) failLocked(reason string, err error) {
	m.req.Reason = reason
	m.req.Err = err
	m.transitionLocked(StateError)
}

// transitionLocked moves the request to `to` and queues the notifications
func (m *Machine) transitionLocked(to State) {
	now := m.clock.Now()
	from := m.req.State
	m.req.State = to

	t := Transition{
		LocalID:   m.req.LocalID,
		RequestID: m.req.ID,
		From:      from,
		To:        to,
		ImageURL:  m.req.ImageURL,
		Reason:    m.req.Reason,
		At:        now,
	}
	n := notification{transition: t}
	if to.IsTerminal() {
		m.req.FinishedAt = now
		snap := m.req
		n.terminal = &snap
	}
	m.pending = append(m.pending, n)

	m.logger.Debug("state transition",
		zap.String("local_id", m.req.LocalID),
		zap.String("request_id", m.req.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

// flush delivers queued notifications. Only one goroutine delivers at a time;
// notifications queued meanwhile are picked up by the active deliverer.
func (m *Machine) flush() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true

	for len(m.pending) > 0 {
		n := m.pending[0]
		m.pending = m.pending[1:]
		observers := make([]observer, len(m.observers))
		copy(observers, m.observers)
		m.mu.Unlock()

		for _, o := range observers {
			m.notify(o.fn, n.transition)
		}
		if n.terminal != nil && m.sink != nil {
			m.deliverResult(*n.terminal)
		}

		m.mu.Lock()
	}

	m.flushing = false
	m.mu.Unlock()
}

func (m *Machine) notify(fn func(Transition), t Transition) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("transition observer panicked", zap.Any("panic", r))
		}
	}()
	fn(t)
}

func (m *Machine) deliverResult(req Request) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("result sink panicked", zap.Any("panic", r))
		}
	}()
	m.sink.OnTerminal(req)
}
