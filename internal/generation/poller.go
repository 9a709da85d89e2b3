package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Gelotto/imagegen-client/internal/client"
	"github.com/Gelotto/imagegen-client/internal/models"
)

// Reference polling cadence and overall deadline
const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 300 * time.Second
)

// StatusChecker issues a single status query for a request
type StatusChecker interface {
	Status(ctx context.Context, requestID string) (*models.StatusResponse, error)
}

// Poller owns poll sessions: one repeating status query plus one deadline
// timer per request id. Sessions are independent of any caller lifecycle and
// are stopped through their handle.
type Poller struct {
	checker  StatusChecker
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*pollSession
	closed   bool
	wg       sync.WaitGroup
}

// PollerOption configures a Poller
type PollerOption func(*Poller)

// WithInterval sets the delay between status queries
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithTimeout sets the overall deadline measured from poll start
func WithTimeout(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPollClock replaces the time source, mainly for tests
func WithPollClock(c clock.Clock) PollerOption {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithPollLogger sets the poller's logger
func WithPollLogger(l *zap.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPoller creates a poller issuing queries through checker
func NewPoller(checker StatusChecker, opts ...PollerOption) *Poller {
	p := &Poller{
		checker:  checker,
		clock:    clock.New(),
		interval: DefaultPollInterval,
		timeout:  DefaultPollTimeout,
		logger:   zap.NewNop(),
		sessions: make(map[string]*pollSession),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type pollSession struct {
	id         string
	onEvent    func(Event)
	ctx        context.Context
	cancel     context.CancelFunc
	ticker     *clock.Ticker
	deadline   *clock.Timer
	startedAt  time.Time
	deadlineAt time.Time
	done       chan struct{}

	// guarded by Poller.mu
	stopped bool
}

// PollHandle identifies one poll session
type PollHandle struct {
	s *pollSession
}

// RequestID returns the polled request id
func (h *PollHandle) RequestID() string {
	return h.s.id
}

// Deadline returns the instant at which the session times out
func (h *PollHandle) Deadline() time.Time {
	return h.s.deadlineAt
}

// Done is closed once the session's query loop has exited
func (h *PollHandle) Done() <-chan struct{} {
	return h.s.done
}

// Start begins polling requestID. onEvent receives every interpreted status;
// after a terminal event the session is already retired. Starting a second
// session for an id that still has one is an error.
func (p *Poller) Start(requestID string, onEvent func(Event)) (*PollHandle, error) {
	if requestID == "" {
		return nil, errors.New("cannot poll without a request id")
	}
	if onEvent == nil {
		return nil, errors.New("cannot poll without an event handler")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPollerClosed
	}
	if _, exists := p.sessions[requestID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, requestID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := p.clock.Now()
	s := &pollSession{
		id:         requestID,
		onEvent:    onEvent,
		ctx:        ctx,
		cancel:     cancel,
		startedAt:  now,
		deadlineAt: now.Add(p.timeout),
		done:       make(chan struct{}),
	}
	// Both timers exist before Start returns so no tick can be missed
	s.ticker = p.clock.Ticker(p.interval)
	s.deadline = p.clock.AfterFunc(p.timeout, func() { p.expire(s) })
	p.sessions[requestID] = s

	p.wg.Add(1)
	go p.run(s)

	p.logger.Debug("poll session started",
		zap.String("request_id", requestID),
		zap.Duration("interval", p.interval),
		zap.Duration("timeout", p.timeout))

	return &PollHandle{s: s}, nil
}

// Cancel stops a session's ticker and deadline timer and aborts any in-flight
// query. Responses arriving afterwards are discarded.
func (p *Poller) Cancel(h *PollHandle) {
	if h == nil || h.s == nil {
		return
	}
	p.mu.Lock()
	retired := p.retireLocked(h.s)
	p.mu.Unlock()

	if retired {
		p.logger.Debug("poll session cancelled", zap.String("request_id", h.s.id))
	}
}

// Active reports whether a live session exists for requestID
func (p *Poller) Active(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[requestID]
	return ok
}

// Close cancels every session and waits for the query loops to exit. It must
// not be called from inside an event handler.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	for _, s := range p.sessions {
		p.retireLocked(s)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// retireLocked stops both timers and unregisters the session. It reports
// whether the session was still live.
func (p *Poller) retireLocked(s *pollSession) bool {
	if s.stopped {
		return false
	}
	s.stopped = true
	s.ticker.Stop()
	s.deadline.Stop()
	s.cancel()
	if p.sessions[s.id] == s {
		delete(p.sessions, s.id)
	}
	return true
}

// run issues one query per tick. Queries never overlap.
func (p *Poller) run(s *pollSession) {
	defer p.wg.Done()
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-s.ticker.C:
			resp, err := p.checker.Status(s.ctx, s.id)
			if s.ctx.Err() != nil {
				// cancelled or expired while the query was in flight
				return
			}

			if !p.deliver(s, interpretStatus(s.id, resp, err)) {
				return
			}
		}
	}
}

// deliver hands ev to the session's handler unless the session has been
// retired or ev belongs to another request. It reports whether the session is
// still live afterwards; a discarded response leaves it running.
func (p *Poller) deliver(s *pollSession, ev Event) bool {
	p.mu.Lock()
	if s.stopped || p.sessions[s.id] != s {
		p.mu.Unlock()
		return false
	}
	if ev.RequestID != s.id {
		p.mu.Unlock()
		p.logger.Warn("discarding status for a different request",
			zap.String("request_id", s.id),
			zap.String("response_request_id", ev.RequestID))
		return true
	}
	live := true
	if ev.Terminal() {
		p.retireLocked(s)
		live = false
	}
	p.mu.Unlock()

	if ev.Kind == EventFailed {
		p.logger.Info("poll session failed",
			zap.String("request_id", s.id),
			zap.Stringer("kind", ev.Err.Kind),
			zap.Error(ev.Err))
	}
	s.onEvent(ev)
	return live
}

// expire fires when the deadline elapses. It consults the session's state at
// fire time, so a session that already finished is left alone.
func (p *Poller) expire(s *pollSession) {
	p.mu.Lock()
	if s.stopped || p.sessions[s.id] != s {
		p.mu.Unlock()
		return
	}
	p.retireLocked(s)
	p.mu.Unlock()

	p.logger.Warn("poll session timed out",
		zap.String("request_id", s.id),
		zap.Duration("elapsed", p.clock.Since(s.startedAt)))

	s.onEvent(Event{
		RequestID: s.id,
		Kind:      EventFailed,
		Err:       &PollError{Kind: PollTimeout, RequestID: s.id, Reason: ReasonTimedOut},
	})
}

// interpretStatus maps one query outcome onto an event
func interpretStatus(requestID string, resp *models.StatusResponse, err error) Event {
	if err != nil {
		kind, reason := PollTransportFailure, ReasonStatusCheck
		var se *client.StatusError
		if errors.As(err, &se) && se.Malformed {
			kind, reason = PollMalformedResponse, ReasonMalformed
		}
		return failed(requestID, kind, reason, err)
	}
	if resp == nil {
		return failed(requestID, PollMalformedResponse, ReasonMalformed, errors.New("empty status response"))
	}

	id := requestID
	if resp.RequestID != "" {
		id = resp.RequestID
	}

	switch strings.ToLower(strings.TrimSpace(resp.Status)) {
	case models.StatusQueued:
		return Event{RequestID: id, Kind: EventQueued, Progress: resp.Progress}
	case models.StatusProcessing:
		return Event{RequestID: id, Kind: EventProcessing, Progress: resp.Progress}
	case models.StatusCompleted, models.StatusComplete:
		if strings.TrimSpace(resp.ImageURL) == "" {
			return failed(id, PollMalformedResponse, ReasonMissingImage, nil)
		}
		return Event{RequestID: id, Kind: EventCompleted, ImageURL: resp.ImageURL, Progress: resp.Progress}
	case models.StatusError, models.StatusFailed:
		reason := strings.TrimSpace(resp.FailureReason())
		if reason == "" {
			reason = ReasonGenerationFailed
		}
		return failed(id, PollServerReportedFailure, reason, nil)
	}
	return failed(id, PollMalformedResponse, ReasonMalformed, fmt.Errorf("unknown status %q", resp.Status))
}

func failed(requestID string, kind PollErrorKind, reason string, err error) Event {
	return Event{
		RequestID: requestID,
		Kind:      EventFailed,
		Err:       &PollError{Kind: kind, RequestID: requestID, Reason: reason, Err: err},
	}
}
