package generation

import (
	"sync"

	"go.uber.org/zap"
)

// ResultSink receives a request exactly once, when it reaches a terminal
// state. Implementations must not assume any consumer is still listening.
type ResultSink interface {
	OnTerminal(req Request)
}

// SinkFunc adapts a function to ResultSink
type SinkFunc func(req Request)

// OnTerminal calls f(req)
func (f SinkFunc) OnTerminal(req Request) {
	f(req)
}

// MultiSink fans a terminal request out to several sinks in order
type MultiSink []ResultSink

// OnTerminal forwards req to every non-nil sink
func (m MultiSink) OnTerminal(req Request) {
	for _, s := range m {
		if s != nil {
			s.OnTerminal(req)
		}
	}
}

// ChannelSink publishes terminal requests on a buffered channel. Sends never
// block and are dropped once the sink is closed or the buffer is full.
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan Request
	closed bool
	logger *zap.Logger
}

// NewChannelSink creates a sink with the given buffer size (minimum 1)
func NewChannelSink(buffer int, logger *zap.Logger) *ChannelSink {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelSink{ch: make(chan Request, buffer), logger: logger}
}

// C returns the receive side of the sink
func (s *ChannelSink) C() <-chan Request {
	return s.ch
}

// OnTerminal publishes req without blocking
func (s *ChannelSink) OnTerminal(req Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Debug("result sink closed, dropping result", zap.String("local_id", req.LocalID))
		return
	}
	select {
	case s.ch <- req:
	default:
		s.logger.Warn("result sink full, dropping result",
			zap.String("local_id", req.LocalID),
			zap.String("request_id", req.ID))
	}
}

// Close closes the channel. Later results are dropped.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// LogSink writes terminal outcomes to a logger
type LogSink struct {
	Logger *zap.Logger
}

// OnTerminal logs the outcome of req
func (s LogSink) OnTerminal(req Request) {
	if s.Logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("local_id", req.LocalID),
		zap.String("request_id", req.ID),
		zap.String("state", string(req.State)),
	}
	if !req.SubmittedAt.IsZero() && !req.FinishedAt.IsZero() {
		fields = append(fields, zap.Duration("elapsed", req.FinishedAt.Sub(req.SubmittedAt)))
	}

	if req.State == StateCompleted {
		s.Logger.Info("generation completed", append(fields, zap.String("image_url", req.ImageURL))...)
		return
	}
	s.Logger.Error("generation failed", append(fields, zap.String("reason", req.Reason), zap.Error(req.Err))...)
}
