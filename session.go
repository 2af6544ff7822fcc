package assistant

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/realtime-assistant/shared"
	"go.uber.org/zap"
)

const DefaultInitialInstructions = "Please assist the user."

type sessionOptions struct {
	metrics      *Metrics
	instructions string
	modalities   []string
	observer     EventHandler
	stopTimeout  time.Duration
}

type SessionOption func(*sessionOptions)

func WithMetrics(m *Metrics) SessionOption {
	return func(o *sessionOptions) { o.metrics = m }
}

// WithInitialResponse overrides the response.create sent right after connecting.
func WithInitialResponse(modalities []string, instructions string) SessionOption {
	return func(o *sessionOptions) {
		o.modalities = modalities
		o.instructions = instructions
	}
}

// WithEventObserver registers a callback run for every inbound event before
// the session handles it. It runs on the transport's goroutine.
func WithEventObserver(h EventHandler) SessionOption {
	return func(o *sessionOptions) { o.observer = h }
}

// WithStopTimeout bounds how long Stop waits for the capture worker. Zero
// waits until it exits.
func WithStopTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) { o.stopTimeout = d }
}

// Session is a single-shot orchestration of one transport and one audio
// device: Start once, Stop once.
type Session struct {
	logger     shared.LoggerAdapter
	transport  Transport
	device     AudioDevice
	dispatcher Dispatcher
	opts       sessionOptions

	// ctx is the cooperative stop signal shared by the capture worker and
	// in-flight handlers; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	running  bool
	starting bool // Connect in flight, s.mu released
	stopped  bool
	worker   chan struct{}

	workers atomic.Int32
}

func NewSession(
	logger shared.LoggerAdapter,
	transport Transport,
	device AudioDevice,
	dispatcher Dispatcher,
	opts ...SessionOption,
) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if transport == nil {
		return nil, shared.ErrNoTransport
	}
	if device == nil {
		return nil, shared.ErrNoAudioDevice
	}
	if dispatcher == nil {
		return nil, shared.ErrNoDispatcher
	}
	o := sessionOptions{
		instructions: DefaultInitialInstructions,
		modalities:   []string{ModalityAudio, ModalityText},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics("")
	}
	s := &Session{
		logger:     logger.With(zap.String("component", "session")),
		transport:  transport,
		device:     device,
		dispatcher: dispatcher,
		opts:       o,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if err := transport.RegisterEventHandler(s.OnMessage); err != nil {
		return nil, fmt.Errorf("registering event handler: %w", err)
	}
	if src, ok := transport.(AudioSource); ok {
		if err := src.RegisterAudioHandler(s.playback); err != nil {
			return nil, fmt.Errorf("registering audio handler: %w", err)
		}
	}
	return s, nil
}

// Start connects the transport, requests the opening turn, launches the
// capture worker and starts both device streams. A connection failure is
// returned wrapped in shared.ErrConnection and is not retried. A Stop issued
// while connecting aborts the attempt and Start returns shared.ErrSessionClosed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return shared.ErrSessionClosed
	}
	if s.running || s.starting {
		s.mu.Unlock()
		return shared.ErrSessionAlreadyRunning
	}
	s.starting = true
	s.mu.Unlock()

	s.logger.Info("starting session")
	err := s.connect(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = false
	if s.stopped {
		if err == nil {
			if cerr := s.transport.Close(); cerr != nil {
				s.logger.Error("closing transport", cerr)
			}
		}
		return shared.ErrSessionClosed
	}
	if err != nil {
		return fmt.Errorf("%w: %w", shared.ErrConnection, err)
	}
	s.running = true

	if err := s.send(NewResponseCreate(s.opts.modalities, s.opts.instructions)); err != nil {
		return fmt.Errorf("sending initial response.create: %w", err)
	}

	// The worker outlives the start context; only Stop ends it.
	s.worker = make(chan struct{})
	s.workers.Add(1)
	s.opts.metrics.CaptureWorkers.Inc()
	go s.captureLoop(s.ctx, s.worker)

	if err := s.device.StartStreams(); err != nil {
		return fmt.Errorf("starting audio streams: %w", err)
	}
	s.logger.Info("session started")
	return nil
}

// connect runs Connect under a context that Stop also cancels.
func (s *Session) connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	return s.transport.Connect(ctx)
}

func (s *Session) captureLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	defer func() {
		s.workers.Add(-1)
		s.opts.metrics.CaptureWorkers.Dec()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("capture worker panicked", fmt.Errorf("%v", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	s.logger.Debug("capture worker started")
	err := s.device.Capture(ctx, s.SendAudioChunk)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("capture worker stopped", err)
		return
	}
	s.logger.Debug("capture worker finished")
}

// SendAudioChunk forwards one captured chunk as an input_audio_buffer.append
// event. It is the device capture callback and never waits on the agent.
func (s *Session) SendAudioChunk(chunk []byte) {
	s.logger.Trace("sending audio chunk", zap.Int("bytes", len(chunk)))
	s.opts.metrics.recordAudio(DirectionOutbound, len(chunk))
	if err := s.send(NewInputAudioBufferAppend(chunk)); err != nil {
		s.logger.Error("sending audio chunk", err, zap.Int("bytes", len(chunk)))
	}
}

// OnMessage handles one inbound event. Failures are contained to the event.
func (s *Session) OnMessage(event *ServerEvent) {
	if event == nil {
		return
	}
	s.opts.metrics.recordEvent(DirectionInbound, event.EventType())
	if s.opts.observer != nil {
		s.opts.observer(event)
	}
	logger := s.logger.With(zap.String("type", string(event.Type)))
	if event.EventId != "" {
		logger = logger.With(zap.String("event_id", event.EventId))
	}
	logger.Trace("received event")

	switch p := event.Param.(type) {
	case *ServerEventParamResponseAudioDelta:
		chunk, err := DecodeAudio(p.Delta)
		if err != nil {
			s.opts.metrics.DecodeErrorsTotal.Inc()
			logger.Error("decoding audio delta", err)
			return
		}
		logger.Trace("received audio delta", zap.Int("bytes", len(chunk)))
		s.playback(chunk)
	case *ServerEventParamResponseAudioDone:
		logger.Info("assistant finished speaking")
	case *ServerEventParamFunctionCall:
		s.dispatch(logger, p)
	case *ServerEventParamResponseOutputItemDone:
		call, ok, err := p.FunctionCall()
		if err != nil {
			logger.Error("decoding function call item", err)
			return
		}
		if ok {
			s.dispatch(logger, call)
		}
	case *ServerEventParamError:
		logger.Error("agent reported an error", p)
	default:
		logger.Debug("ignoring event")
	}
}

func (s *Session) playback(chunk []byte) {
	s.opts.metrics.recordAudio(DirectionInbound, len(chunk))
	if err := s.device.ReceiveAudio(chunk); err != nil {
		s.logger.Error("queueing playback audio", err, zap.Int("bytes", len(chunk)))
	}
}

func (s *Session) dispatch(logger shared.LoggerAdapter, call *ServerEventParamFunctionCall) {
	logger = logger.With(zap.String("function", call.Name))
	if call.CallId != "" {
		logger = logger.With(zap.String("call_id", call.CallId))
	}
	defer func() {
		if r := recover(); r != nil {
			s.opts.metrics.recordCall(call.Name, CallStatusFailed)
			logger.Error("function handler panicked", fmt.Errorf("%v", r), zap.ByteString("stack", debug.Stack()))
		}
	}()

	logger.Info("dispatching function call", zap.Any("parameters", call.Parameters))
	err := s.dispatcher.Dispatch(s.ctx, call, sessionSender{s})
	switch {
	case err == nil:
		s.opts.metrics.recordCall(call.Name, CallStatusOK)
	case errors.Is(err, shared.ErrUnknownFunction):
		s.opts.metrics.recordCall(UnknownFunctionLabel, CallStatusUnknown)
		logger.Error("unrecognized function", err)
	default:
		s.opts.metrics.recordCall(call.Name, CallStatusFailed)
		logger.Error("function call failed", err)
	}
}

func (s *Session) send(event *ClientEvent) error {
	if err := s.transport.Send(event); err != nil {
		s.opts.metrics.SendErrorsTotal.Inc()
		return err
	}
	s.opts.metrics.recordEvent(DirectionOutbound, event.EventType())
	return nil
}

// sessionSender lends the transport to handlers while keeping outbound
// metrics in one place.
type sessionSender struct{ s *Session }

func (ss sessionSender) Send(event *ClientEvent) error { return ss.s.send(event) }

// Stop shuts the session down. It is idempotent, safe before Start and after
// a partial Start, and only returns once the capture worker has exited (or
// the stop timeout has expired).
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	wasRunning := s.running
	s.running = false
	worker := s.worker
	s.mu.Unlock()

	s.logger.Info("shutting down session")
	s.cancel()
	if wasRunning {
		if err := s.transport.Close(); err != nil {
			s.logger.Error("closing transport", err)
		}
		if err := s.device.StopStreams(); err != nil {
			s.logger.Error("stopping audio streams", err)
		}
	}
	if worker == nil {
		return
	}
	if s.opts.stopTimeout <= 0 {
		<-worker
		s.logger.Info("capture worker terminated")
		return
	}
	timer := time.NewTimer(s.opts.stopTimeout)
	defer timer.Stop()
	select {
	case <-worker:
		s.logger.Info("capture worker terminated")
	case <-timer.C:
		s.logger.Warn("capture worker did not exit in time", zap.Duration("timeout", s.opts.stopTimeout))
	}
}

// ActiveWorkers reports the number of running capture workers.
func (s *Session) ActiveWorkers() int {
	return int(s.workers.Load())
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Session) Metrics() *Metrics {
	return s.opts.metrics
}
