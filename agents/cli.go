package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	assistant "github.com/bt-bridge/realtime-assistant"
	"github.com/bt-bridge/realtime-assistant/config"
	"github.com/bt-bridge/realtime-assistant/device"
	"github.com/bt-bridge/realtime-assistant/functions"
	"github.com/bt-bridge/realtime-assistant/shared"
	"github.com/bt-bridge/realtime-assistant/store"
	"github.com/bt-bridge/realtime-assistant/transport/webrtc"
	"github.com/bt-bridge/realtime-assistant/transport/websocket"
	"github.com/goccy/go-yaml"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// closer is what the agent tears down on Close, in reverse order.
type closer struct {
	name string
	fn   func() error
}

// CLIAgent runs one voice session against the local microphone and speakers
// and reports its progress through a Printer.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer

	transport assistant.Transport
	session   *assistant.Session
	closers   []closer

	mu     sync.Mutex
	closed bool
}

// Spawn wires the store, the function registry, the transport and the audio
// device into a session and starts it. On failure everything already opened
// is released again.
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *config.Config,
	printer *shared.Printer,
) (err error) {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if cfg.OpenAI.APIKey == "" {
		return shared.ErrNoAPIKey
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	a.logger.Info("spawning CLI agent")
	a.say("🤖 Spawning CLI agent...\n", 0)

	// Config
	a.say("📋 Config\n", 0)
	yamlBytes, err := cfg.YAML()
	if err != nil {
		a.logger.Error("marshaling config to yaml", err)
		return err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing config", err)
		return err
	}
	a.say("", 0)

	// Store
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		a.logger.Error("opening store", err, zap.String("driver", cfg.Store.Driver))
		return err
	}
	a.onClose("store", st.Close)
	a.logger.Info("store opened", zap.String("driver", cfg.Store.Driver))

	// Functions
	registry, err := functions.NewRegistry(
		a.logger,
		functions.WithAcknowledgeUnknown(cfg.Session.AcknowledgeUnknownFunctions),
	)
	if err != nil {
		a.logger.Error("creating function registry", err)
		return err
	}
	clinic, err := functions.NewClinic(st)
	if err != nil {
		a.logger.Error("creating clinic handlers", err)
		return err
	}
	if err := clinic.Register(registry); err != nil {
		a.logger.Error("registering clinic handlers", err)
		return err
	}
	a.sayf(0, "🧰 %d functions available\n", len(registry.Names()))
	for _, name := range registry.Names() {
		a.say(name, 1)
	}
	a.say("", 0)

	// Transport
	transport, err := newTransport(a.logger, cfg, registry.Tools())
	if err != nil {
		a.logger.Error("creating transport", err, zap.String("transport", cfg.Transport))
		return err
	}
	a.transport = transport
	a.onClose("transport", transport.Close)
	a.logger.Info("transport created", zap.String("transport", cfg.Transport))

	// Audio device
	a.say("🎤 Opening audio device...", 0)
	dev, err := device.New(a.logger, deviceConfig(cfg.Audio))
	if err != nil {
		a.logger.Error("opening audio device", err)
		a.say("❌ Unable to open the audio device. Please ensure that a microphone and speakers are connected.\n", 0)
		return err
	}
	a.onClose("audio device", dev.Close)
	a.say("✅ Audio device ready.\n", 0)

	// Metrics
	metrics := assistant.NewMetrics("assistant")
	if cfg.Metrics.Addr != "" {
		a.serveMetrics(cfg.Metrics.Addr, metrics)
	}

	// Session
	a.session, err = assistant.NewSession(
		a.logger,
		a.transport,
		dev,
		registry,
		assistant.WithMetrics(metrics),
		assistant.WithStopTimeout(cfg.Session.StopTimeout),
		assistant.WithInitialResponse(
			[]string{assistant.ModalityAudio, assistant.ModalityText},
			cfg.Session.InitialInstructions,
		),
		assistant.WithEventObserver(a.observe),
	)
	if err != nil {
		a.logger.Error("creating session", err)
		return err
	}
	a.say("🔗 Connecting...", 0)
	if err := a.session.Start(ctx); err != nil {
		a.logger.Error("starting session", err)
		a.say("❌ Unable to connect to the realtime API.\n", 0)
		a.session.Stop()
		return err
	}
	a.say("✅ Connected. Start talking, press Ctrl+C to quit.\n", 0)
	return nil
}

// observe prints every function call the agent makes.
func (a *CLIAgent) observe(event *assistant.ServerEvent) {
	var call *assistant.ServerEventParamFunctionCall
	switch p := event.Param.(type) {
	case *assistant.ServerEventParamFunctionCall:
		call = p
	case *assistant.ServerEventParamResponseOutputItemDone:
		c, ok, err := p.FunctionCall()
		if err != nil || !ok {
			return
		}
		call = c
	case *assistant.ServerEventParamError:
		a.sayf(0, "⚠️  %s\n", p.Error())
		return
	default:
		return
	}
	out, err := yaml.Marshal(map[string]any{
		"function":   call.Name,
		"parameters": call.Parameters,
	})
	if err != nil {
		a.logger.Error("marshaling function call to yaml", err)
		return
	}
	a.say("📞 Function call", 0)
	if err := a.printer.Write(string(out), 1); err != nil {
		a.logger.Error("printing function call", err)
	}
}

// Done is closed once the connection to the agent has ended.
func (a *CLIAgent) Done() <-chan struct{} {
	if a.transport == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return a.transport.Done()
}

// Close stops the session and releases the device, the store and the
// metrics server. It is idempotent.
func (a *CLIAgent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.session != nil {
		a.session.Stop()
	}
	err := a.release()
	if a.printer != nil {
		a.say("👋 Session closed.", 0)
	}
	return err
}

func (a *CLIAgent) release() error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(); err != nil {
			a.logger.Error("closing "+closers[i].name, err)
			errs = append(errs, fmt.Errorf("closing %s: %w", closers[i].name, err))
		}
	}
	return errors.Join(errs...)
}

func (a *CLIAgent) onClose(name string, fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *CLIAgent) serveMetrics(addr string, metrics *assistant.Metrics) {
	server := &fasthttp.Server{
		Handler:     fasthttpadaptor.NewFastHTTPHandler(metrics.Handler()),
		Name:        "assistant-metrics",
		ReadTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("serving metrics", zap.String("addr", addr))
		if err := server.ListenAndServe(addr); err != nil {
			a.logger.Error("serving metrics", err, zap.String("addr", addr))
		}
	}()
	a.onClose("metrics server", server.Shutdown)
}

func (a *CLIAgent) say(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing message", err)
	}
}

func (a *CLIAgent) sayf(ind int, format string, args ...any) {
	if err := a.printer.Writef(ind, format, args...); err != nil {
		a.logger.Error("printing message", err)
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreFile:
		return store.NewFileStore(cfg.Dir)
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	case config.StorePostgres:
		return store.NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", shared.ErrNoConfig, cfg.Driver)
	}
}

func newTransport(logger shared.LoggerAdapter, cfg *config.Config, tools []map[string]any) (assistant.Transport, error) {
	switch cfg.Transport {
	case config.TransportWebsocket:
		c, err := websocket.NewClient(logger, websocket.Config{
			URL:          cfg.OpenAI.RealtimeURL,
			APIKey:       cfg.OpenAI.APIKey,
			Model:        cfg.OpenAI.Model,
			Beta:         cfg.OpenAI.Beta,
			Session:      cfg.RealtimeSession(),
			Tools:        tools,
			WriteTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.TransportWebRTC:
		c, err := webrtc.NewClient(logger, webrtc.Config{
			BaseURL:     cfg.OpenAI.BaseURL,
			APIKey:      cfg.OpenAI.APIKey,
			Session:     cfg.RealtimeSession(),
			Tools:       tools,
			OpenTimeout: 15 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", shared.ErrNoConfig, cfg.Transport)
	}
}

func deviceConfig(cfg config.AudioConfig) device.Config {
	d := device.DefaultConfig()
	d.SampleRate = cfg.SampleRate
	d.Channels = cfg.Channels
	d.FrameDuration = time.Duration(cfg.FrameMs) * time.Millisecond
	if cfg.PlaybackBufferMs > 0 {
		d.PlaybackBuffer = time.Duration(cfg.PlaybackBufferMs) * time.Millisecond
	}
	if cfg.RingSeconds > 0 {
		d.RingSeconds = cfg.RingSeconds
	}
	if cfg.QueueFrames > 0 {
		d.QueueFrames = cfg.QueueFrames
	}
	return d
}
