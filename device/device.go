// Package device implements the duplex audio device: microphone capture
// through malgo and speaker playback through oto.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	assistant "github.com/bt-bridge/realtime-assistant"
	"github.com/bt-bridge/realtime-assistant/shared"
	"github.com/bt-bridge/realtime-assistant/tools"
	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

var ErrDeviceClosed = errors.New("audio device closed")

type Config struct {
	SampleRate int
	Channels   int
	// FrameDuration is the length of one captured chunk.
	FrameDuration time.Duration
	// PlaybackBuffer is oto's output buffer; it bounds playback latency.
	PlaybackBuffer time.Duration
	// RingSeconds is how much agent speech may queue before the oldest is dropped.
	RingSeconds int
	// QueueFrames is how many captured frames may wait for the capture worker.
	QueueFrames int
}

// DefaultConfig is PCM16 mono at 24 kHz, the realtime API's native format.
func DefaultConfig() Config {
	return Config{
		SampleRate:     24000,
		Channels:       1,
		FrameDuration:  20 * time.Millisecond,
		PlaybackBuffer: 100 * time.Millisecond,
		RingSeconds:    10,
		QueueFrames:    50,
	}
}

func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("invalid channel count: %d", c.Channels)
	}
	if tools.FrameBytes(c.FrameDuration, c.SampleRate, c.Channels) <= 0 {
		return fmt.Errorf("invalid frame duration: %s", c.FrameDuration)
	}
	if c.RingSeconds <= 0 || c.QueueFrames <= 0 {
		return errors.New("ring and queue sizes must be positive")
	}
	return nil
}

// Device is a duplex PCM16 device. Capture and playback are independent
// streams started and stopped together.
type Device struct {
	logger shared.LoggerAdapter
	cfg    Config

	frames   *framer
	playback *tools.AudioBuffer

	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
	mic      *malgo.Device
	otoCtx   *oto.Context
	player   *oto.Player
	started  bool
	closed   bool

	droppedFrames atomic.Int64
	droppedBytes  atomic.Int64
}

var _ assistant.AudioDevice = (*Device)(nil)

func newDevice(logger shared.LoggerAdapter, cfg Config) (*Device, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Device{
		logger:   logger.With(zap.String("component", "device")),
		cfg:      cfg,
		frames:   newFramer(tools.FrameBytes(cfg.FrameDuration, cfg.SampleRate, cfg.Channels), cfg.QueueFrames),
		playback: tools.NewAudioBuffer(cfg.RingSeconds * cfg.SampleRate * cfg.Channels * 2),
	}, nil
}

// New opens the default capture and playback devices. oto allows a single
// context per process, so only one Device may be opened.
func New(logger shared.LoggerAdapter, cfg Config) (*Device, error) {
	d, err := newDevice(logger, cfg)
	if err != nil {
		return nil, err
	}

	d.malgoCtx, err = malgo.InitContext(nil, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	micCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	micCfg.Capture.Format = malgo.FormatS16
	micCfg.Capture.Channels = uint32(cfg.Channels)
	micCfg.SampleRate = uint32(cfg.SampleRate)
	micCfg.PeriodSizeInMilliseconds = uint32(cfg.FrameDuration.Milliseconds())
	d.mic, err = malgo.InitDevice(d.malgoCtx.Context, micCfg, malgo.DeviceCallbacks{
		Data: d.onCapture,
	})
	if err != nil {
		d.releaseContext()
		return nil, fmt.Errorf("initializing microphone: %w", err)
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   cfg.PlaybackBuffer,
	})
	if err != nil {
		d.mic.Uninit()
		d.releaseContext()
		return nil, fmt.Errorf("initializing speaker: %w", err)
	}
	<-ready
	d.otoCtx = otoCtx
	d.player = otoCtx.NewPlayer(d.playback)

	d.logger.Info("audio device opened",
		zap.Int("sampleRate", cfg.SampleRate),
		zap.Int("channels", cfg.Channels),
		zap.Duration("frame", cfg.FrameDuration),
	)
	return d, nil
}

// onCapture runs on malgo's audio thread.
func (d *Device) onCapture(_, input []byte, _ uint32) {
	if n := d.frames.push(input); n > 0 {
		d.droppedFrames.Add(int64(n))
	}
}

// Capture hands every captured frame to sink until ctx is done.
func (d *Device) Capture(ctx context.Context, sink func(chunk []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-d.frames.out:
			sink(frame)
		}
	}
}

// ReceiveAudio queues agent speech for playback. If the ring is full the
// oldest queued audio is dropped.
func (d *Device) ReceiveAudio(chunk []byte) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrDeviceClosed
	}
	if dropped := d.playback.Write(chunk); dropped > 0 {
		d.droppedBytes.Add(int64(dropped))
		d.logger.Warn("playback buffer dropped data", zap.Int("droppedBytes", dropped))
	}
	return nil
}

func (d *Device) StartStreams() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if d.started {
		return nil
	}
	if d.mic != nil {
		if err := d.mic.Start(); err != nil {
			return fmt.Errorf("starting microphone: %w", err)
		}
	}
	if d.player != nil {
		d.player.Play()
	}
	d.started = true
	d.logger.Info("audio streams started")
	return nil
}

// StopStreams pauses both streams and discards queued audio.
func (d *Device) StopStreams() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false
	var err error
	if d.mic != nil {
		if stopErr := d.mic.Stop(); stopErr != nil {
			err = fmt.Errorf("stopping microphone: %w", stopErr)
		}
	}
	if d.player != nil {
		d.player.Pause()
	}
	d.frames.reset()
	d.playback.Reset()
	d.logger.Info("audio streams stopped",
		zap.Int64("droppedFrames", d.droppedFrames.Load()),
		zap.Int64("droppedBytes", d.droppedBytes.Load()),
	)
	return err
}

// Close releases the hardware. The Device cannot be restarted.
func (d *Device) Close() error {
	if err := d.StopStreams(); err != nil {
		d.logger.Error("stopping streams on close", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var errs []error
	errs = append(errs, d.playback.Close())
	if d.player != nil {
		errs = append(errs, d.player.Close())
	}
	if d.mic != nil {
		d.mic.Uninit()
	}
	d.releaseContext()
	return errors.Join(errs...)
}

func (d *Device) releaseContext() {
	if d.malgoCtx == nil {
		return
	}
	if err := d.malgoCtx.Uninit(); err != nil {
		d.logger.Error("releasing audio context", err)
	}
	d.malgoCtx.Free()
	d.malgoCtx = nil
}

// Dropped reports captured frames and playback bytes lost to full queues.
func (d *Device) Dropped() (frames, bytes int64) {
	return d.droppedFrames.Load(), d.droppedBytes.Load()
}
