package device

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-assistant/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SampleRate = 1000
	cfg.FrameDuration = 2 * time.Millisecond // 4 bytes per frame
	cfg.RingSeconds = 1
	cfg.QueueFrames = 2
	return cfg
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero rate", func(c *Config) { c.SampleRate = 0 }},
		{"zero channels", func(c *Config) { c.Channels = 0 }},
		{"zero frame", func(c *Config) { c.FrameDuration = 0 }},
		{"zero ring", func(c *Config) { c.RingSeconds = 0 }},
		{"zero queue", func(c *Config) { c.QueueFrames = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFramerSlicesAndDrops(t *testing.T) {
	f := newFramer(4, 2)
	assert.Equal(t, 0, f.push([]byte{1, 2, 3}))
	assert.Equal(t, 0, f.push([]byte{4, 5, 6, 7, 8, 9}))
	// Third complete frame has no room in the queue.
	assert.Equal(t, 1, f.push([]byte{10, 11, 12}))

	assert.Equal(t, []byte{1, 2, 3, 4}, <-f.out)
	assert.Equal(t, []byte{5, 6, 7, 8}, <-f.out)

	f.reset()
	assert.Empty(t, f.out)
	f.push([]byte{20, 21, 22, 23})
	assert.Equal(t, []byte{20, 21, 22, 23}, <-f.out)
}

func TestCaptureDeliversFramesUntilCancelled(t *testing.T) {
	d, err := newDevice(shared.NewNopLogger(), testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan []byte, 4)
	errC := make(chan error, 1)
	go func() { errC <- d.Capture(ctx, func(c []byte) { got <- c }) }()

	d.onCapture(nil, []byte{1, 2, 3, 4, 5, 6}, 3)
	select {
	case c := <-got:
		assert.Equal(t, []byte{1, 2, 3, 4}, c)
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}

	cancel()
	select {
	case err := <-errC:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("capture did not stop")
	}
}

func TestReceiveAudioQueuesPlayback(t *testing.T) {
	d, err := newDevice(shared.NewNopLogger(), testConfig())
	require.NoError(t, err)

	require.NoError(t, d.ReceiveAudio([]byte{0, 0, 0, 0}))
	p := make([]byte, 8)
	n, err := d.playback.Read(p)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, p[:n])

	// The ring holds one second: 2000 bytes.
	require.NoError(t, d.ReceiveAudio(make([]byte, 2100)))
	_, bytes := d.Dropped()
	assert.Equal(t, int64(100), bytes)
}

func TestStreamsLifecycleWithoutHardware(t *testing.T) {
	d, err := newDevice(shared.NewNopLogger(), testConfig())
	require.NoError(t, err)

	require.NoError(t, d.StopStreams())
	require.NoError(t, d.StartStreams())
	require.NoError(t, d.StartStreams())
	require.NoError(t, d.ReceiveAudio([]byte{1, 2}))
	require.NoError(t, d.StopStreams())
	assert.Equal(t, 0, d.playback.Len())

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.ReceiveAudio([]byte{1}), ErrDeviceClosed)
	assert.ErrorIs(t, d.StartStreams(), ErrDeviceClosed)
	_, err = d.playback.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestNewDeviceRequiresLogger(t *testing.T) {
	_, err := newDevice(nil, DefaultConfig())
	assert.ErrorIs(t, err, shared.ErrNoLogger)
}
