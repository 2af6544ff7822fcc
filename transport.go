package assistant

import "context"

// EventHandler receives every inbound event, possibly from a transport goroutine.
type EventHandler func(event *ServerEvent)

// AudioHandler receives decoded PCM audio.
type AudioHandler func(chunk []byte)

// Sender is the send half of a transport. Function handlers borrow it; they
// never own or close the connection.
type Sender interface {
	// Send transmits an event without waiting for delivery. It must be safe
	// for concurrent callers.
	Send(event *ClientEvent) error
}

// Transport is the persistent streaming connection to the remote agent.
type Transport interface {
	Sender
	// RegisterEventHandler sets the single inbound handler. It must be called
	// before Connect.
	RegisterEventHandler(handler EventHandler) error
	Connect(ctx context.Context) error
	// Close terminates the connection. It is idempotent.
	Close() error
	Done() <-chan struct{}
}

// AudioSource is implemented by transports that deliver agent speech out of
// band (e.g. a WebRTC media track) rather than as audio delta events.
type AudioSource interface {
	RegisterAudioHandler(handler AudioHandler) error
}

// AudioDevice is a duplex capture/playback device.
type AudioDevice interface {
	// Capture blocks, invoking sink for every captured chunk until ctx is
	// done. ctx is the device's cooperative stop signal.
	Capture(ctx context.Context, sink func(chunk []byte)) error
	// ReceiveAudio queues chunk for immediate playback.
	ReceiveAudio(chunk []byte) error
	StartStreams() error
	StopStreams() error
}

// Dispatcher routes function calls to local handlers and emits the handler
// response events through out.
type Dispatcher interface {
	Dispatch(ctx context.Context, call *ServerEventParamFunctionCall, out Sender) error
}
