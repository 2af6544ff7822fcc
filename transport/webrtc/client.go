// Package webrtc is a Transport over a WebRTC peer connection: events travel
// on the "oai" data channel and agent speech arrives as an opus media track.
package webrtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"sync"
	"time"

	assistant "github.com/bt-bridge/realtime-assistant"
	"github.com/bt-bridge/realtime-assistant/shared"
	"github.com/bt-bridge/realtime-assistant/tools"
	"github.com/bytedance/sonic"
	"github.com/hraban/opus"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Remote audio is decoded to the realtime API's native PCM format.
const (
	PlaybackSampleRate = 24000
	PlaybackChannels   = 1
	// opus frames are at most 120ms.
	maxFrameSamples = PlaybackSampleRate * 120 / 1000 * PlaybackChannels
)

const sdpExchangeTimeout = 30 * time.Second

type Config struct {
	// BaseURL defaults to https://api.openai.com/v1.
	BaseURL string
	APIKey  string
	Session *realtime.RealtimeSessionCreateRequestParam
	// Tools are appended to the session's function tools.
	Tools []map[string]any
	// OpenTimeout bounds the wait for the data channel after the SDP
	// exchange. Zero waits on the Connect context only.
	OpenTimeout time.Duration
	// HTTPClient performs the SDP exchange; nil uses fasthttp's default client.
	HTTPClient *fasthttp.Client
}

type Client struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	apiKey  string
	cfg     *realtime.RealtimeSessionCreateRequestParam
	tools   []map[string]any
	timeout time.Duration
	httpc   *fasthttp.Client

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	running bool
	closed  bool

	eh     assistant.EventHandler
	audioH assistant.AudioHandler

	state  webrtc.PeerConnectionState
	opened chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var (
	_ assistant.Transport   = (*Client)(nil)
	_ assistant.AudioSource = (*Client)(nil)
)

func NewClient(logger shared.LoggerAdapter, cfg Config) (c *Client, err error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if cfg.Session == nil {
		return nil, shared.ErrNoConfig
	}
	var baseUrl *url.URL
	if cfg.BaseURL != "" {
		baseUrl, err = url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
	} else {
		baseUrl = &url.URL{
			Scheme: "https",
			Host:   "api.openai.com",
			Path:   "/v1",
		}
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	c = &Client{
		logger:  logger.With(zap.String("component", "webrtc")),
		baseUrl: baseUrl,
		apiKey:  cfg.APIKey,
		cfg:     cfg.Session,
		tools:   cfg.Tools,
		timeout: cfg.OpenTimeout,
		httpc:   cfg.HTTPClient,
		opened:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	defer func() {
		if err != nil {
			cancel(err)
			if c.pc != nil {
				_ = c.pc.Close()
			}
		}
	}()

	c.pc, err = webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	c.pc.OnConnectionStateChange(c.onConnectionStateChange)

	// The agent speaks on a receive-only audio track.
	if _, err = c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return nil, fmt.Errorf("adding audio transceiver: %w", err)
	}
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go c.playRemote(track)
		}
	})

	c.dc, err = c.pc.CreateDataChannel("oai", nil)
	if err != nil {
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	c.dc.OnOpen(func() {
		c.logger.Info("data channel opened")
		close(c.opened)
	})
	c.dc.OnClose(func() {
		c.cancel(errors.New("data channel closed"))
	})
	c.dc.OnMessage(c.onMessage)
	return c, nil
}

func (c *Client) onConnectionStateChange(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Trace(
		"peer connection state changed",
		zap.String("prev", c.state.String()),
		zap.String("new", state.String()),
	)
	c.state = state
	switch state {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		c.cancel(fmt.Errorf("peer connection state is %s", state))
	}
}

func (c *Client) onMessage(msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		c.logger.Warn("received non-string message on data channel")
		return
	}
	c.mu.Lock()
	eh := c.eh
	c.mu.Unlock()
	if eh == nil {
		return
	}
	event := new(assistant.ServerEvent)
	if err := event.UnmarshalJSON(msg.Data); err != nil {
		c.logger.Error(
			"can not unmarshal event",
			err,
			zap.ByteString("data", msg.Data),
		)
		return
	}
	eh(event)
}

func (c *Client) RegisterEventHandler(handler assistant.EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.eh != nil {
		return shared.ErrEHandlerAlreadySet
	}
	if handler == nil {
		return shared.ErrNoEventHandler
	}
	c.eh = handler
	return nil
}

// RegisterAudioHandler receives the agent's speech as PCM16 at
// PlaybackSampleRate.
func (c *Client) RegisterAudioHandler(handler assistant.AudioHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.audioH != nil {
		return shared.ErrAHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.audioH = handler
	return nil
}

// Connect performs the SDP exchange and waits for the data channel to open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return shared.ErrSessionClosed
	}
	if c.running {
		c.mu.Unlock()
		return shared.ErrSessionAlreadyRunning
	}
	if c.eh == nil {
		c.mu.Unlock()
		return shared.ErrNoEventHandler
	}
	c.running = true
	pc := c.pc
	c.mu.Unlock()

	if err := c.connect(ctx, pc); err != nil {
		// A failed connection is not retried; release it right away.
		c.cancel(err)
		if cerr := pc.Close(); cerr != nil {
			c.logger.Error("closing peer connection failed", cerr)
		}
		return err
	}
	c.logger.Info("connected")
	return nil
}

func (c *Client) connect(ctx context.Context, pc *webrtc.PeerConnection) error {
	if err := c.negotiate(ctx, pc); err != nil {
		return err
	}
	var timeout <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-c.opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	case <-timeout:
		return fmt.Errorf("data channel not open after %s", c.timeout)
	}
}

func (c *Client) negotiate(ctx context.Context, pc *webrtc.PeerConnection) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err = pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}
	answer, err := c.createSession(ctx, pc.LocalDescription().SDP)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

// createSession posts the offer and the session config as a multipart form
// and returns the SDP answer.
func (c *Client) createSession(ctx context.Context, offer string) (answer string, err error) {
	session, err := assistant.SessionPayload(c.cfg, c.tools)
	if err != nil {
		return "", err
	}
	sessBytes, err := sonic.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	if err := writePart(writer, "sdp", "application/sdp", []byte(offer)); err != nil {
		return "", err
	}
	if err := writePart(writer, "session", "application/json", sessBytes); err != nil {
		return "", err
	}
	if err = writer.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseUrl.JoinPath("/realtime/calls").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.SetBody(body.Bytes())

	do := fasthttp.DoDeadline
	if c.httpc != nil {
		do = c.httpc.DoDeadline
	}
	deadline := time.Now().Add(sdpExchangeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	errC := make(chan error, 1)
	go func() {
		errC <- do(req, resp, deadline)
	}()
	select {
	case <-ctx.Done():
		// req and resp stay in use until do returns.
		<-errC
		return "", ctx.Err()
	case <-c.ctx.Done():
		<-errC
		return "", context.Cause(c.ctx)
	case err := <-errC:
		if err != nil {
			return "", fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	if resp.StatusCode() != fasthttp.StatusCreated {
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	return string(resp.Body()), nil
}

func writePart(w *multipart.Writer, name, contentType string, data []byte) error {
	headers := textproto.MIMEHeader{}
	headers.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, name))
	headers.Set("Content-Type", contentType)
	part, err := w.CreatePart(headers)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", name, err)
	}
	if _, err = part.Write(data); err != nil {
		return fmt.Errorf("writing %s part: %w", name, err)
	}
	return nil
}

// playRemote decodes the agent's opus track until it ends.
func (c *Client) playRemote(track *webrtc.TrackRemote) {
	codec := track.Codec()
	c.logger.Info("receiving remote audio",
		zap.String("codec", codec.MimeType),
		zap.Uint32("clockRate", codec.ClockRate),
		zap.Uint16("channels", codec.Channels),
	)
	c.mu.Lock()
	handler := c.audioH
	c.mu.Unlock()
	if handler == nil {
		c.logger.Warn("no audio handler registered; discarding remote audio")
		return
	}
	decoder, err := newFrameDecoder()
	if err != nil {
		c.logger.Error("creating Opus decoder", err)
		return
	}
	for {
		rtp, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && c.ctx.Err() == nil {
				c.logger.Error("reading RTP packet", err)
			}
			return
		}
		if len(rtp.Payload) == 0 {
			continue
		}
		pcm, err := decoder.decode(rtp.Payload)
		if err != nil {
			c.logger.Error("decoding Opus", err)
			continue
		}
		handler(pcm)
	}
}

type frameDecoder struct {
	dec *opus.Decoder
	pcm []int16
}

func newFrameDecoder() (*frameDecoder, error) {
	dec, err := opus.NewDecoder(PlaybackSampleRate, PlaybackChannels)
	if err != nil {
		return nil, err
	}
	return &frameDecoder{dec: dec, pcm: make([]int16, maxFrameSamples)}, nil
}

// decode returns one opus packet as little-endian PCM16.
func (d *frameDecoder) decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, err
	}
	return tools.PCM16Bytes(d.pcm[:n*PlaybackChannels]), nil
}

// Send writes one event on the data channel.
func (c *Client) Send(event *assistant.ClientEvent) error {
	c.mu.Lock()
	dc, running, closed := c.dc, c.running, c.closed
	c.mu.Unlock()
	if !running || closed || dc == nil {
		return shared.ErrNotConnected
	}
	data, err := event.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", event.Type, err)
	}
	if err := dc.SendText(string(data)); err != nil {
		return fmt.Errorf("sending %s: %w", event.Type, err)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.running = false
	pc := c.pc
	c.mu.Unlock()

	var err error
	if pc != nil {
		if err = pc.Close(); err != nil {
			c.logger.Error("closing peer connection failed", err)
		}
	}
	c.cancel(errors.New("client closed"))
	return err
}

func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Client) State() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
