package webrtc

import (
	"context"
	"net"
	"testing"

	assistant "github.com/bt-bridge/realtime-assistant"
	"github.com/bt-bridge/realtime-assistant/shared"
	"github.com/bytedance/sonic"
	"github.com/hraban/opus"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func sessionConfig() *realtime.RealtimeSessionCreateRequestParam {
	return &realtime.RealtimeSessionCreateRequestParam{
		Instructions: param.NewOpt("Be brief."),
		Model:        "gpt-realtime",
	}
}

// callsServer answers SDP offers on an in-memory listener.
func callsServer(t *testing.T, handler fasthttp.RequestHandler) *fasthttp.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := NewClient(shared.NewNopLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil, Config{APIKey: "k", Session: sessionConfig()})
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewClient(shared.NewNopLogger(), Config{Session: sessionConfig()})
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)
	_, err = NewClient(shared.NewNopLogger(), Config{APIKey: "k"})
	assert.ErrorIs(t, err, shared.ErrNoConfig)

	c := newTestClient(t, Config{APIKey: "k", Session: sessionConfig()})
	assert.Equal(t, "https://api.openai.com/v1", c.baseUrl.String())
}

func TestHandlerRegistration(t *testing.T) {
	c := newTestClient(t, Config{APIKey: "k", Session: sessionConfig()})

	assert.ErrorIs(t, c.RegisterEventHandler(nil), shared.ErrNoEventHandler)
	require.NoError(t, c.RegisterEventHandler(func(*assistant.ServerEvent) {}))
	assert.ErrorIs(t, c.RegisterEventHandler(func(*assistant.ServerEvent) {}), shared.ErrEHandlerAlreadySet)

	require.NoError(t, c.RegisterAudioHandler(func([]byte) {}))
	assert.ErrorIs(t, c.RegisterAudioHandler(func([]byte) {}), shared.ErrAHandlerAlreadySet)

	assert.ErrorIs(t, c.Send(assistant.NewResponseCreate(nil, "hi")), shared.ErrNotConnected)
}

func TestCreateSessionPostsOfferAndConfig(t *testing.T) {
	type captured struct {
		path, auth, sdp string
		session         map[string]any
	}
	got := make(chan captured, 1)
	httpc := callsServer(t, func(ctx *fasthttp.RequestCtx) {
		form, err := ctx.MultipartForm()
		if err != nil {
			ctx.Error(err.Error(), fasthttp.StatusBadRequest)
			return
		}
		var session map[string]any
		_ = sonic.UnmarshalString(form.Value["session"][0], &session)
		got <- captured{
			path:    string(ctx.Path()),
			auth:    string(ctx.Request.Header.Peek("Authorization")),
			sdp:     form.Value["sdp"][0],
			session: session,
		}
		ctx.SetStatusCode(fasthttp.StatusCreated)
		ctx.SetBodyString("v=0 answer")
	})

	c := newTestClient(t, Config{
		BaseURL:    "http://realtime.test/v1",
		APIKey:     "sk-test",
		Session:    sessionConfig(),
		HTTPClient: httpc,
	})
	answer, err := c.createSession(context.Background(), "v=0 offer")
	require.NoError(t, err)
	assert.Equal(t, "v=0 answer", answer)

	req := <-got
	assert.Equal(t, "/v1/realtime/calls", req.path)
	assert.Equal(t, "Bearer sk-test", req.auth)
	assert.Equal(t, "v=0 offer", req.sdp)
	assert.Equal(t, "Be brief.", req.session["instructions"])
	assert.Equal(t, "gpt-realtime", req.session["model"])
}

func TestCreateSessionRejectsUnexpectedStatus(t *testing.T) {
	httpc := callsServer(t, func(ctx *fasthttp.RequestCtx) {
		ctx.Error("invalid api key", fasthttp.StatusUnauthorized)
	})
	c := newTestClient(t, Config{
		BaseURL:    "http://realtime.test/v1",
		APIKey:     "bad",
		Session:    sessionConfig(),
		HTTPClient: httpc,
	})
	_, err := c.createSession(context.Background(), "v=0 offer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestCloseIsIdempotent(t *testing.T) {
	c := newTestClient(t, Config{APIKey: "k", Session: sessionConfig()})
	require.NoError(t, c.RegisterEventHandler(func(*assistant.ServerEvent) {}))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	<-c.Done()
	assert.ErrorIs(t, c.Connect(context.Background()), shared.ErrSessionClosed)
}

func TestFrameDecoderProducesPCM16(t *testing.T) {
	enc, err := opus.NewEncoder(PlaybackSampleRate, PlaybackChannels, opus.AppVoIP)
	require.NoError(t, err)
	// 20ms of silence
	pcm := make([]int16, PlaybackSampleRate/50)
	packet := make([]byte, 1000)
	n, err := enc.Encode(pcm, packet)
	require.NoError(t, err)

	dec, err := newFrameDecoder()
	require.NoError(t, err)
	out, err := dec.decode(packet[:n])
	require.NoError(t, err)
	assert.Len(t, out, len(pcm)*2)
}
