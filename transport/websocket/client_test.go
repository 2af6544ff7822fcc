package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	assistant "github.com/bt-bridge/realtime-assistant"
	"github.com/bt-bridge/realtime-assistant/shared"
	"github.com/bytedance/sonic"
	gws "github.com/gorilla/websocket"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	*httptest.Server
	received chan map[string]any
	conns    chan *gws.Conn
	header   chan http.Header
	query    chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		received: make(chan map[string]any, 16),
		conns:    make(chan *gws.Conn, 1),
		header:   make(chan http.Header, 1),
		query:    make(chan string, 1),
	}
	upgrader := gws.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.header <- r.Header.Clone()
		fs.query <- r.URL.Query().Get("model")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if sonic.Unmarshal(data, &m) == nil {
				fs.received <- m
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-fs.received:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("server received nothing")
		return nil
	}
}

type eventSink struct {
	mu     sync.Mutex
	events []*assistant.ServerEvent
}

func (s *eventSink) handle(e *assistant.ServerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil, Config{APIKey: "k"})
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewClient(shared.NewNopLogger(), Config{})
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)
	_, err = NewClient(shared.NewNopLogger(), Config{APIKey: "k", URL: "https://api.openai.com/v1/realtime"})
	assert.Error(t, err)

	c, err := NewClient(shared.NewNopLogger(), Config{APIKey: "k", Model: "gpt-realtime"})
	require.NoError(t, err)
	assert.Equal(t, "wss://api.openai.com/v1/realtime?model=gpt-realtime", c.url.String())
}

func TestConnectRequiresHandler(t *testing.T) {
	c, err := NewClient(shared.NewNopLogger(), Config{APIKey: "k"})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Connect(context.Background()), shared.ErrNoEventHandler)
	assert.ErrorIs(t, c.Send(assistant.NewResponseCreate(nil, "hi")), shared.ErrNotConnected)
}

func TestClientRoundTrip(t *testing.T) {
	fs := newFakeServer(t)
	c, err := NewClient(shared.NewNopLogger(), Config{
		URL:    fs.wsURL(),
		APIKey: "sk-test",
		Model:  "gpt-realtime",
		Beta:   true,
		Session: &realtime.RealtimeSessionCreateRequestParam{
			Instructions: param.NewOpt("Be brief."),
		},
	})
	require.NoError(t, err)
	sink := &eventSink{}
	require.NoError(t, c.RegisterEventHandler(sink.handle))
	assert.ErrorIs(t, c.RegisterEventHandler(sink.handle), shared.ErrEHandlerAlreadySet)

	require.NoError(t, c.Connect(context.Background()))
	h := <-fs.header
	assert.Equal(t, "Bearer sk-test", h.Get("Authorization"))
	assert.Equal(t, "realtime=v1", h.Get("OpenAI-Beta"))
	assert.Equal(t, "gpt-realtime", <-fs.query)
	assert.ErrorIs(t, c.Connect(context.Background()), shared.ErrSessionAlreadyRunning)

	update := fs.next(t)
	assert.Equal(t, "session.update", update["type"])
	assert.Equal(t, "Be brief.", update["session"].(map[string]any)["instructions"])

	require.NoError(t, c.Send(assistant.NewInputAudioBufferAppend([]byte{0, 0, 0, 0})))
	appended := fs.next(t)
	assert.Equal(t, "input_audio_buffer.append", appended["type"])
	assert.Equal(t, "AAAAAA==", appended["audio"])

	server := <-fs.conns
	require.NoError(t, server.WriteMessage(gws.TextMessage, []byte(`{"type":"response.audio.delta","delta":"AAAAAA=="}`)))
	require.NoError(t, server.WriteMessage(gws.TextMessage, []byte(`not json`)))
	require.NoError(t, server.WriteMessage(gws.TextMessage, []byte(`{"type":"response.audio.done"}`)))
	require.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, assistant.ServerEventTypeResponseAudioDelta, sink.events[0].Type)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after Close")
	}
	assert.ErrorIs(t, c.Send(assistant.NewResponseCreate(nil, "late")), shared.ErrNotConnected)
	assert.ErrorIs(t, c.Connect(context.Background()), shared.ErrSessionClosed)
}

func TestConcurrentSends(t *testing.T) {
	fs := newFakeServer(t)
	c, err := NewClient(shared.NewNopLogger(), Config{URL: fs.wsURL(), APIKey: "k"})
	require.NoError(t, err)
	require.NoError(t, c.RegisterEventHandler(func(*assistant.ServerEvent) {}))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	const n = 40
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range n / 4 {
				assert.NoError(t, c.Send(assistant.NewInputAudioBufferAppend([]byte{1, 2})))
			}
		}()
	}
	wg.Wait()
	for range n {
		assert.Equal(t, "input_audio_buffer.append", fs.next(t)["type"])
	}
}

func TestRemoteCloseEndsClient(t *testing.T) {
	fs := newFakeServer(t)
	c, err := NewClient(shared.NewNopLogger(), Config{URL: fs.wsURL(), APIKey: "k"})
	require.NoError(t, err)
	require.NoError(t, c.RegisterEventHandler(func(*assistant.ServerEvent) {}))
	require.NoError(t, c.Connect(context.Background()))

	server := <-fs.conns
	require.NoError(t, server.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, "bye")))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after remote close")
	}
	require.NoError(t, c.Close())
}

func TestConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(shared.NewNopLogger(), Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), APIKey: "bad"})
	require.NoError(t, err)
	require.NoError(t, c.RegisterEventHandler(func(*assistant.ServerEvent) {}))
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
