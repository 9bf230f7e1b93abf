package broker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/warden/internal/metrics"
)

const testToken = "s3cret"

func newTestBroker(t *testing.T, prompter Prompter) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	d := NewDecider(openGrants(t, filepath.Join(dir, "grants")), nil, prompter)
	srv := httptest.NewServer(NewServer(d, testToken).Handler())
	t.Cleanup(srv.Close)
	return srv, dir
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ipc"
}

func TestServerAnswersByID(t *testing.T) {
	srv, dir := newTestBroker(t, &countingPrompter{answer: false})
	plugin := writePlugin(t, dir, pluginWriter("Foo"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, wsjson.Write(ctx, conn, Request{ID: 1, PluginPath: plugin}.envelope()))
	require.NoError(t, wsjson.Write(ctx, conn, Check{ID: 2, PluginPath: plugin}.envelope()))

	for _, want := range []uint64{1, 2} {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		msg, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, Response{ID: want}, msg)
	}
}

func TestServerRepliesToMalformedWithID(t *testing.T) {
	srv, _ := newTestBroker(t, &countingPrompter{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"nonsense","id":5}`)))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"failure","id":5}`, string(data))
}

func TestServerRejectsBadToken(t *testing.T) {
	srv, _ := newTestBroker(t, &countingPrompter{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer wrong"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = Dial(ctx, wsURL(srv), "wrong")
	assert.ErrorIs(t, err, ErrBrokerDown)
}

func TestServerLoopbackOnly(t *testing.T) {
	d := NewDecider(nil, nil, &countingPrompter{})
	h := NewServer(d, testToken).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestClientRoundTrip(t *testing.T) {
	srv, dir := newTestBroker(t, &countingPrompter{answer: true})
	plugin := writePlugin(t, dir, pluginWriter("Foo"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(srv), testToken)
	require.NoError(t, err)
	defer c.Close()

	ok, err := c.CheckAccess(ctx, plugin)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.RequestAccess(ctx, Request{PluginPath: plugin, Reason: "io"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.CheckAccess(ctx, plugin)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestServerMetrics(t *testing.T) {
	m := metrics.New()
	dir := t.TempDir()
	d := NewDecider(openGrants(t, filepath.Join(dir, "grants")), nil, &countingPrompter{answer: true},
		WithDeciderMetrics(m))
	srv := httptest.NewServer(NewServer(d, testToken, WithMetricsHandler(m.Handler())).Handler())
	defer srv.Close()
	plugin := writePlugin(t, dir, pluginWriter("Foo"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(srv), testToken)
	require.NoError(t, err)
	defer c.Close()
	ok, err := c.RequestAccess(ctx, Request{PluginPath: plugin})
	require.NoError(t, err)
	require.True(t, ok)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `warden_broker_decisions_total{outcome="granted",type="request"} 1`)
}

// stubBroker accepts one connection and hands it to fn.
func stubBroker(t *testing.T, fn func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		fn(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientFailsPendingOnDisconnect(t *testing.T) {
	srv := stubBroker(t, func(ctx context.Context, conn *websocket.Conn) {
		_, _, _ = conn.Read(ctx)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(srv), testToken)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.CheckAccess(ctx, "/p/foo.plugin")
	assert.ErrorIs(t, err, ErrBrokerDown)

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("client did not notice the disconnect")
	}
	_, err = c.CheckAccess(ctx, "/p/foo.plugin")
	assert.ErrorIs(t, err, ErrBrokerDown)
}

func TestClientTimeout(t *testing.T) {
	srv := stubBroker(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(srv), testToken, WithRequestTimeout(50*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.CheckAccess(ctx, "/p/foo.plugin")
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestClientIgnoresUnknownIDs(t *testing.T) {
	srv := stubBroker(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			id, _ := DecodeID(data)
			_ = wsjson.Write(ctx, conn, Response{ID: id + 100, Granted: true}.envelope())
			_ = wsjson.Write(ctx, conn, Response{ID: id}.envelope())
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(srv), testToken)
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 3; i++ {
		ok, err := c.CheckAccess(ctx, "/p/foo.plugin")
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestServeWritesReadyLine(t *testing.T) {
	d := NewDecider(nil, nil, &countingPrompter{})
	ln, err := Listen(0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ready := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- NewServer(d, testToken).Serve(ctx, ln, ready)
	}()

	require.Eventually(t, func() bool {
		return strings.HasPrefix(ready.String(), ReadyPrefix+" ")
	}, 2*time.Second, 10*time.Millisecond)
	port, ok := parseReady(ready.String())
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(port), ln.Addr().String())

	cancel()
	assert.NoError(t, <-done)
}

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}
