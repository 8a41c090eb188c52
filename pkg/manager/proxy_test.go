package manager

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivetkit/rivetkit-go/pkg/actor"
	"github.com/rivetkit/rivetkit-go/pkg/config"
	"github.com/rivetkit/rivetkit-go/pkg/driver"
	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

func newProxyGateway(t *testing.T, upstream string) *httptest.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	registry := actor.NewRegistry()
	require.NoError(t, registry.Register(counterDefinition()))
	drv := driver.NewMemoryDriver()

	proxy, err := NewProxy(upstream, nil)
	require.NoError(t, err)
	server := NewProxyServer(cfg, registry, drv, proxy, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestProxyForwardsHTTP(t *testing.T) {
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(upstream.Close)

	ts := newProxyGateway(t, upstream.URL)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/action/increment", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set(rivet.HeaderActor, "some-actor")
	req.Header.Set(rivet.HeaderEncoding, "json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer nope")
	req.Header.Set("Cookie", "session=1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// upstream status and body pass through untouched
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	// only protocol and content negotiation headers cross the hop
	assert.Equal(t, "some-actor", seen.Get(rivet.HeaderActor))
	assert.Equal(t, "json", seen.Get(rivet.HeaderEncoding))
	assert.Equal(t, "application/json", seen.Get("Content-Type"))
	assert.Empty(t, seen.Get("Authorization"))
	assert.Empty(t, seen.Get("Cookie"))
}

func TestProxyUnreachableUpstream(t *testing.T) {
	// a listener that was closed immediately leaves a refused port behind
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	ts := newProxyGateway(t, deadURL)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/action/increment", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set(rivet.HeaderActor, "some-actor")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestProxyWebSocketShuttle(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:       []string{rivet.WSProtocolStandard},
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		// echo one frame, then close
		ctx := r.Context()
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		_ = conn.Write(ctx, msgType, data)
		_ = conn.Close(websocket.StatusGoingAway, "upstream done")
	}))
	t.Cleanup(upstream.Close)

	ts := newProxyGateway(t, upstream.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/connect/websocket"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{rivet.WSProtocolStandard, rivet.WSProtocolActor + "a1"},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("ping")))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))

	// after the upstream closes, the client always sees a normal closure
	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}
