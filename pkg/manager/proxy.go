package manager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

const (
	proxyMaxRetries      = 3
	proxyInitialInterval = 100 * time.Millisecond
)

// Proxy forwards actor-surface traffic to the runner that serves the actors.
// HTTP requests are rebuilt from scratch so only the rivet protocol headers
// cross the hop; WebSocket upgrades are dialed upstream and shuttled.
type Proxy struct {
	upstream *url.URL
	client   *http.Client
	log      *slog.Logger
}

// NewProxy builds a proxy for the given upstream runner endpoint.
func NewProxy(endpoint string, log *slog.Logger) (*Proxy, error) {
	upstream, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy endpoint: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("proxy endpoint %q must be an absolute URL", endpoint)
	}
	if log == nil {
		log = slog.Default()
	}
	// No client timeout: SSE streams stay open indefinitely and are bounded
	// by the request context instead.
	return &Proxy{
		upstream: upstream,
		client:   &http.Client{},
		log:      log,
	}, nil
}

// upstreamURL maps a gateway request path onto the upstream endpoint.
func (p *Proxy) upstreamURL(r *http.Request) string {
	u := *p.upstream
	u.Path = strings.TrimSuffix(u.Path, "/") + r.URL.Path
	u.RawQuery = r.URL.RawQuery
	return u.String()
}

// forwardHeaders copies the rivet protocol headers plus content negotiation
// onto an upstream request. Nothing else crosses the hop.
func forwardHeaders(dst, src http.Header) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-rivet-") || lower == "content-type" || lower == "accept" {
			dst[http.CanonicalHeaderKey(name)] = values
		}
	}
}

// ForwardHTTP replays the request against the upstream runner, retrying
// transport failures before any response byte reaches the client.
func (p *Proxy) ForwardHTTP(c *echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return mapManagerError(c, rivet.MalformedMessage(err), false)
	}

	var resp *http.Response
	operation := func() error {
		req, err := http.NewRequestWithContext(
			c.Request().Context(), c.Request().Method, p.upstreamURL(c.Request()), bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		forwardHeaders(req.Header, c.Request().Header)
		resp, err = p.client.Do(req)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newProxyBackOff(), proxyMaxRetries),
		c.Request().Context())
	if err := backoff.Retry(operation, policy); err != nil {
		p.log.Error("Proxy request failed", "path", c.Request().URL.Path, "error", err)
		return c.JSON(http.StatusBadGateway, errorBody{
			Group: "gateway", Code: "upstream_unreachable", Message: "upstream runner unreachable",
		})
	}
	defer resp.Body.Close()

	forwardHeaders(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)

	// Flush after every chunk so proxied SSE streams are delivered live.
	var w io.Writer = c.Response()
	if flush, ok := http.ResponseWriter(c.Response()).(http.Flusher); ok {
		w = flushWriter{w: c.Response(), flush: flush}
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

type flushWriter struct {
	w     io.Writer
	flush http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.flush.Flush()
	return n, err
}

func newProxyBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = proxyInitialInterval
	return b
}

// ForwardWebSocket accepts the client upgrade, dials the same path upstream
// with the client's subprotocol entries, and shuttles frames both ways. The
// client side is always closed with a normal closure after the upstream ends,
// since some intermediaries drop connections that close with other codes.
func (p *Proxy) ForwardWebSocket(c *echo.Context) error {
	clientConn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		Subprotocols:       []string{rivet.WSProtocolStandard},
		InsecureSkipVerify: true,
	})
	if err != nil {
		p.log.Warn("WebSocket upgrade failed", "error", err)
		return nil
	}

	dialURL := p.upstreamURL(c.Request())
	if u, parseErr := url.Parse(dialURL); parseErr == nil {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		case "http":
			u.Scheme = "ws"
		}
		dialURL = u.String()
	}

	ctx := c.Request().Context()
	upstreamConn, _, err := websocket.Dial(ctx, dialURL, &websocket.DialOptions{
		Subprotocols: splitSubprotocols(c.Request()),
	})
	if err != nil {
		p.log.Error("Proxy WebSocket dial failed", "path", c.Request().URL.Path, "error", err)
		_ = clientConn.Close(websocket.StatusInternalError, "gateway/upstream_unreachable")
		return nil
	}

	done := make(chan struct{}, 2)
	go shuttle(ctx, upstreamConn, clientConn, done)
	go shuttle(ctx, clientConn, upstreamConn, done)
	<-done

	_ = upstreamConn.Close(websocket.StatusNormalClosure, "")
	_ = clientConn.Close(websocket.StatusNormalClosure, "")
	<-done
	return nil
}

// shuttle copies frames from src to dst until either side closes.
func shuttle(ctx context.Context, dst, src *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		msgType, data, err := src.Read(ctx)
		if err != nil {
			return
		}
		if err := dst.Write(ctx, msgType, data); err != nil {
			return
		}
	}
}

func splitSubprotocols(r *http.Request) []string {
	var entries []string
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, entry := range strings.Split(header, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				entries = append(entries, entry)
			}
		}
	}
	return entries
}
