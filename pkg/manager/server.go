package manager

import (
	"context"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/rivetkit/rivetkit-go/pkg/actor"
	"github.com/rivetkit/rivetkit-go/pkg/config"
	"github.com/rivetkit/rivetkit-go/pkg/driver"
)

// Server is the gateway HTTP server: the manager API plus the actor
// connection surface. With a Supervisor it serves actors inline; with a Proxy
// it forwards to the runner that holds each actor.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *actor.Registry
	mgr      driver.ManagerDriver
	sup      *Supervisor
	proxy    *Proxy

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer builds an inline-mode gateway.
func NewServer(cfg *config.Config, registry *actor.Registry, mgr driver.ManagerDriver, sup *Supervisor, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: registry,
		mgr:      mgr,
		sup:      sup,
	}
	s.echo = s.buildRouter()
	return s
}

// NewProxyServer builds a proxy-mode gateway: actor traffic is forwarded to
// the runner holding each actor instead of being served in process.
func NewProxyServer(cfg *config.Config, registry *actor.Registry, mgr driver.ManagerDriver, proxy *Proxy, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: registry,
		mgr:      mgr,
		proxy:    proxy,
	}
	s.echo = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	// Manager surface. Banner and health stay unauthenticated for load
	// balancers and uptime checks.
	e.GET("/", s.bannerHandler)
	e.GET("/health", s.healthHandler)
	e.GET("/metadata", s.metadataHandler, s.requireToken)
	e.GET("/actors", s.listActorsHandler, s.requireToken)
	e.PUT("/actors", s.getOrCreateActorHandler, s.requireToken)
	e.POST("/actors", s.createActorHandler, s.requireToken)
	e.GET("/start", s.startHandler, s.requireToken)

	// Actor surface. The WebSocket endpoints authenticate via the
	// rivet_token subprotocol entry because browsers cannot set headers on
	// upgrade requests.
	e.GET("/connect/websocket", s.connectWebSocketHandler)
	e.GET("/connect/sse", s.connectSSEHandler, s.requireToken)
	e.POST("/action/:name", s.actionHandler, s.requireToken)
	e.POST("/connections/message", s.connectionMessageHandler, s.requireToken)
	e.Any("/raw/http/*", s.rawHTTPHandler, s.requireToken)
	e.GET("/raw/websocket/*", s.rawWebSocketHandler)

	return e
}

// Handler exposes the router, mainly for httptest servers.
func (s *Server) Handler() http.Handler { return s.echo }

// Start runs the HTTP listener. It blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}
