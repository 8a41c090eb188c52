package manager

import (
	"crypto/subtle"

	echo "github.com/labstack/echo/v5"

	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// requireToken enforces the configured gateway token from the x-rivet-token
// header. With no token configured the gateway is open.
func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if err := s.checkToken(c.Request().Header.Get(rivet.HeaderToken)); err != nil {
			return mapManagerError(c, err, s.cfg.Actors.ExposeInternalError)
		}
		return next(c)
	}
}

// checkToken validates a presented token against the configured one in
// constant time. A missing token is unauthorized, a wrong one forbidden.
func (s *Server) checkToken(presented string) error {
	expected := s.cfg.Server.Token
	if expected == "" {
		return nil
	}
	if presented == "" {
		return rivet.Unauthorized()
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
		return rivet.Forbidden()
	}
	return nil
}
