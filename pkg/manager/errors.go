package manager

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/rivetkit/rivetkit-go/pkg/protocol"
	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// errorBody is the JSON error shape on manager endpoints.
type errorBody struct {
	Group    string `json:"group"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Metadata any    `json:"metadata,omitempty"`
}

// mapManagerError maps runtime errors to HTTP error responses on the JSON
// manager surface.
func mapManagerError(c *echo.Context, err error, expose bool) error {
	var re *rivet.Error
	if errors.As(err, &re) {
		wire := re.ForWire(expose)
		return c.JSON(wire.StatusCode(), errorBody{
			Group:    wire.Group,
			Code:     wire.Code,
			Message:  wire.Message,
			Metadata: wire.Metadata,
		})
	}
	slog.Error("Unexpected gateway error", "error", err)
	wire := rivet.InternalError()
	return c.JSON(http.StatusInternalServerError, errorBody{
		Group: wire.Group, Code: wire.Code, Message: wire.Message,
	})
}

// writeActorError writes an error body in the request's negotiated encoding,
// for the actor HTTP surface (actions, connection message injection).
func writeActorError(c *echo.Context, enc protocol.Encoding, err error, expose bool) error {
	wire := rivet.WrapInternal(err).ForWire(expose)

	var meta []byte
	if len(wire.Metadata) > 0 {
		meta, _ = protocol.MarshalCBOR(wire.Metadata)
	}
	body, encErr := enc.EncodeHTTPResponseError(&protocol.HTTPResponseError{
		Group:    wire.Group,
		Code:     wire.Code,
		Message:  wire.Message,
		Metadata: meta,
	})
	if encErr != nil {
		return mapManagerError(c, err, expose)
	}
	return c.Blob(wire.StatusCode(), enc.ContentType(), body)
}
