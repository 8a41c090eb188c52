package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// Encoding identifies a wire serialization. It is negotiated at handshake and
// fixed for the connection's life.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
	EncodingBARE Encoding = "bare"
)

// ParseEncoding validates an encoding name from a handshake.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case EncodingJSON, EncodingCBOR, EncodingBARE:
		return Encoding(s), nil
	default:
		return "", rivet.InvalidEncoding(s)
	}
}

// IsBinary reports whether the encoding produces binary frames (and so needs
// the base64 bridge on text transports).
func (e Encoding) IsBinary() bool {
	return e != EncodingJSON
}

// EncodeToServer serializes a client→actor message.
func (e Encoding) EncodeToServer(m *ToServer) ([]byte, error) {
	switch e {
	case EncodingJSON:
		return encodeJSONToServer(m)
	case EncodingCBOR:
		return encodeCBORToServer(m)
	case EncodingBARE:
		return encodeBAREToServer(m)
	default:
		return nil, rivet.InvalidEncoding(string(e))
	}
}

// DecodeToServer deserializes a client→actor message, enforcing maxSize when
// maxSize > 0.
func (e Encoding) DecodeToServer(data []byte, maxSize int) (*ToServer, error) {
	if maxSize > 0 && len(data) > maxSize {
		return nil, rivet.MessageTooLong(len(data), maxSize)
	}
	switch e {
	case EncodingJSON:
		return decodeJSONToServer(data)
	case EncodingCBOR:
		return decodeCBORToServer(data)
	case EncodingBARE:
		return decodeBAREToServer(data)
	default:
		return nil, rivet.InvalidEncoding(string(e))
	}
}

// EncodeToClient serializes an actor→client message.
func (e Encoding) EncodeToClient(m *ToClient) ([]byte, error) {
	switch e {
	case EncodingJSON:
		return encodeJSONToClient(m)
	case EncodingCBOR:
		return encodeCBORToClient(m)
	case EncodingBARE:
		return encodeBAREToClient(m)
	default:
		return nil, rivet.InvalidEncoding(string(e))
	}
}

// DecodeToClient deserializes an actor→client message. Used by the WebSocket
// proxy and by client-side tests.
func (e Encoding) DecodeToClient(data []byte) (*ToClient, error) {
	switch e {
	case EncodingJSON:
		return decodeJSONToClient(data)
	case EncodingCBOR:
		return decodeCBORToClient(data)
	case EncodingBARE:
		return decodeBAREToClient(data)
	default:
		return nil, rivet.InvalidEncoding(string(e))
	}
}

// EncodeHTTPActionRequest frames a one-shot action call body.
func (e Encoding) EncodeHTTPActionRequest(r *HTTPActionRequest) ([]byte, error) {
	switch e {
	case EncodingJSON:
		return json.Marshal(jsonHTTPActionRequest{Args: r.Args})
	case EncodingCBOR:
		return MarshalCBOR(cborHTTPActionRequest{Args: r.Args})
	case EncodingBARE:
		return bareMarshal(&bareHTTPActionRequest{Args: r.Args})
	default:
		return nil, rivet.InvalidEncoding(string(e))
	}
}

// DecodeHTTPActionRequest parses a one-shot action call body.
func (e Encoding) DecodeHTTPActionRequest(data []byte, maxSize int) (*HTTPActionRequest, error) {
	if maxSize > 0 && len(data) > maxSize {
		return nil, rivet.MessageTooLong(len(data), maxSize)
	}
	switch e {
	case EncodingJSON:
		var v jsonHTTPActionRequest
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &HTTPActionRequest{Args: v.Args}, nil
	case EncodingCBOR:
		var v cborHTTPActionRequest
		if err := UnmarshalCBOR(data, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &HTTPActionRequest{Args: v.Args}, nil
	case EncodingBARE:
		var v bareHTTPActionRequest
		if err := bareUnmarshal(data, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &HTTPActionRequest{Args: v.Args}, nil
	default:
		return nil, rivet.InvalidEncoding(string(e))
	}
}

// EncodeHTTPActionResponse frames a one-shot action result body.
func (e Encoding) EncodeHTTPActionResponse(r *HTTPActionResponse) ([]byte, error) {
	switch e {
	case EncodingJSON:
		return json.Marshal(jsonHTTPActionResponse{Output: r.Output})
	case EncodingCBOR:
		return MarshalCBOR(cborHTTPActionResponse{Output: r.Output})
	case EncodingBARE:
		return bareMarshal(&bareHTTPActionResponse{Output: r.Output})
	default:
		return nil, rivet.InvalidEncoding(string(e))
	}
}

// DecodeHTTPActionResponse parses a one-shot action result body.
func (e Encoding) DecodeHTTPActionResponse(data []byte) (*HTTPActionResponse, error) {
	switch e {
	case EncodingJSON:
		var v jsonHTTPActionResponse
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &HTTPActionResponse{Output: v.Output}, nil
	case EncodingCBOR:
		var v cborHTTPActionResponse
		if err := UnmarshalCBOR(data, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &HTTPActionResponse{Output: v.Output}, nil
	case EncodingBARE:
		var v bareHTTPActionResponse
		if err := bareUnmarshal(data, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &HTTPActionResponse{Output: v.Output}, nil
	default:
		return nil, rivet.InvalidEncoding(string(e))
	}
}

// EncodeHTTPResponseError frames an error body for a plain HTTP response.
func (e Encoding) EncodeHTTPResponseError(re *HTTPResponseError) ([]byte, error) {
	switch e {
	case EncodingJSON:
		v := jsonHTTPResponseError{Group: re.Group, Code: re.Code, Message: re.Message}
		if re.Metadata != nil {
			md := jsonBytes(re.Metadata)
			v.Metadata = &md
		}
		return json.Marshal(v)
	case EncodingCBOR:
		return MarshalCBOR(cborHTTPResponseError{Group: re.Group, Code: re.Code, Message: re.Message, Metadata: re.Metadata})
	case EncodingBARE:
		v := bareHTTPResponseError{Group: re.Group, Code: re.Code, Message: re.Message}
		if re.Metadata != nil {
			md := re.Metadata
			v.Metadata = &md
		}
		return bareMarshal(&v)
	default:
		return nil, rivet.InvalidEncoding(string(e))
	}
}

// ContentType returns the Content-Type for HTTP bodies in this encoding.
func (e Encoding) ContentType() string {
	switch e {
	case EncodingJSON:
		return "application/json"
	case EncodingCBOR:
		return "application/cbor"
	default:
		return "application/octet-stream"
	}
}

// EncodeSSEData prepares a serialized frame for the data: field of an SSE
// event. Binary encodings are base64-framed; json rides as-is.
func (e Encoding) EncodeSSEData(payload []byte) string {
	if e.IsBinary() {
		return base64.StdEncoding.EncodeToString(payload)
	}
	return string(payload)
}

// DecodeSSEData inverts EncodeSSEData.
func (e Encoding) DecodeSSEData(data string) ([]byte, error) {
	if e.IsBinary() {
		b, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, rivet.MalformedMessage(fmt.Errorf("invalid base64 SSE frame: %w", err))
		}
		return b, nil
	}
	return []byte(data), nil
}
