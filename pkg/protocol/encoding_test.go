package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

var allEncodings = []Encoding{EncodingJSON, EncodingCBOR, EncodingBARE}

func TestParseEncoding(t *testing.T) {
	for _, name := range []string{"json", "cbor", "bare"} {
		enc, err := ParseEncoding(name)
		require.NoError(t, err)
		assert.Equal(t, name, string(enc))
	}

	_, err := ParseEncoding("msgpack")
	require.Error(t, err)
	var rerr *rivet.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "encoding/invalid", rerr.FullCode())
}

func TestToServerRoundTrip(t *testing.T) {
	args, err := MarshalCBOR([]any{int64(5), "hello"})
	require.NoError(t, err)

	messages := []*ToServer{
		{Body: ActionRequest{ID: 42, Name: "increment", Args: args}},
		{Body: SubscriptionRequest{EventName: "newCount", Subscribe: true}},
		{Body: SubscriptionRequest{EventName: "newCount", Subscribe: false}},
	}

	for _, enc := range allEncodings {
		for _, msg := range messages {
			data, err := enc.EncodeToServer(msg)
			require.NoError(t, err, "encoding %s", enc)

			decoded, err := enc.DecodeToServer(data, 0)
			require.NoError(t, err, "encoding %s", enc)
			assert.Equal(t, msg, decoded, "encoding %s", enc)
		}
	}
}

func TestToClientRoundTrip(t *testing.T) {
	output, err := MarshalCBOR(map[string]any{"count": 7})
	require.NoError(t, err)
	actionID := uint64(3)

	messages := []*ToClient{
		{Body: Init{ActorID: "a-1", ConnectionID: "c-1", ConnectionToken: "tok"}},
		{Body: ActionResponse{ID: 42, Output: output}},
		{Body: Event{Name: "newCount", Args: output}},
		{Body: Error{Group: "action", Code: "timed_out", Message: "action timed out", ActionID: &actionID}},
		{Body: Error{Group: "actor", Code: "internal_error", Message: "internal error"}},
	}

	for _, enc := range allEncodings {
		for _, msg := range messages {
			data, err := enc.EncodeToClient(msg)
			require.NoError(t, err, "encoding %s", enc)

			decoded, err := enc.DecodeToClient(data)
			require.NoError(t, err, "encoding %s", enc)
			assert.Equal(t, msg, decoded, "encoding %s", enc)
		}
	}
}

func TestDecodeToServerTooLong(t *testing.T) {
	msg := &ToServer{Body: SubscriptionRequest{EventName: "e", Subscribe: true}}
	data, err := EncodingJSON.EncodeToServer(msg)
	require.NoError(t, err)

	_, err = EncodingJSON.DecodeToServer(data, len(data)-1)
	var rerr *rivet.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "message/too_long", rerr.FullCode())

	// Exactly at the limit is fine.
	_, err = EncodingJSON.DecodeToServer(data, len(data))
	assert.NoError(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	for _, enc := range allEncodings {
		_, err := enc.DecodeToServer([]byte{0xff, 0x00, 0x01}, 0)
		var rerr *rivet.Error
		require.ErrorAs(t, err, &rerr, "encoding %s", enc)
		assert.Equal(t, "message/malformed", rerr.FullCode(), "encoding %s", enc)
	}

	// Valid JSON, unknown tag.
	_, err := EncodingJSON.DecodeToServer([]byte(`{"body":{"tag":"Bogus","val":{}}}`), 0)
	var rerr *rivet.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "message/malformed", rerr.FullCode())
}

func TestHTTPFramesRoundTrip(t *testing.T) {
	args, err := MarshalCBOR([]any{"x"})
	require.NoError(t, err)

	for _, enc := range allEncodings {
		reqData, err := enc.EncodeHTTPActionRequest(&HTTPActionRequest{Args: args})
		require.NoError(t, err)
		req, err := enc.DecodeHTTPActionRequest(reqData, 0)
		require.NoError(t, err)
		assert.Equal(t, args, req.Args, "encoding %s", enc)

		respData, err := enc.EncodeHTTPActionResponse(&HTTPActionResponse{Output: args})
		require.NoError(t, err)
		resp, err := enc.DecodeHTTPActionResponse(respData)
		require.NoError(t, err)
		assert.Equal(t, args, resp.Output, "encoding %s", enc)

		_, err = enc.EncodeHTTPResponseError(&HTTPResponseError{Group: "action", Code: "not_found", Message: "nope"})
		require.NoError(t, err)
	}
}

func TestSSEDataBridge(t *testing.T) {
	payload := []byte{0x00, 0x01, 0xfe, 0xff}

	// Binary encodings base64-frame the payload.
	framed := EncodingCBOR.EncodeSSEData(payload)
	assert.NotEqual(t, string(payload), framed)
	decoded, err := EncodingCBOR.DecodeSSEData(framed)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	// JSON rides as-is.
	text := []byte(`{"body":{}}`)
	assert.Equal(t, string(text), EncodingJSON.EncodeSSEData(text))
	decoded, err = EncodingJSON.DecodeSSEData(string(text))
	require.NoError(t, err)
	assert.Equal(t, text, decoded)

	_, err = EncodingBARE.DecodeSSEData("not-base64!!!")
	assert.Error(t, err)
}

func TestCachedSerializerMemoizes(t *testing.T) {
	s := NewCachedSerializer(&ToClient{Body: Event{Name: "e", Args: []byte{1, 2}}})

	for _, enc := range allEncodings {
		first, err := s.Serialize(enc)
		require.NoError(t, err)
		second, err := s.Serialize(enc)
		require.NoError(t, err)
		// Memoized output is the identical slice, not a re-serialization.
		assert.Equal(t, &first[0], &second[0], "encoding %s", enc)
	}
	assert.Len(t, s.cache, 3)
}
