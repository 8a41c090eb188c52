// Package rivet holds the types shared by every layer of the runtime: actor
// keys, the error taxonomy, and the stable protocol constants (header names,
// WebSocket subprotocol prefixes, close codes).
package rivet

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Headers carried on HTTP and SSE requests. Connection tokens travel in
// headers only — never in the URL path or query string.
const (
	HeaderTarget     = "x-rivet-target"
	HeaderActor      = "x-rivet-actor"
	HeaderActorQuery = "x-rivet-actor-query"
	HeaderEncoding   = "x-rivet-encoding"
	HeaderConnID     = "x-rivet-conn"
	HeaderConnParams = "x-rivet-conn-params"
	HeaderConnToken  = "x-rivet-conn-token"
	HeaderToken      = "x-rivet-token"
)

// Serverless start headers (manager GET /start).
const (
	HeaderEndpoint    = "x-rivet-endpoint"
	HeaderTotalSlots  = "x-rivet-total-slots"
	HeaderRunnerName  = "x-rivet-runner-name"
	HeaderNamespaceID = "x-rivet-namespace-id"
)

// WebSocket subprotocol tags. Handshake metadata for WebSocket connections is
// carried as comma-separated tagged entries in Sec-WebSocket-Protocol.
const (
	WSProtocolStandard   = "rivet"
	WSProtocolTarget     = "rivet_target."
	WSProtocolActor      = "rivet_actor."
	WSProtocolEncoding   = "rivet_encoding."
	WSProtocolConnParams = "rivet_conn_params."
	WSProtocolConnID     = "rivet_conn."
	WSProtocolConnToken  = "rivet_conn_token."
	WSProtocolToken      = "rivet_token."
)

// MaxKeyEntrySize is the maximum byte length of a single actor key entry.
const MaxKeyEntrySize = 128

// ConnTokenBytes is the entropy of a connection token before encoding.
const ConnTokenBytes = 32

// Key is an actor's user-supplied ordered key. Keys are serialized
// deterministically (JSON array) for lookup.
type Key []string

// Validate rejects oversized key entries.
func (k Key) Validate() error {
	for i, entry := range k {
		if len(entry) > MaxKeyEntrySize {
			return InvalidParams(fmt.Sprintf("key entry %d exceeds %d bytes", i, MaxKeyEntrySize))
		}
	}
	return nil
}

// String returns the deterministic serialized form used for lookups.
func (k Key) String() string {
	if k == nil {
		k = Key{}
	}
	b, _ := json.Marshal([]string(k))
	return string(b)
}

// ParseKey decodes the serialized form produced by Key.String.
func ParseKey(s string) (Key, error) {
	var k []string
	if err := json.Unmarshal([]byte(s), &k); err != nil {
		return nil, InvalidParams("key must be a JSON array of strings")
	}
	return Key(k), nil
}

// NewConnToken returns a fresh URL-safe connection token. Presenting a
// matching (connId, token) pair is the sole authentication for reconnection
// and HTTP message injection.
func NewConnToken() string {
	buf := make([]byte, ConnTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
