package protocol

import "sync"

// CachedSerializer wraps one ToClient message and memoizes its serialized
// form per encoding, so a broadcast to N subscribers serializes at most once
// per encoding. The cache is per-message and never shared across messages.
type CachedSerializer struct {
	msg *ToClient

	mu    sync.Mutex
	cache map[Encoding][]byte
}

// NewCachedSerializer wraps a message for fan-out.
func NewCachedSerializer(msg *ToClient) *CachedSerializer {
	return &CachedSerializer{
		msg:   msg,
		cache: make(map[Encoding][]byte, 3),
	}
}

// Message returns the wrapped message.
func (s *CachedSerializer) Message() *ToClient { return s.msg }

// Serialize returns the bytes for the given encoding, computing them at most
// once.
func (s *CachedSerializer) Serialize(e Encoding) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.cache[e]; ok {
		return b, nil
	}
	b, err := e.EncodeToClient(s.msg)
	if err != nil {
		return nil, err
	}
	s.cache[e] = b
	return b, nil
}
