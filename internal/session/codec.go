package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Encode serializes a session to its canonical store representation:
// JSON with all timestamps truncated to millisecond resolution so the
// RFC 3339 encoding round-trips exactly.
func Encode(s *Session) ([]byte, error) {
	c := s.Clone()
	c.StartedAt = c.StartedAt.Truncate(time.Millisecond)
	if c.EndedAt != nil {
		t := c.EndedAt.Truncate(time.Millisecond)
		c.EndedAt = &t
	}
	for i := range c.History {
		c.History[i].Timestamp = c.History[i].Timestamp.Truncate(time.Millisecond)
	}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("session: encode %s: %w", s.ID, err)
	}
	return data, nil
}

// Decode restores a session from its canonical store representation.
func Decode(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("session: decode: missing id")
	}
	return &s, nil
}
