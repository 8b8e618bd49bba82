package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Server holds the credentials needed to reach a running notebook server.
// It is persisted verbatim (as JSON) under the serverParams cache key.
type Server struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// ParseServer decodes a Server from its cached JSON form.
func ParseServer(s string) (*Server, error) {
	if s == "" {
		return nil, errors.New("empty server params")
	}
	var srv Server
	if err := json.Unmarshal([]byte(s), &srv); err != nil {
		return nil, fmt.Errorf("decode server params: %w", err)
	}
	if srv.URL == "" {
		return nil, errors.New("server params missing url")
	}
	return &srv, nil
}

// Encode returns the cached JSON form.
func (s *Server) Encode() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode server params: %w", err)
	}
	return string(b), nil
}

// BaseURL returns the server URL without a trailing slash.
func (s *Server) BaseURL() string {
	return strings.TrimRight(s.URL, "/")
}
