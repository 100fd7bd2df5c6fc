// Package fetch mirrors a remote directory tree of files reachable through
// HTML index pages onto the local filesystem.
package fetch

import (
	"fmt"
	"net/http"
	"time"
)

// UserAgent is sent on every request. Some dataset hosts refuse clients that
// do not look like wget.
const UserAgent = "Wget/1.21.4"

// TransportError reports a non-200 response.
type TransportError struct {
	URL        string
	StatusCode int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Session carries the client and credentials for one crawl.
type Session struct {
	Client   *http.Client
	Username string
	Password string
	Headers  map[string]string
}

// NewSession returns a session with the default user agent and, when
// username is set, basic auth. timeout of zero means no per-request limit.
func NewSession(username, password string, timeout time.Duration) *Session {
	return &Session{
		Client:   &http.Client{Timeout: timeout},
		Username: username,
		Password: password,
		Headers:  map[string]string{"User-Agent": UserAgent},
	}
}

func (s *Session) client() *http.Client {
	if s == nil || s.Client == nil {
		return http.DefaultClient
	}
	return s.Client
}

func (s *Session) prepare(req *http.Request) {
	if s == nil {
		req.Header.Set("User-Agent", UserAgent)
		return
	}
	if _, ok := s.Headers["User-Agent"]; !ok {
		req.Header.Set("User-Agent", UserAgent)
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}
	if s.Username != "" {
		req.SetBasicAuth(s.Username, s.Password)
	}
}
