package connector

import (
	"net/url"
	"strings"
	"sync"

	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
)

// endpointCell holds the write endpoint of one stream. A fresh cell is
// created for every connection attempt, so an endpoint learned on a dropped
// stream is never reused.
type endpointCell struct {
	stream   *url.URL
	fallback string

	mu      sync.RWMutex
	current string
	learned chan struct{}
	once    sync.Once
}

func newEndpointCell(stream *url.URL, fallbackPath string) *endpointCell {
	return &endpointCell{
		stream:   stream,
		fallback: fallbackURL(stream, fallbackPath),
		learned:  make(chan struct{}),
	}
}

// fallbackURL is the stream origin joined with path.
func fallbackURL(stream *url.URL, path string) string {
	origin := &url.URL{Scheme: stream.Scheme, Host: stream.Host, User: stream.User}
	ref, err := url.Parse(path)
	if err != nil {
		return origin.String() + "/" + strings.TrimPrefix(path, "/")
	}
	if !strings.HasPrefix(ref.Path, "/") {
		ref.Path = "/" + ref.Path
	}
	return origin.ResolveReference(ref).String()
}

// resolveEndpoint resolves an announced endpoint against the stream URL and
// rejects anything that leaves the stream's origin.
func resolveEndpoint(stream *url.URL, announced string) (string, error) {
	announced = strings.TrimSpace(announced)
	if announced == "" {
		return "", apperrors.NewMalformedPayloadError("empty endpoint")
	}
	ref, err := url.Parse(announced)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.MalformedPayloadError, "invalid endpoint").WithDetails(announced)
	}
	resolved := stream.ResolveReference(ref)
	if !strings.EqualFold(resolved.Scheme, stream.Scheme) || !strings.EqualFold(resolved.Host, stream.Host) {
		return "", apperrors.NewValidationError("endpoint origin does not match stream origin").
			WithDetails(resolved.Redacted())
	}
	return resolved.String(), nil
}

// update replaces the current endpoint and returns the resolved URL.
func (c *endpointCell) update(announced string) (string, error) {
	resolved, err := resolveEndpoint(c.stream, announced)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.current = resolved
	c.mu.Unlock()

	c.once.Do(func() { close(c.learned) })
	return resolved, nil
}

// get returns the latest announced endpoint, or the fallback.
func (c *endpointCell) get() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current != "" {
		return c.current
	}
	return c.fallback
}

// announced reports whether the server has sent an endpoint on this stream.
func (c *endpointCell) announced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current != ""
}
