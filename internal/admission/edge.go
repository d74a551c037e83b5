package admission

import (
	"fmt"
	"strings"

	rerrors "github.com/alxayo/rtmpcore/internal/errors"
	"github.com/alxayo/rtmpcore/internal/rtmp/client"
)

// originDialer is the subset of client.Client this package needs, so tests
// can substitute a fake without dialing real TCP.
type originDialer interface {
	Connect() error
	Close() error
}

// newOriginClient is overridable in tests.
var newOriginClient = func(url string) (originDialer, error) {
	return client.New(url)
}

// EdgeAuth performs edge-to-origin token-traverse authentication: it connects
// to an origin server as an ordinary RTMP client, replaying the connecting
// client's stream key and token as part of the URL, exactly as spec.md's
// "connect as an RTMP client and replay the client's credentials" describes.
// It is grounded on internal/rtmp/client.Client, reused here as the edge's
// upstream RTMP client rather than only as a test harness.
type EdgeAuth struct {
	origins []string
}

// NewEdgeAuth creates an EdgeAuth that tries origins in order.
func NewEdgeAuth(origins []string) *EdgeAuth {
	return &EdgeAuth{origins: origins}
}

// Traverse attempts to authenticate app/streamKey?token against each
// configured origin in turn, returning the first success or an
// EdgeTokenError wrapping the last origin's failure.
func (e *EdgeAuth) Traverse(app, streamKey, token string) error {
	if len(e.origins) == 0 {
		return rerrors.NewEdgeTokenError("traverse", fmt.Errorf("no origin servers configured"))
	}
	var lastErr error
	for _, origin := range e.origins {
		url := buildOriginURL(origin, app, streamKey, token)
		c, err := newOriginClient(url)
		if err != nil {
			lastErr = err
			continue
		}
		if err := c.Connect(); err != nil {
			lastErr = err
			_ = c.Close()
			continue
		}
		_ = c.Close()
		return nil
	}
	return rerrors.NewEdgeTokenError("traverse", lastErr)
}

func buildOriginURL(origin, app, streamKey, token string) string {
	origin = strings.TrimSuffix(origin, "/")
	url := fmt.Sprintf("%s/%s/%s", origin, app, streamKey)
	if token != "" {
		url += "?token=" + token
	}
	return url
}
