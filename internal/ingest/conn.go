package ingest

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/coolkev/cicd/pkg/errkinds"
)

const (
	// idleDeadline bounds how long a single Read may block before the
	// connection is considered dead and a reconnect is attempted (§4.8).
	idleDeadline = 120 * time.Second

	reconnectBase = 1 * time.Second
	reconnectCap  = 30 * time.Second
)

// Conn is the subset of *websocket.Conn the Ingest loop depends on, narrowed
// so tests can substitute an in-memory fake instead of dialing a real socket.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens one upstream connection. The default, dial, wraps
// coder/websocket.Dial with the bearer token §4.8 requires; tests supply
// their own Dialer to avoid a real network call.
type Dialer func(ctx context.Context) (Conn, error)

func dial(url, clientSecret string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+clientSecret)
		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			return nil, errkinds.Wrap(errkinds.Upstream, err)
		}
		return conn, nil
	}
}

// capped is the reconnect loop's exponential-backoff-with-cap, the same
// doubling shape as internal/githost's rate-limit retry (capped there at
// 60s; here at reconnectCap per §4.8) plus up to 20% jitter so a mass
// disconnect doesn't reconnect in lockstep.
func capped(attempt int) time.Duration {
	d := time.Duration(float64(reconnectBase) * math.Pow(2, float64(attempt)))
	if d > reconnectCap {
		d = reconnectCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5)) //nolint:gosec
	return d + jitter
}
