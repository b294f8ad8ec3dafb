// Package subscribe maintains a WebSocket subscription to an AT Protocol
// event stream: dialing, keepalive pings, read-loop dispatch and
// reconnect-with-backoff under a bounded retry budget.
package subscribe

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/blacksky-algorithms/rsky-sub001/internal/common/ingesterrors"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/metrics"
)

const (
	pingInterval     = 30 * time.Second
	pingWriteTimeout = 10 * time.Second
	reconnectBackoff = 5 * time.Second

	// A connection that stayed up this long is considered healthy and resets
	// the reconnect budget, so the budget only bounds consecutive failures.
	healthySessionDuration = time.Minute
)

// Handler is called once per binary frame. Returning an error terminates the
// connection; per-message parse failures must be handled (logged, counted,
// skipped) inside the handler instead.
type Handler func(data []byte) error

// CleanHost strips any protocol prefix and trailing slash from a configured
// host so it can be embedded in a wss:// URL.
func CleanHost(host string) string {
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimPrefix(host, "wss://")
	host = strings.TrimPrefix(host, "ws://")
	return strings.TrimSuffix(host, "/")
}

// URL builds the subscription URL for an XRPC method on a host, resuming from
// the given cursor.
func URL(host string, method string, cursor int64) string {
	q := url.Values{}
	q.Set("cursor", fmt.Sprintf("%d", cursor))
	return fmt.Sprintf("wss://%s/xrpc/%s?%s", CleanHost(host), method, q.Encode())
}

// Run dials the URL and reads frames until the handler fails, the connection
// drops, or ctx is cancelled. The handler is invoked synchronously from the
// read loop: the next frame is not pulled off the socket until the current
// one has been accepted downstream, so a full pipeline stalls the remote
// sender through the transport's own flow control.
func Run(ctx context.Context, wsURL string, m *metrics.Metrics, handle Handler) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return errors.WithMessagef(err, "error dialing %s (status %s)", wsURL, resp.Status)
		}
		return errors.WithMessagef(err, "error dialing %s", wsURL)
	}
	defer func() { _ = conn.Close() }()
	m.RecordWebsocketConnected()
	defer m.RecordWebsocketDisconnected()
	log.Infof("Connected to %s", wsURL)

	// Closing the connection is the only way to unblock ReadMessage on cancel.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout)); err != nil {
					log.WithError(err).Debug("Failed to send ping")
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.WithMessage(err, "error reading from subscription")
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := handle(data); err != nil {
			return err
		}
	}
}

// RunWithReconnect runs connect in a reconnect loop. Transient connection
// failures are retried after a fixed backoff; maxAttempts consecutive
// failures exhaust the budget and the last error is surfaced as fatal.
// Returns nil once ctx is cancelled.
func RunWithReconnect(ctx context.Context, source string, maxAttempts int, m *metrics.Metrics, connect func(ctx context.Context) error) error {
	attempts := 0
	for {
		start := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		m.RecordConnectionError(source)
		if time.Since(start) >= healthySessionDuration {
			attempts = 0
		}
		attempts++
		if attempts >= maxAttempts {
			return &ingesterrors.ErrMaxRetriesExceeded{
				Message:   fmt.Sprintf("giving up reconnecting %s after %d consecutive failures", source, attempts),
				LastError: err,
			}
		}
		log.WithError(err).Warnf("Connection for %s failed (attempt %d/%d), reconnecting in %s", source, attempts, maxAttempts, reconnectBackoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectBackoff):
		}
	}
}
