package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSConfig configures the telemetry subscriber.
type WSConfig struct {
	// ReconnectDelay is the initial delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the backoff between reconnect attempts.
	MaxReconnectDelay time.Duration
	// ReadTimeout bounds each read from the feed.
	ReadTimeout time.Duration
	// Staleness is how old a cached report may be before Collect refuses it.
	Staleness time.Duration
}

// DefaultWSConfig returns the default subscriber configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		Staleness:         5 * time.Minute,
	}
}

// WSCollector subscribes to the node telemetry feed over websocket and keeps
// the latest report. Collect never blocks on the network; it serves the cache
// or reports unavailability.
type WSCollector struct {
	endpoint string
	config   WSConfig

	mu     sync.RWMutex
	latest *Report

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewWSCollector starts the subscriber. The feed emits JSON report frames;
// malformed frames are logged and skipped.
func NewWSCollector(endpoint string, config *WSConfig) *WSCollector {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	c := &WSCollector{
		endpoint: endpoint,
		config:   cfg,
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Collect returns the latest cached report, or ErrUnavailable when none
// exists or the cache is stale.
func (c *WSCollector) Collect(_ context.Context) (*Report, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return nil, ErrUnavailable
	}
	if c.config.Staleness > 0 && time.Since(c.latest.CollectedAt) > c.config.Staleness {
		return nil, fmt.Errorf("%w: last report at %s", ErrUnavailable, c.latest.CollectedAt.Format(time.RFC3339))
	}
	cp := *c.latest
	return &cp, nil
}

// Close stops the subscriber and waits for the reader to exit.
func (c *WSCollector) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		c.wg.Wait()
	}
}

func (c *WSCollector) run() {
	defer c.wg.Done()

	delay := c.config.ReconnectDelay
	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.endpoint, nil)
		if err != nil {
			zap.L().Warn("telemetry dial failed", zap.String("endpoint", c.endpoint), zap.Error(err))
			select {
			case <-c.done:
				return
			case <-time.After(delay):
			}
			if delay *= 2; delay > c.config.MaxReconnectDelay {
				delay = c.config.MaxReconnectDelay
			}
			continue
		}

		delay = c.config.ReconnectDelay
		c.readLoop(conn)
		_ = conn.Close()
	}
}

func (c *WSCollector) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		if c.config.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			zap.L().Warn("telemetry read failed, reconnecting", zap.Error(err))
			return
		}

		var rep Report
		if err := json.Unmarshal(msg, &rep); err != nil {
			zap.L().Debug("telemetry frame skipped", zap.Error(err))
			continue
		}
		if rep.CollectedAt.IsZero() {
			rep.CollectedAt = time.Now().UTC()
		}

		c.mu.Lock()
		c.latest = &rep
		c.mu.Unlock()
	}
}
