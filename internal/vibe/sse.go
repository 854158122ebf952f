package vibe

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	// The server heartbeats every ~15s; a silent stream past this window is
	// presumed dead and reconnected.
	heartbeatWindow = 45 * time.Second

	reconnectMaxInterval = 30 * time.Second

	// This many reconnect attempts without a delivered event escalates the
	// disconnect log to an alert. The stream keeps retrying regardless; the
	// tick-driven cycle covers the gap.
	alertAfterFailures = 10
)

// EventHandler receives decoded stream events. It runs on the stream
// goroutine and must not block.
type EventHandler func(Event)

// Stream consumes the Vibe SSE feed until ctx is cancelled, invoking handler
// for every task event. Disconnects and stalled heartbeats reconnect with
// capped exponential backoff; Stream only returns on context cancellation.
func (c *Client) Stream(ctx context.Context, handler EventHandler) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = reconnectMaxInterval
	bo.MaxElapsedTime = 0 // retry forever

	failures := 0
	for {
		delivered := false
		wrapped := func(ev Event) {
			delivered = true
			handler(ev)
		}
		err := c.streamOnce(ctx, wrapped, bo)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			failures = 0
		} else {
			failures++
		}
		wait := bo.NextBackOff()
		if failures >= alertAfterFailures {
			c.log.Error("event stream unreachable",
				zap.Int("consecutive_failures", failures),
				zap.Error(err), zap.Duration("backoff", wait))
		} else {
			c.log.Warn("event stream disconnected, reconnecting",
				zap.Error(err), zap.Duration("backoff", wait))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// streamOnce holds one connection open and pumps events until it breaks.
// A clean run of events resets the reconnect backoff.
func (c *Client) streamOnce(ctx context.Context, handler EventHandler, bo *backoff.ExponentialBackOff) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// No client timeout here; SSE connections are intentionally long-lived.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &streamError{status: resp.StatusCode}
	}

	c.log.Info("event stream connected", zap.String("endpoint", c.baseURL))

	// Heartbeat watchdog: kill the read if the server goes quiet.
	lastSeen := make(chan struct{}, 1)
	go func() {
		timer := time.NewTimer(heartbeatWindow)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-lastSeen:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(heartbeatWindow)
			case <-timer.C:
				c.log.Warn("event stream heartbeat missed", zap.Duration("window", heartbeatWindow))
				cancel()
				return
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var data strings.Builder
	for scanner.Scan() {
		select {
		case lastSeen <- struct{}{}:
		default:
		}

		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				c.dispatch(data.String(), handler)
				bo.Reset()
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// comment frame, used by the server as a keepalive
		}
	}
	return scanner.Err()
}

func (c *Client) dispatch(payload string, handler EventHandler) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.log.Warn("dropping undecodable stream event", zap.Error(err))
		return
	}
	switch ev.Kind {
	case EventHeartbeat, "":
		return
	case EventTask, EventDeletedTask:
		handler(ev)
	default:
		// A new server may ship kinds this build does not know; leave a
		// trace instead of dropping them invisibly.
		c.log.Debug("ignoring unrecognized stream event", zap.String("kind", ev.Kind))
	}
}

type streamError struct {
	status int
}

func (e *streamError) Error() string {
	return "event stream rejected with status " + http.StatusText(e.status)
}
