// Package sse adapts the in-process event bus to HTTP Server-Sent Events.
// Grounded on the teacher's internal/server/broker.go SSE formatting
// (formatSSE) and HandleSubscribe handler shape, generalized from a single
// Postgres-notification-backed stream to arbitrary eventbus topics, with a
// heartbeat ticker added and no per-org scoping (this domain has none).
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hantei-ai/hantei/internal/eventbus"
)

// Config controls heartbeat cadence and the greeting payload.
type Config struct {
	HeartbeatInterval time.Duration
	Version           string
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.Version == "" {
		c.Version = "1"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Handler streams bus events to connected clients as text/event-stream.
type Handler struct {
	bus    *eventbus.Bus
	cfg    Config
	topics []string
}

// NewHandler returns an http.Handler subscribing each connection to topics.
// A nil or empty topics list subscribes to every topic this domain defines.
func NewHandler(bus *eventbus.Bus, topics []string, cfg Config) *Handler {
	if len(topics) == 0 {
		topics = []string{
			eventbus.TopicJudgment,
			eventbus.TopicBlock,
			eventbus.TopicAlert,
			eventbus.TopicToolPre,
			eventbus.TopicToolPost,
			eventbus.TopicPattern,
			eventbus.TopicConnection,
		}
	}
	return &Handler{bus: bus, cfg: cfg.withDefaults(), topics: topics}
}

// ServeHTTP implements GET /sse. One subscription per connected client; no
// replay of events published before the connection was established.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := h.bus.Subscribe(h.topics...)
	defer h.bus.Unsubscribe(sub)

	if _, err := w.Write(formatSSE("endpoint", map[string]any{"version": h.cfg.Version})); err != nil {
		return
	}
	flusher.Flush()

	ctx := r.Context()
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Recv():
			if !ok {
				return
			}
			if _, err := w.Write(formatSSE(ev.Topic, ev.Payload)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatSSE marshals payload to JSON and frames it as an SSE message. Each
// line of a multi-line data field is prefixed with "data: " per the SSE
// spec, so an embedded newline can never desynchronize the client parser.
func formatSSE(eventType string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%q", err.Error()))
	}

	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(eventType)
	buf.WriteByte('\n')
	for _, line := range strings.Split(string(data), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Publish is a convenience wrapper that publishes payload on topic via bus.
// Callers still pass an *eventbus.Bus, so they import eventbus themselves.
func Publish(ctx context.Context, bus *eventbus.Bus, topic string, payload any) {
	bus.Publish(ctx, topic, payload)
}
