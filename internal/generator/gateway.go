package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// GatewayClient streams generations from the model gateway over SSE.
type GatewayClient struct {
	baseURL         string
	logger          *slog.Logger
	streamingClient *http.Client
}

// NewGatewayClient creates a gateway-backed generator.
func NewGatewayClient(log *slog.Logger, baseURL string) *GatewayClient {
	if log == nil {
		log = slog.Default()
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8081"
	}
	return &GatewayClient{
		baseURL: baseURL,
		logger:  log.With(slog.String("service", "generator_gateway")),
		// No client timeout: streams are unbounded; ctx governs lifetime.
		streamingClient: &http.Client{},
	}
}

type gatewayRequest struct {
	Model    string    `json:"model"`
	ChatMode string    `json:"chatMode,omitempty"`
	Messages []Message `json:"messages"`
}

type gatewayEvent struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Usage   json.RawMessage `json:"usage,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Stream opens the gateway SSE stream and forwards its events. The returned
// channel closes after a terminal event or once ctx is cancelled.
func (c *GatewayClient) Stream(ctx context.Context, messages []Message, cfg Config) (<-chan Event, error) {
	body, err := json.Marshal(gatewayRequest{
		Model:    cfg.Model,
		ChatMode: cfg.ChatMode,
		Messages: messages,
	})
	if err != nil {
		return nil, err
	}

	url := c.baseURL + "/generate/stream"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamingClient.Do(httpReq)
	if err != nil {
		c.logger.Error("gateway connect failed", slog.String("url", url), slog.Any("error", err))
		return nil, fmt.Errorf("%w: connect failed", ErrProvider)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.logger.Error("gateway stream rejected",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", truncate(string(errBody), 300)),
		)
		return nil, fmt.Errorf("%w: status %d", ErrProvider, resp.StatusCode)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		c.consume(ctx, resp.Body, events)
	}()
	return events, nil
}

func (c *GatewayClient) consume(ctx context.Context, body io.Reader, events chan<- Event) {
	started := time.Now()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var raw gatewayEvent
		if err := json.Unmarshal([]byte(data), &raw); err != nil {
			c.logger.Warn("gateway event parse failed", slog.String("data_prefix", truncate(data, 200)))
			continue
		}

		event, terminal := c.translate(raw, started)
		if event.Type == "" {
			continue
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
		if terminal {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn("gateway stream read failed", slog.Any("error", err))
		select {
		case events <- Event{Type: EventError, Err: fmt.Errorf("%w: stream read failed", ErrProvider)}:
		case <-ctx.Done():
		}
	}
}

func (c *GatewayClient) translate(raw gatewayEvent, started time.Time) (Event, bool) {
	switch raw.Type {
	case "text_delta":
		return Event{Type: EventTextDelta, Text: raw.Text}, false
	case "reasoning_delta":
		return Event{Type: EventReasoningDelta, Text: raw.Text}, false
	case "finish", "done":
		usage := Usage{CompletionSeconds: time.Since(started).Seconds()}
		if len(raw.Usage) > 0 {
			if err := json.Unmarshal(raw.Usage, &usage); err != nil {
				c.logger.Warn("gateway usage parse failed", slog.Any("error", err))
			}
			if usage.CompletionSeconds == 0 {
				usage.CompletionSeconds = time.Since(started).Seconds()
			}
		}
		return Event{Type: EventFinish, Usage: &usage}, true
	case "abort":
		return Event{Type: EventAbort}, true
	case "error":
		msg := raw.Message
		if msg == "" {
			msg = "generation rejected"
		}
		return Event{Type: EventError, Err: fmt.Errorf("%w: %s", ErrProvider, msg)}, true
	default:
		return Event{}, false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
