package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"cmdgate/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs events as JSON to a configured URL.
type WebhookSink struct {
	hook   config.WebhookConfig
	client *http.Client
	filter eventFilter
}

// NewWebhookSinks builds one sink per enabled webhook.
func NewWebhookSinks(hooks []config.WebhookConfig) []Sink {
	var sinks []Sink
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		sinks = append(sinks, NewWebhookSink(hook))
	}
	return sinks
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{
		hook:   hook,
		client: &http.Client{Timeout: timeout},
		filter: newEventFilter(hook.Events),
	}
}

func (s *WebhookSink) Name() string { return "webhook:" + s.hook.URL }

func (s *WebhookSink) Deliver(ctx context.Context, evt Event) error {
	if !s.filter.match(evt.Type) {
		return nil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cmdgate-Event", evt.Type)
	req.Header.Set("X-Cmdgate-Delivery", uuid.NewString())
	if strings.TrimSpace(s.hook.Secret) != "" {
		req.Header.Set("X-Cmdgate-Secret", s.hook.Secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
