// Package notify delivers best-effort user notifications and event-feed
// deliveries. Nothing here runs inside the engine's transactions; a failed
// delivery is logged and never fails the state change that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 5 * time.Second

// Dispatcher sends a short message with a link to one user.
type Dispatcher interface {
	Notify(ctx context.Context, userID, message, link string)
}

// Noop discards notifications.
type Noop struct{}

func (Noop) Notify(context.Context, string, string, string) {}

// Logger writes notifications to a log, the default for CLI use.
type Logger struct {
	Log *log.Logger
}

func (l Logger) Notify(_ context.Context, userID, message, link string) {
	out := l.Log
	if out == nil {
		out = log.Default()
	}
	out.Printf("notify %s: %s %s", userID, message, link)
}

// Webhook POSTs notifications to a single configured endpoint.
type Webhook struct {
	URL     string
	Client  *http.Client
	Log     *log.Logger
	Timeout time.Duration
}

type webhookNotification struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	Link    string `json:"link,omitempty"`
}

func (w Webhook) Notify(ctx context.Context, userID, message, link string) {
	if strings.TrimSpace(w.URL) == "" {
		return
	}
	data, err := json.Marshal(webhookNotification{UserID: userID, Message: message, Link: link})
	if err != nil {
		return
	}
	client := w.Client
	if client == nil {
		timeout := w.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		w.logf("notify: deliver to %s failed: %v", w.URL, err)
		return
	}
	res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		w.logf("notify: deliver to %s failed: status %d", w.URL, res.StatusCode)
	}
}

func (w Webhook) logf(format string, args ...any) {
	out := w.Log
	if out == nil {
		out = log.Default()
	}
	out.Printf(format, args...)
}
