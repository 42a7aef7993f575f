// Package webhook delivers run summaries to an operator-configured callback URL.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Notifier posts JSON payloads with full-jitter exponential backoff.
type Notifier struct {
	client   *http.Client
	attempts int
	base     time.Duration
	cap      time.Duration
	event    string
	validate func(rawURL string) error
}

// New returns a Notifier tagging requests with the given event name:
// 8 attempts max, backoff capped at 5 min, 30s timeout per request.
func New(event string) *Notifier {
	return &Notifier{
		client:   &http.Client{Timeout: 30 * time.Second},
		attempts: 8,
		base:     time.Second,
		cap:      5 * time.Minute,
		event:    event,
		validate: validateURL,
	}
}

// Send dispatches payload to callbackURL asynchronously.
// ctx should outlive the caller's request so retries stop only on shutdown.
func (n *Notifier) Send(ctx context.Context, callbackURL string, payload []byte) {
	if err := n.validate(callbackURL); err != nil {
		slog.Warn("webhook: rejected callback URL", "url", callbackURL, "error", err)
		return
	}
	go n.deliver(ctx, callbackURL, payload)
}

// validateURL blocks non-HTTP schemes and private/internal IP ranges.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	ips, err := net.LookupHost(u.Hostname())
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}
	return nil
}

// deliver returns true once a 2xx response is received.
func (n *Notifier) deliver(ctx context.Context, callbackURL string, payload []byte) bool {
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		err := n.post(ctx, callbackURL, payload)
		if err == nil {
			return true
		}
		slog.Warn("webhook attempt failed", "attempt", attempt, "url", callbackURL, "error", err)
		if attempt < n.attempts {
			select {
			case <-time.After(n.jitter(attempt)):
			case <-ctx.Done():
				return false
			}
		}
	}
	slog.Error("webhook: all retries exhausted", "url", callbackURL)
	return false
}

// jitter returns a random duration between 0 and min(cap, base * 2^attempt).
func (n *Notifier) jitter(attempt int) time.Duration {
	exp := n.base * (1 << attempt)
	if exp > n.cap || exp <= 0 {
		exp = n.cap
	}
	return time.Duration(rand.Int63n(int64(exp) + 1))
}

func (n *Notifier) post(ctx context.Context, callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ecotrace-webhook/1")
	if n.event != "" {
		req.Header.Set("X-Ecotrace-Event", n.event)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
