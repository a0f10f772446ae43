package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"guesthub/pkg/config"
	"guesthub/pkg/models"
)

// Adapter translates between one provider's wire format and the hub's
// unified shapes. Normalize runs synchronously inside the webhook request
// so an undecodable payload can be rejected with the response. Send is
// called from dispatch workers and must honor ctx.
type Adapter interface {
	Channel() models.Channel
	Normalize(payload []byte) (models.UnifiedEvent, error)
	Send(ctx context.Context, cmd models.OutboundCommand) (models.DeliveryReceipt, error)
}

// DecodeError marks a webhook payload the adapter could not interpret.
// The ingress layer maps it to a 400 so the provider does not retry.
type DecodeError struct {
	Channel models.Channel
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s decode: %s", e.Channel, e.Reason)
}

func decodeErr(ch models.Channel, format string, args ...any) error {
	return &DecodeError{Channel: ch, Reason: fmt.Sprintf(format, args...)}
}

// Registry holds the configured adapters by channel.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Channel]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.Channel]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Channel()] = a
	r.mu.Unlock()
}

// Get returns the adapter for a channel, or an error naming the channel
// when none is configured.
func (r *Registry) Get(ch models.Channel) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[ch]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter for channel %q", ch)
	}
	return a, nil
}

func (r *Registry) Channels() []models.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Channel, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	return out
}

// client is a provider-facing HTTP client shared by the outbound adapters.
// One rate limiter per adapter keeps each provider inside its quota.
type client struct {
	http    *http.Client
	limiter *rate.Limiter
	token   string
}

func newClient(cfg config.ChannelConfig) *client {
	rps := cfg.RateRPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = int(2 * rps)
	}
	return &client{
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		token:   cfg.Token,
	}
}

// postJSON sends body to url and classifies failures: transport errors and
// 5xx/429 are retryable, other non-2xx are terminal.
func (c *client) postJSON(ctx context.Context, ch models.Channel, url string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &models.DeliveryError{Channel: ch, Class: models.Retryable, Reason: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &models.DeliveryError{Channel: ch, Class: models.Terminal, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &models.DeliveryError{Channel: ch, Class: models.Retryable, Reason: err.Error()}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &models.DeliveryError{Channel: ch, Class: models.Retryable,
			Reason: fmt.Sprintf("provider returned %d: %s", resp.StatusCode, truncate(respBody, 256))}
	default:
		return nil, &models.DeliveryError{Channel: ch, Class: models.Terminal,
			Reason: fmt.Sprintf("provider returned %d: %s", resp.StatusCode, truncate(respBody, 256))}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
