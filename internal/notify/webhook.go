package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/smartescrow/internal/circuitbreaker"
	"github.com/mbd888/smartescrow/internal/metrics"
	"github.com/mbd888/smartescrow/internal/retry"
)

// Webhook headers.
const (
	HeaderEvent     = "X-SmartEscrow-Event"
	HeaderTimestamp = "X-SmartEscrow-Timestamp"
	HeaderSignature = "X-SmartEscrow-Signature"
)

// statusError is a non-2xx webhook response.
type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("webhook returned status %d", e.code) }

// Dispatcher posts signed JSON messages to a fixed set of endpoints.
// Publish returns immediately; deliveries run in the background.
type Dispatcher struct {
	urls    []string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher that signs payloads with secret.
func NewDispatcher(urls []string, secret string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		urls:    urls,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New("webhook", 5, time.Minute),
		policy: retry.Policy{
			Attempts:  3,
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  5 * time.Second,
		},
		timeout: 30 * time.Second,
		logger:  logger,
	}
}

// WithClient replaces the HTTP client.
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithRetry replaces the delivery retry policy.
func (d *Dispatcher) WithRetry(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// Publish schedules delivery of msg to every endpoint.
func (d *Dispatcher) Publish(_ context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal webhook message: %w", err)
	}
	for _, url := range d.urls {
		d.wg.Add(1)
		go func(url string) {
			defer d.wg.Done()
			// Detached from the request: the caller has already committed.
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			d.deliver(ctx, url, msg, payload)
		}(url)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, url string, msg *Message, payload []byte) {
	err := d.breaker.Do(url, countable, func() error {
		return d.policy.Do(ctx, func(int) error { return d.send(ctx, url, msg, payload) })
	})
	if err != nil {
		result := "failed"
		if errors.Is(err, circuitbreaker.ErrOpen) {
			result = "circuit_open"
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
		d.logger.Warn("webhook delivery failed", "url", url, "topic", msg.Topic, "message", msg.ID, "error", err)
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
}

func (d *Dispatcher) send(ctx context.Context, url string, msg *Message, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(msg.Topic))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(msg.CreatedAt.Unix(), 10))
	if d.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		err := &statusError{code: resp.StatusCode}
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return retry.After(err, time.Duration(secs)*time.Second)
		}
		return err
	default:
		// The receiver rejected the payload; resending the same bytes won't help.
		return retry.Permanent(&statusError{code: resp.StatusCode})
	}
}

// countable trips the breaker only for transport failures and 5xx answers.
func countable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature is Sign(payload, secret).
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
