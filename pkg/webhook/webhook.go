// Package webhook implements the event fan-out: a fire-and-forget JSON
// POST of each DeviceRecord to a configured sink. Ingestion never stalls
// on a slow downstream.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/protei/gpsgateway/internal/logger"
	"github.com/protei/gpsgateway/pkg/protocol"
)

const defaultTimeout = 5 * time.Second

// Forwarder posts decoded records to an external webhook.
type Forwarder struct {
	url    string
	token  string
	client *http.Client
	log    *logger.Logger

	failures int64
}

// New creates a Forwarder bound to a single destination URL and bearer token.
func New(url, token string, log *logger.Logger) *Forwarder {
	return &Forwarder{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
		log: log,
	}
}

// Forward posts a record once: no retry, any 2xx is success, errors are
// counted and otherwise dropped.
func (f *Forwarder) Forward(record *protocol.DeviceRecord) {
	if record == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := f.post(ctx, record); err != nil {
		atomic.AddInt64(&f.failures, 1)
		f.log.Warn("webhook post failed", "imei", record.IMEI, "error", err)
	}
}

// ForwardWithRetry posts with exponential backoff (base 100ms, factor
// 2), for operator-tagged critical events only; the hot path uses
// Forward.
func (f *Forwarder) ForwardWithRetry(ctx context.Context, record *protocol.DeviceRecord, maxAttempts int) error {
	if record == nil {
		return nil
	}
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		attemptCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		lastErr = f.post(attemptCtx, record)
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	atomic.AddInt64(&f.failures, 1)
	return fmt.Errorf("webhook: giving up after %d attempts: %w", maxAttempts, lastErr)
}

func (f *Forwarder) post(ctx context.Context, record *protocol.DeviceRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// Failures reports the cumulative failure count. The admin API does not
// include it in any response.
func (f *Forwarder) Failures() int64 {
	return atomic.LoadInt64(&f.failures)
}
