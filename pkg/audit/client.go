// Package audit provides components for capturing, storing, and querying
// the compliance audit trail.
// This file implements the HTTP batch-posting client backend.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"calibration/pkg/logger"
)

// HTTPClient implements the Logger interface by POSTing audit entries to an
// external audit-collector endpoint as batched JSON. It buffers events and
// sends them in batches for efficiency, the way the teacher's batching
// audit client buffers gRPC calls — but over plain HTTP, since this module
// has no internal RPC service of its own to call.
type HTTPClient struct {
	httpClient *http.Client
	config     *HTTPClientConfig
	buffer     chan *Entry
	done       chan struct{}
	wg         sync.WaitGroup
}

// HTTPClientConfig holds configuration parameters for the HTTPClient.
type HTTPClientConfig struct {
	URL         string        // Collector endpoint, e.g. "http://localhost:8096/audit/batch".
	Timeout     time.Duration // Timeout for each HTTP POST.
	BufferSize  int           // Size of the internal buffer for audit entries.
	BatchSize   int           // Maximum number of entries to send in a single batch.
	FlushPeriod time.Duration // Period after which buffered entries are flushed.
}

// DefaultHTTPClientConfig returns an HTTPClientConfig struct with default values.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		URL:         "http://localhost:8096/audit/batch",
		Timeout:     5 * time.Second,
		BufferSize:  10000,
		BatchSize:   100,
		FlushPeriod: 5 * time.Second,
	}
}

// NewHTTPClient creates and initializes a new HTTPClient, starting a
// background goroutine that buffers and batches audit entries.
func NewHTTPClient(cfg *Config) *HTTPClient {
	hc := &HTTPClientConfig{
		URL:         cfg.HTTPURL,
		Timeout:     5 * time.Second,
		BufferSize:  cfg.BufferSize,
		BatchSize:   100,
		FlushPeriod: cfg.FlushPeriod,
	}
	if hc.URL == "" {
		hc.URL = DefaultHTTPClientConfig().URL
	}
	if hc.BufferSize <= 0 {
		hc.BufferSize = DefaultHTTPClientConfig().BufferSize
	}
	if hc.FlushPeriod <= 0 {
		hc.FlushPeriod = DefaultHTTPClientConfig().FlushPeriod
	}

	c := &HTTPClient{
		httpClient: &http.Client{Timeout: hc.Timeout},
		config:     hc,
		buffer:     make(chan *Entry, hc.BufferSize),
		done:       make(chan struct{}),
	}

	c.wg.Add(1)
	go c.processLoop()

	return c
}

// Log sends an audit entry to the client's buffer. If the buffer is full,
// it attempts to send the entry synchronously as a single-element batch.
func (c *HTTPClient) Log(ctx context.Context, entry *Entry) error {
	select {
	case c.buffer <- entry:
		return nil
	default:
		return c.sendBatch(ctx, []*Entry{entry})
	}
}

// Query is not supported by the HTTPClient; the collector owns its own
// query surface.
func (c *HTTPClient) Query(_ context.Context, _ *QueryFilter) ([]*Entry, error) {
	return nil, fmt.Errorf("query not supported for http audit client")
}

// Close shuts down the HTTPClient, stopping the background processing
// loop and flushing any remaining buffered events.
func (c *HTTPClient) Close() error {
	close(c.done)
	c.wg.Wait()
	return nil
}

// processLoop continuously reads from the buffer, aggregates entries into
// batches, and periodically flushes them to the collector over HTTP.
func (c *HTTPClient) processLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.FlushPeriod)
	defer ticker.Stop()

	batch := make([]*Entry, 0, c.config.BatchSize)

	for {
		select {
		case <-c.done:
			for len(c.buffer) > 0 {
				batch = append(batch, <-c.buffer)
			}
			if len(batch) > 0 {
				_ = c.sendBatch(context.Background(), batch)
			}
			return

		case entry := <-c.buffer:
			batch = append(batch, entry)
			if len(batch) >= c.config.BatchSize {
				_ = c.sendBatch(context.Background(), batch)
				batch = make([]*Entry, 0, c.config.BatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				_ = c.sendBatch(context.Background(), batch)
				batch = make([]*Entry, 0, c.config.BatchSize)
			}
		}
	}
}

// sendBatch POSTs a JSON-encoded batch of entries to the collector URL.
func (c *HTTPClient) sendBatch(ctx context.Context, entries []*Entry) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	payload, err := json.Marshal(struct {
		Entries []*Entry `json:"entries"`
	}{Entries: entries})
	if err != nil {
		logger.Log.Warn("Failed to marshal audit batch", "error", err)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(payload))
	if err != nil {
		logger.Log.Warn("Failed to build audit batch request", "error", err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Log.Warn("Failed to send audit batch", "error", err, "count", len(entries))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Log.Warn("Audit collector rejected batch", "status", resp.StatusCode, "count", len(entries))
		return fmt.Errorf("audit collector returned status %d", resp.StatusCode)
	}

	return nil
}
