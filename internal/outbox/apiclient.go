package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"go.driftgate.dev/internal/common/metrics"
)

// BatchSender delivers a batch of outbox items to the platform. The returned
// error is reserved for transport failures (dial, TLS, timeout, open
// breaker); HTTP responses of any status code come back as a BatchResult.
type BatchSender interface {
	SendBatch(ctx context.Context, itemType ItemType, items []*Item) (*BatchResult, error)
}

const (
	eventsBatchPath       = "/api/events/batch"
	dispatchJobsBatchPath = "/api/dispatch/jobs/batch"
)

// APIClient posts item batches to the DriftGate platform API.
type APIClient struct {
	baseURL        string
	authToken      string
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
}

// APIClientConfig holds configuration for the API client.
type APIClientConfig struct {
	// BaseURL is the platform API base URL (required).
	BaseURL string

	// AuthToken is the optional Bearer token for authentication.
	AuthToken string

	// ConnectionTimeout bounds the TCP dial.
	ConnectionTimeout time.Duration

	// RequestTimeout bounds the whole request including body read.
	RequestTimeout time.Duration

	// CircuitBreaker settings
	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32
	CircuitBreakerInterval    time.Duration
	CircuitBreakerRatio       float64
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerMinRequests uint32
}

// DefaultAPIClientConfig returns sensible defaults.
func DefaultAPIClientConfig() *APIClientConfig {
	return &APIClientConfig{
		ConnectionTimeout:         10 * time.Second,
		RequestTimeout:            30 * time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// NewAPIClient creates a new platform API client.
func NewAPIClient(config *APIClientConfig) *APIClient {
	if config == nil {
		config = DefaultAPIClientConfig()
	}

	client := &APIClient{
		baseURL:   config.BaseURL,
		authToken: config.AuthToken,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   config.ConnectionTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
	}

	if config.CircuitBreakerEnabled {
		client.circuitBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "outbox-api",
			MaxRequests: config.CircuitBreakerRequests,
			Interval:    config.CircuitBreakerInterval,
			Timeout:     config.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < config.CircuitBreakerMinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= config.CircuitBreakerRatio
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				slog.Info("Circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String())
				if to == gobreaker.StateOpen {
					metrics.OutboxCircuitBreakerTrips.Inc()
				}
			},
		})
	}

	return client
}

// SendBatch posts the batch to the endpoint for the item type.
func (c *APIClient) SendBatch(ctx context.Context, itemType ItemType, items []*Item) (*BatchResult, error) {
	if itemType == ItemTypeDispatchJob {
		return c.sendBatch(ctx, dispatchJobsBatchPath, items)
	}
	return c.sendBatch(ctx, eventsBatchPath, items)
}

// batchRequest is the wire shape. ids[i] identifies items[i]; items holds the
// raw payloads exactly as the producing application stored them.
type batchRequest struct {
	IDs   []string          `json:"ids"`
	Items []json.RawMessage `json:"items"`
}

// batchResponse is the optional response body. When the platform answers
// per-item, results overrides the blanket HTTP status for the listed ids.
type batchResponse struct {
	Results []struct {
		ID     string `json:"id"`
		Status int    `json:"status"`
		Error  string `json:"error,omitempty"`
	} `json:"results"`
}

func (c *APIClient) sendBatch(ctx context.Context, endpoint string, items []*Item) (*BatchResult, error) {
	if len(items) == 0 {
		return &BatchResult{}, nil
	}

	reqBody := batchRequest{
		IDs:   make([]string, len(items)),
		Items: make([]json.RawMessage, len(items)),
	}
	for i, item := range items {
		reqBody.IDs[i] = item.ID
		reqBody.Items[i] = json.RawMessage(item.Payload)
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		// A row with a malformed payload poisons the batch; record it as an
		// internal error so it does not wedge the group forever.
		slog.Error("Failed to marshal batch",
			"endpoint", endpoint,
			"batchSize", len(items),
			"error", err)
		return uniformResult(items, StatusInternalError, fmt.Sprintf("marshal batch: %v", err)), nil
	}

	if c.circuitBreaker == nil {
		result, err := c.post(ctx, endpoint, body, items)
		return stripServerError(result, err)
	}

	raw, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return c.post(ctx, endpoint, body, items)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		slog.Warn("Circuit breaker open, batch rejected",
			"endpoint", endpoint,
			"batchSize", len(items))
		return nil, err
	}
	result, _ := raw.(*BatchResult)
	return stripServerError(result, err)
}

// post performs one HTTP exchange. The returned error is non-nil only for
// transport failures; the breaker also counts HTTP 5xx as failures so a dead
// platform trips it even when TCP still connects.
func (c *APIClient) post(ctx context.Context, endpoint string, body []byte, items []*Item) (*BatchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	slog.Debug("Sending batch to API",
		"endpoint", endpoint,
		"batchSize", len(items))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.OutboxAPIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.OutboxAPIRequests.WithLabelValues(endpoint, "error").Inc()
		slog.Warn("API batch request failed",
			"endpoint", endpoint,
			"batchSize", len(items),
			"error", err)
		return nil, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	metrics.OutboxAPIRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	status := StatusFromHTTP(resp.StatusCode)

	if status != StatusSuccess {
		slog.Warn("API batch rejected",
			"endpoint", endpoint,
			"statusCode", resp.StatusCode,
			"status", status.String(),
			"batchSize", len(items))
		result := uniformResult(items, status, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(respBody, 512)))
		applyItemResults(result, respBody)
		if resp.StatusCode >= 500 {
			return result, errHTTPServer
		}
		return result, nil
	}

	slog.Debug("Batch sent",
		"endpoint", endpoint,
		"batchSize", len(items),
		"statusCode", resp.StatusCode)

	result := uniformResult(items, StatusSuccess, "")
	applyItemResults(result, respBody)
	return result, nil
}

// errHTTPServer feeds the circuit breaker on 5xx responses. It never leaves
// the client: stripServerError swallows it and returns the BatchResult.
var errHTTPServer = errors.New("server error")

func stripServerError(result *BatchResult, err error) (*BatchResult, error) {
	if errors.Is(err, errHTTPServer) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyItemResults overlays per-item statuses from the response body, when
// the platform provides them. Unknown ids are ignored; unlisted ids keep the
// blanket status.
func applyItemResults(result *BatchResult, respBody []byte) {
	if len(respBody) == 0 {
		return
	}
	var parsed batchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || len(parsed.Results) == 0 {
		return
	}

	byID := make(map[string]int, len(result.Results))
	for i, r := range result.Results {
		byID[r.ID] = i
	}
	for _, r := range parsed.Results {
		i, ok := byID[r.ID]
		if !ok {
			continue
		}
		s := Status(r.Status)
		if s != StatusSuccess && !s.IsError() {
			continue
		}
		result.Results[i].Status = s
		result.Results[i].Error = r.Error
	}
}

func truncate(b []byte, max int) string {
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
