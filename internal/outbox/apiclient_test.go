package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient(serverURL string) *APIClient {
	return NewAPIClient(&APIClientConfig{
		BaseURL:        serverURL,
		AuthToken:      "test-token",
		RequestTimeout: 5 * time.Second,
	})
}

func testItems(n int) []*Item {
	items := make([]*Item, n)
	for i := range items {
		items[i] = &Item{
			ID:      fmt.Sprintf("item-%d", i),
			Type:    ItemTypeEvent,
			Payload: fmt.Sprintf(`{"seq":%d}`, i),
		}
	}
	return items
}

func TestSendBatchRequestShape(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	var gotBody batchRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.URL)
	items := testItems(2)

	result, err := client.SendBatch(context.Background(), ItemTypeEvent, items)
	if err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}

	if gotPath != "/api/events/batch" {
		t.Errorf("path = %q, want /api/events/batch", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want Bearer test-token", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}

	if len(gotBody.IDs) != 2 || gotBody.IDs[0] != "item-0" || gotBody.IDs[1] != "item-1" {
		t.Errorf("ids = %v", gotBody.IDs)
	}
	if len(gotBody.Items) != 2 || string(gotBody.Items[0]) != `{"seq":0}` {
		t.Errorf("items = %v", gotBody.Items)
	}

	if len(result.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(result.Results))
	}
	for _, r := range result.Results {
		if r.Status != StatusSuccess {
			t.Errorf("item %s: status = %s, want SUCCESS", r.ID, r.Status)
		}
	}
}

func TestSendBatchDispatchJobEndpoint(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.URL)
	items := testItems(1)
	items[0].Type = ItemTypeDispatchJob

	if _, err := client.SendBatch(context.Background(), ItemTypeDispatchJob, items); err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}
	if gotPath != "/api/dispatch/jobs/batch" {
		t.Errorf("path = %q, want /api/dispatch/jobs/batch", gotPath)
	}
}

func TestSendBatchStatusMapping(t *testing.T) {
	tests := []struct {
		httpStatus int
		want       Status
	}{
		{http.StatusOK, StatusSuccess},
		{http.StatusCreated, StatusSuccess},
		{http.StatusBadRequest, StatusBadRequest},
		{http.StatusUnauthorized, StatusUnauthorized},
		{http.StatusForbidden, StatusForbidden},
		{http.StatusUnprocessableEntity, StatusBadRequest},
		{http.StatusInternalServerError, StatusInternalError},
		{http.StatusBadGateway, StatusGatewayError},
		{http.StatusServiceUnavailable, StatusGatewayError},
		{http.StatusGatewayTimeout, StatusGatewayError},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("http_%d", tt.httpStatus), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.httpStatus)
			}))
			defer server.Close()

			client := testClient(server.URL)
			result, err := client.SendBatch(context.Background(), ItemTypeEvent, testItems(3))
			if err != nil {
				t.Fatalf("SendBatch returned error for HTTP %d: %v", tt.httpStatus, err)
			}
			if len(result.Results) != 3 {
				t.Fatalf("expected 3 results, got %d", len(result.Results))
			}
			for _, r := range result.Results {
				if r.Status != tt.want {
					t.Errorf("HTTP %d: item %s status = %s, want %s", tt.httpStatus, r.ID, r.Status, tt.want)
				}
			}
		})
	}
}

func TestSendBatchErrorDetailIncludesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("validation failed"))
	}))
	defer server.Close()

	client := testClient(server.URL)
	result, err := client.SendBatch(context.Background(), ItemTypeEvent, testItems(1))
	if err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}
	if result.Results[0].Error != "HTTP 400: validation failed" {
		t.Errorf("error detail = %q", result.Results[0].Error)
	}
}

func TestSendBatchPerItemResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"results":[
			{"id":"item-1","status":2,"error":"bad payload"},
			{"id":"item-2","status":7},
			{"id":"no-such-item","status":2}
		]}`))
	}))
	defer server.Close()

	client := testClient(server.URL)
	result, err := client.SendBatch(context.Background(), ItemTypeEvent, testItems(3))
	if err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}

	// item-0 is unlisted and keeps the blanket SUCCESS.
	if result.Results[0].Status != StatusSuccess {
		t.Errorf("item-0 status = %s, want SUCCESS", result.Results[0].Status)
	}
	// item-1 is overridden to BAD_REQUEST with the per-item error.
	if result.Results[1].Status != StatusBadRequest {
		t.Errorf("item-1 status = %s, want BAD_REQUEST", result.Results[1].Status)
	}
	if result.Results[1].Error != "bad payload" {
		t.Errorf("item-1 error = %q", result.Results[1].Error)
	}
	// item-2 carries an invalid status code and keeps the blanket SUCCESS.
	if result.Results[2].Status != StatusSuccess {
		t.Errorf("item-2 status = %s, want SUCCESS", result.Results[2].Status)
	}
}

func TestSendBatchTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	client := testClient(server.URL)
	result, err := client.SendBatch(context.Background(), ItemTypeEvent, testItems(1))
	if err == nil {
		t.Fatal("expected a transport error")
	}
	if result != nil {
		t.Errorf("expected nil result on transport error, got %+v", result)
	}
}

func TestSendBatchEmpty(t *testing.T) {
	client := testClient("http://unused.invalid")
	result, err := client.SendBatch(context.Background(), ItemTypeEvent, nil)
	if err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}
	if len(result.Results) != 0 {
		t.Errorf("expected empty result, got %d entries", len(result.Results))
	}
}

func TestSendBatchMalformedPayload(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client := testClient(server.URL)
	items := []*Item{{ID: "bad", Type: ItemTypeEvent, Payload: `{"truncated":`}}

	result, err := client.SendBatch(context.Background(), ItemTypeEvent, items)
	if err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}
	if called {
		t.Error("a batch with an unmarshalable payload must not reach the API")
	}
	if result.Results[0].Status != StatusInternalError {
		t.Errorf("status = %s, want INTERNAL_ERROR", result.Results[0].Status)
	}
}

func TestCircuitBreakerOpensOnRepeatedServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewAPIClient(&APIClientConfig{
		BaseURL:                   server.URL,
		RequestTimeout:            5 * time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    1,
		CircuitBreakerInterval:    time.Minute,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     time.Minute,
		CircuitBreakerMinRequests: 3,
	})

	// The first calls pass through and come back as INTERNAL_ERROR results.
	for i := 0; i < 3; i++ {
		result, err := client.SendBatch(context.Background(), ItemTypeEvent, testItems(1))
		if err != nil {
			t.Fatalf("call %d: unexpected error %v", i, err)
		}
		if result.Results[0].Status != StatusInternalError {
			t.Fatalf("call %d: status = %s, want INTERNAL_ERROR", i, result.Results[0].Status)
		}
	}

	// The breaker is open now; calls fail fast with an error.
	_, err := client.SendBatch(context.Background(), ItemTypeEvent, testItems(1))
	if err == nil {
		t.Fatal("expected an open-breaker error")
	}
}
