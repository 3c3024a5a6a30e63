package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHttpClient_Retry(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Get(context.Background(), "/", nil)
	if err != nil {
		t.Fatalf("Request failed after retries: %v", err)
	}

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestHttpClient_CircuitBreaker(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)

	// We need to trigger the breaker.
	// Policy is 5 failures out of 10.
	// We'll do 6 requests.
	for i := 0; i < 6; i++ {
		_, _ = client.Get(context.Background(), "/", nil)
	}

	// The 7th request should fail immediately due to open circuit breaker
	// without reaching the server.
	startAttempts := attempts
	_, err := client.Get(context.Background(), "/", nil)
	if err == nil {
		t.Error("Expected error due to open circuit breaker, got nil")
	}

	if attempts != startAttempts {
		t.Errorf("Server was reached even though circuit should be open. Attempts: %d", attempts)
	}
}

type headerSigner struct {
	calls int
}

func (s *headerSigner) SignRequest(req *http.Request) error {
	s.calls++
	req.Header.Set("Authorization", "OAuth test")
	return nil
}

func TestHttpClient_SignerAndHeaders(t *testing.T) {
	var gotAuth, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	signer := &headerSigner{}
	client := NewClient(server.URL, 5*time.Second, signer)
	client.SetHeader("Accept", "application/json")

	_, err := client.Get(context.Background(), "/v1/market/quote", map[string]string{"symbols": "AAPL"})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if signer.calls != 1 {
		t.Errorf("Expected signer to be called once, got %d", signer.calls)
	}
	if gotAuth != "OAuth test" {
		t.Errorf("Authorization header not applied: %q", gotAuth)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept header not applied: %q", gotAccept)
	}
}

func TestHttpClient_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("token expired"))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Get(context.Background(), "/", nil)
	if err == nil {
		t.Fatal("Expected error for 401 response")
	}

	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("Expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", apiErr.StatusCode)
	}
	if string(apiErr.Body) != "token expired" {
		t.Errorf("Unexpected body: %q", apiErr.Body)
	}
}
