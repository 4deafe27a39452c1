package deskapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const threadsBody = `[
  {"threadId":"t1","customer":{"customerId":"c1","name":"Bob","externalId":null,"email":"bob@example.com","phone":null,"createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z"},
   "assignee":null,"title":"Help","description":"","status":"todo","stage":"needs_first_response","priority":"normal","replied":false,
   "channel":"chat","previewText":"hi","labels":[{"labelId":"l1","name":"bug","icon":""}],
   "inboundFirstSeqId":null,"inboundLastSeqId":null,"outboundFirstSeqId":null,"outboundLastSeqId":null,
   "createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-02T00:00:00Z"}
]`

func fastClient(server *httptest.Server, maxRetries int) *Client {
	return NewClient(server.URL, StaticToken("token"), ClientOptions{
		HTTPClient: server.Client(),
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/workspaces/ws_1/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"workspaceId":"ws_1","name":"Acme","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z"}`))
	}))
	defer server.Close()

	ws, err := fastClient(server, 3).GetWorkspace(context.Background(), "ws_1")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if ws.Name != "Acme" {
		t.Fatalf("expected workspace Acme, got %+v", ws)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientSendsAuthAndCorrelationHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("missing correlation id")
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	if _, err := fastClient(server, 0).ListPats(context.Background()); err != nil {
		t.Fatalf("list pats: %v", err)
	}
}

func TestClientListThreads(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/workspaces/ws_1/threads/chat/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(threadsBody))
	}))
	defer server.Close()

	threads, err := fastClient(server, 0).ListThreads(context.Background(), "ws_1")
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if len(threads) != 1 || threads[0].ThreadID != "t1" {
		t.Fatalf("unexpected threads %+v", threads)
	}
	if threads[0].Assignee != nil {
		t.Fatalf("expected null assignee, got %+v", threads[0].Assignee)
	}
	if threads[0].Customer.CustomerID != "c1" || len(threads[0].Labels) != 1 {
		t.Fatalf("nested customer or labels lost: %+v", threads[0])
	}
}

func TestClientRejectsSchemaViolation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"threadId":"t1","status":"archived"}]`))
	}))
	defer server.Close()

	_, err := fastClient(server, 0).ListThreads(context.Background(), "ws_1")
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Fatalf("schema error must not look like a transport error")
	}
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) || schemaErr.Schema != SchemaThreads {
		t.Fatalf("expected SchemaError for %s, got %v", SchemaThreads, err)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized","message":"bad token"}`))
	}))
	defer server.Close()

	_, err := fastClient(server, 3).GetMe(context.Background(), "ws_1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized || httpErr.Code != "unauthorized" {
		t.Fatalf("expected 401 HTTPError, got %v", err)
	}
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected HTTP failure to match ErrTransport")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := fastClient(server, 2).ListLabels(context.Background(), "ws_1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientNetworkFailureIsTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := fastClient(server, 0)
	server.Close()

	_, err := client.ListMembers(context.Background(), "ws_1")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected *TransportError, got %T", err)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(&HTTPError{StatusCode: 404}) {
		t.Fatalf("expected 404 to be not found")
	}
	if IsNotFound(&HTTPError{StatusCode: 500}) || IsNotFound(errors.New("boom")) {
		t.Fatalf("unexpected not found")
	}
}
