package idempotency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newCountingHandler(counter *int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(counter, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ord_1"}`))
	})
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	var calls int32
	handler := Middleware(NewMemoryStore())(newCountingHandler(&calls))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"email":"jo@example.com"}`))
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	if first.Code != http.StatusCreated {
		t.Fatalf("first request status = %d", first.Code)
	}
	if first.Header().Get(replayHeaderName) != "" {
		t.Fatal("first response must not be marked as replay")
	}

	second := send()
	if second.Code != http.StatusCreated {
		t.Fatalf("replayed status = %d", second.Code)
	}
	if second.Header().Get(replayHeaderName) != "true" {
		t.Fatal("second response must be marked as replay")
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replayed body mismatch: %q vs %q", second.Body.String(), first.Body.String())
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
}

func TestMiddlewareRejectsReusedKeyWithDifferentBody(t *testing.T) {
	var calls int32
	handler := Middleware(NewMemoryStore())(newCountingHandler(&calls))

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"email":"jo@example.com"}`))
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first request status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"email":"other@example.com"}`))
	req.Header.Set("Idempotency-Key", "key-1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("reused key with new body status = %d, want 409", rec.Code)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	var calls int32
	handler := Middleware(NewMemoryStore())(newCountingHandler(&calls))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("handler ran %d times, want 2", got)
	}
}

func TestMiddlewareIgnoresUnguardedMethods(t *testing.T) {
	var calls int32
	handler := Middleware(NewMemoryStore())(newCountingHandler(&calls))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
}

func TestMemoryStoreExpiredReservationIsReclaimed(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := store.Reserve(context.Background(), "key", "fp", now, time.Hour)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if first.State != ReservationStateNew {
		t.Fatalf("first state = %v", first.State)
	}

	later, err := store.Reserve(context.Background(), "key", "fp", now.Add(2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if later.State != ReservationStateNew {
		t.Fatalf("expired reservation state = %v, want new", later.State)
	}
}
