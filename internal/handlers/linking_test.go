package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stitchfield/orders-api/internal/domain"
	"github.com/stitchfield/orders-api/internal/services"
)

func TestMatchOrdersRequiresAuth(t *testing.T) {
	router := newTestRouter(t, testRouterDeps{linking: &stubLinkingService{}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders:match", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMatchOrders(t *testing.T) {
	linking := &stubLinkingService{
		findMatchesFn: func(ctx context.Context, email, phone string) ([]services.MatchCandidate, error) {
			if email != "jo@example.com" || phone != "+15550100" {
				t.Fatalf("contact = %q / %q", email, phone)
			}
			return []services.MatchCandidate{
				{Order: sampleOrder("SF-2026-000001"), MatchedField: "email"},
			}, nil
		},
	}
	router := newTestRouter(t, testRouterDeps{linking: linking})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders:match", nil)
	req.Header.Set("Authorization", "Bearer "+mintSession(t, "cust-1", "jo@example.com", "+15550100"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp matchOrdersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Candidates) != 1 || resp.Candidates[0].MatchedField != "email" {
		t.Fatalf("candidates = %+v", resp.Candidates)
	}
}

func TestLinkOrders(t *testing.T) {
	var capturedIDs []string
	linking := &stubLinkingService{
		linkFn: func(ctx context.Context, orderIDs []string, email, phone string) (services.LinkResult, error) {
			capturedIDs = orderIDs
			return services.LinkResult{
				Linked:         []domain.Order{sampleOrder("SF-2026-000001")},
				AlreadyLinked:  []string{"SF-2026-000002"},
				CreditedAmount: 750,
			}, nil
		},
	}
	router := newTestRouter(t, testRouterDeps{linking: linking})

	body, _ := json.Marshal(linkOrdersRequest{OrderIDs: []string{"SF-2026-000001", " ", "SF-2026-000002"}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders:link", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+mintSession(t, "cust-1", "jo@example.com", ""))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(capturedIDs) != 2 {
		t.Fatalf("captured ids = %v, blank entries must be dropped", capturedIDs)
	}

	var resp linkOrdersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Linked) != 1 || resp.CreditedAmount != 750 {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.AlreadyLinked) != 1 || resp.AlreadyLinked[0] != "SF-2026-000002" {
		t.Fatalf("already linked = %v", resp.AlreadyLinked)
	}
}

func TestLinkOrdersUnauthorizedMapsToForbidden(t *testing.T) {
	linking := &stubLinkingService{
		linkFn: func(ctx context.Context, orderIDs []string, email, phone string) (services.LinkResult, error) {
			return services.LinkResult{}, services.ErrOrderUnauthorized
		},
	}
	router := newTestRouter(t, testRouterDeps{linking: linking})

	body, _ := json.Marshal(linkOrdersRequest{OrderIDs: []string{"SF-2026-000001"}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders:link", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+mintSession(t, "cust-1", "jo@example.com", ""))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
