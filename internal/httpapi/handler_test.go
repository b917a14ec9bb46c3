package httpapi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/geo"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/httpapi"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/repository/memory"
)

type testServer struct {
	handler http.Handler
	cards   *memory.CardRepository
	ledger  *memory.Ledger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()

	cards := memory.NewCardRepository()
	ledger := memory.NewLedger()
	distances := geo.NewDirectory(map[string]geo.Coordinates{
		"110001": {Lat: 28.6139, Lon: 77.2090},
		"560001": {Lat: 12.9716, Lon: 77.5946},
	})
	pipeline := domain.NewPipeline(cards, ledger,
		domain.NewClassifier(domain.NewVelocityCalculator(distances), domain.DefaultThresholds()),
		logger, domain.PipelineOptions{})

	h := httpapi.NewHandler(pipeline, cards, ledger, logger)
	return &testServer{handler: httpapi.NewRouter(h, logger), cards: cards, ledger: ledger}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func transactionBody(postcode, dt string) string {
	return `{"card_id":"card-1","member_id":"m-1","amount":"100","postcode":"` + postcode +
		`","pos_id":"p-1","transaction_dt":"` + dt + `"}`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httpapi.BaseError {
	t.Helper()
	var e httpapi.BaseError
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	return e
}

func TestClassifyTransaction_Genuine(t *testing.T) {
	s := newTestServer(t)
	s.cards.UpsertProfile(context.Background(), domain.CardProfile{CardID: "card-1", Score: 250, UCL: decimal.RequireFromString("500")})

	rec := s.do(http.MethodPost, "/v1/transactions", transactionBody("560001", "01-01-2020 10:00:00"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp httpapi.ClassifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Outcome != "GENUINE" || resp.Status != "GENUINE" || resp.LedgerID == nil {
		t.Errorf("Unexpected response %+v", resp)
	}
	if len(resp.Rules) != 3 || len(resp.FailedRules) != 0 {
		t.Errorf("Expected 3 passing rules, got %+v", resp)
	}
}

func TestClassifyTransaction_VelocityFraud(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	s.cards.UpsertProfile(ctx, domain.CardProfile{CardID: "card-1", Score: 250, UCL: decimal.RequireFromString("500")})
	s.cards.PutState(ctx, domain.CardState{
		CardID:            "card-1",
		LastPostcode:      "110001",
		LastTransactionDT: time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC),
	})

	rec := s.do(http.MethodPost, "/v1/transactions", transactionBody("560001", "01-01-2020 10:00:00"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var resp httpapi.ClassifyResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)

	if resp.Status != "FRAUD" || len(resp.FailedRules) != 1 || resp.FailedRules[0] != domain.RuleVelocity {
		t.Errorf("Expected velocity fraud, got %+v", resp)
	}
}

func TestClassifyTransaction_IdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	headers := map[string]string{httpapi.IdempotencyKeyHeader: "req-1"}

	first := s.do(http.MethodPost, "/v1/transactions", transactionBody("560001", "01-01-2020 10:00:00"), headers)
	second := s.do(http.MethodPost, "/v1/transactions", transactionBody("560001", "01-01-2020 10:00:00"), headers)

	var a, b httpapi.ClassifyResponse
	json.Unmarshal(first.Body.Bytes(), &a)
	json.Unmarshal(second.Body.Bytes(), &b)
	if a.LedgerID == nil || b.LedgerID == nil || *a.LedgerID != *b.LedgerID {
		t.Errorf("Expected the same ledger ID, got %v and %v", a.LedgerID, b.LedgerID)
	}
	if s.ledger.Len() != 1 {
		t.Errorf("Expected 1 ledger entry, got %d", s.ledger.Len())
	}
}

func TestClassifyTransaction_Rejected(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		withState bool
	}{
		{"malformed json", `{`, false},
		{"missing field", `{"card_id":"card-1"}`, false},
		{"unknown postcode on first transaction", transactionBody("999999", "01-01-2020 10:00:00"), false},
		{"unknown postcode", transactionBody("999999", "01-01-2020 10:00:00"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			if tt.withState {
				s.cards.PutState(context.Background(), domain.CardState{
					CardID:            "card-1",
					LastPostcode:      "110001",
					LastTransactionDT: time.Date(2020, 1, 1, 9, 0, 0, 0, time.UTC),
				})
			}

			rec := s.do(http.MethodPost, "/v1/transactions", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("Expected status 400, got %d", rec.Code)
			}
			if e := decodeError(t, rec); e.Code != "INVALID_TRANSACTION" {
				t.Errorf("Expected code INVALID_TRANSACTION, got %s", e.Code)
			}
			if s.ledger.Len() != 0 {
				t.Error("Rejected transaction must not be ledgered")
			}
		})
	}
}

type failingProcessor struct {
	err    error
	record *domain.ClassifiedTransaction
}

func (p failingProcessor) Process(context.Context, domain.Delivery) (domain.Outcome, error) {
	return domain.Outcome{Kind: domain.OutcomeRetryPending, Record: p.record}, p.err
}

func TestClassifyTransaction_Unavailable(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := httpapi.NewHandler(failingProcessor{err: fmt.Errorf("%w: timeout", domain.ErrLedgerUnavailable)}, memory.NewCardRepository(), memory.NewLedger(), logger)
	router := httpapi.NewRouter(h, logger)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/transactions", strings.NewReader("{}")))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
	if e := decodeError(t, rec); e.LedgerID != nil {
		t.Errorf("Expected no ledger ID, got %v", e.LedgerID)
	}
}

func TestClassifyTransaction_StateWriteFailedReturnsLedgerID(t *testing.T) {
	logger, _ := test.NewNullLogger()
	record := &domain.ClassifiedTransaction{ID: uuid.New(), Status: domain.StatusGenuine}
	processor := failingProcessor{
		err:    fmt.Errorf("%w: card card-1: timeout", domain.ErrStateWriteFailed),
		record: record,
	}
	router := httpapi.NewRouter(httpapi.NewHandler(processor, memory.NewCardRepository(), memory.NewLedger(), logger), logger)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/transactions", strings.NewReader("{}")))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rec.Code)
	}
	e := decodeError(t, rec)
	if e.Code != "STATE_WRITE_FAILED" {
		t.Errorf("Expected code STATE_WRITE_FAILED, got %s", e.Code)
	}
	if e.LedgerID == nil || *e.LedgerID != record.ID {
		t.Errorf("Expected ledger ID %s, got %v", record.ID, e.LedgerID)
	}
}

func TestGetCardState(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/v1/cards/card-1/state", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404 for unknown card, got %d", rec.Code)
	}

	dt := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)
	s.cards.PutState(context.Background(), domain.CardState{CardID: "card-1", LastPostcode: "560001", LastTransactionDT: dt})

	rec = s.do(http.MethodGet, "/v1/cards/card-1/state", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var resp httpapi.CardStateResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.LastPostcode != "560001" || !resp.LastTransactionDT.Equal(dt) {
		t.Errorf("Unexpected state %+v", resp)
	}
}

func TestGetCardTransactions(t *testing.T) {
	s := newTestServer(t)
	for _, dt := range []string{"01-01-2020 10:00:00", "01-01-2020 11:00:00", "01-01-2020 12:00:00"} {
		if rec := s.do(http.MethodPost, "/v1/transactions", transactionBody("560001", dt), nil); rec.Code != http.StatusOK {
			t.Fatalf("Failed to classify: %s", rec.Body.String())
		}
	}

	rec := s.do(http.MethodGet, "/v1/cards/card-1/transactions?limit=2", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var resp httpapi.GetTransactionsResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)

	if len(resp.Content) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(resp.Content))
	}
	if resp.Content[0].TransactionDT.Hour() != 12 {
		t.Errorf("Expected newest entry first, got %v", resp.Content[0].TransactionDT)
	}
	// No profile: score and ucl fail
	if resp.Content[0].Status != "FRAUD" {
		t.Errorf("Expected FRAUD without a profile, got %s", resp.Content[0].Status)
	}

	for _, limit := range []string{"0", "abc", "101"} {
		if rec := s.do(http.MethodGet, "/v1/cards/card-1/transactions?limit="+limit, "", nil); rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: expected status 400, got %d", limit, rec.Code)
		}
	}
}

func TestPutCardProfile(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPut, "/v1/cards/card-1/profile", `{"score":320,"ucl":"1500.75"}`, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d: %s", rec.Code, rec.Body.String())
	}

	profile, err := s.cards.GetProfile(context.Background(), "card-1")
	if err != nil {
		t.Fatalf("Expected profile to be stored: %v", err)
	}
	if profile.Score != 320 || profile.UCL.String() != "1500.75" {
		t.Errorf("Unexpected profile %+v", profile)
	}

	// numeric ucl is accepted too
	if rec := s.do(http.MethodPut, "/v1/cards/card-1/profile", `{"score":100,"ucl":20}`, nil); rec.Code != http.StatusNoContent {
		t.Errorf("Expected status 204 for numeric ucl, got %d", rec.Code)
	}

	for _, body := range []string{`{"ucl":"10"}`, `{"score":1}`, `{"score":1,"ucl":"-1"}`, `{"score":1,"ucl":"abc"}`, `[`} {
		if rec := s.do(http.MethodPut, "/v1/cards/card-1/profile", body, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", body, rec.Code)
		}
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}
