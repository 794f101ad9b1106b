package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Izu99/rice-app/internal/cache"
	"github.com/Izu99/rice-app/internal/domain"
	"github.com/Izu99/rice-app/internal/service"
	"github.com/Izu99/rice-app/internal/store/memory"
)

// newTestAPI builds a full API with the seeded in-memory store, real
// AuthManager and real Service so handler tests exercise the complete
// request path.
func newTestAPI(t *testing.T) (*API, http.Handler) {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopStockSummaryCache{}, testLogger())
	auth := NewAuthManager("handlers-test-secret-0123456789ab", time.Hour, "mill-001", repo)
	api := New(svc, auth, "*", testLogger())
	return api, api.Handler()
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// loginAs obtains an access token through the real login handler.
func loginAs(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("expected an access token")
	}
	return resp.AccessToken
}

func fetchCSRFToken(t *testing.T, handler http.Handler) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token fetch failed: %d %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf response: %v", err)
	}
	return body["csrf_token"]
}

// doJSON runs one authenticated JSON request through the handler.
func doJSON(t *testing.T, handler http.Handler, method, path, token, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHandleHealth(t *testing.T) {
	_, handler := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	_, handler := newTestAPI(t)

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleBuy_CreditsStockAndCustomer(t *testing.T) {
	_, handler := newTestAPI(t)
	token := loginAs(t, handler, "admin", "admin123")
	csrf := fetchCSRFToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/transactions/buy", token, csrf, domain.TransactionCreateRequest{
		CustomerID:    "cus-perera",
		PaymentMethod: domain.PaymentMethodCash,
		Items: []domain.TransactionLineRequest{
			{StockItemID: "stk-paddy-nadu", WeightKg: 100, Bags: 2, PricePerKg: 60},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp domain.TransactionResponse
	decodeBody(t, rec, &resp)
	if resp.Transaction.Type != domain.TxTypeBuy {
		t.Fatalf("expected buy transaction, got %q", resp.Transaction.Type)
	}
	if resp.Transaction.TotalAmount != 6000 {
		t.Fatalf("expected total 6000, got %v", resp.Transaction.TotalAmount)
	}
	if resp.Replayed {
		t.Fatal("fresh transaction should not be marked replayed")
	}

	// Seeded paddy starts at 2500kg; the 100kg purchase must land on it.
	stockRec := doJSON(t, handler, http.MethodGet, "/api/v1/stock/stk-paddy-nadu", token, "", nil)
	if stockRec.Code != http.StatusOK {
		t.Fatalf("stock fetch failed: %d %s", stockRec.Code, stockRec.Body.String())
	}
	var stockBody struct {
		StockItem domain.StockItem `json:"stock_item"`
	}
	decodeBody(t, stockRec, &stockBody)
	if stockBody.StockItem.TotalWeightKg != 2600 {
		t.Fatalf("expected 2600kg after purchase, got %v", stockBody.StockItem.TotalWeightKg)
	}
}

func TestHandleSell_ShortageReturnsLineDetail(t *testing.T) {
	_, handler := newTestAPI(t)
	token := loginAs(t, handler, "admin", "admin123")
	csrf := fetchCSRFToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/transactions/sell", token, csrf, domain.TransactionCreateRequest{
		CustomerID:    "cus-perera",
		PaymentMethod: domain.PaymentMethodCash,
		Items: []domain.TransactionLineRequest{
			{StockItemID: "stk-rice-nadu", WeightKg: 2000, Bags: 40, PricePerKg: 110},
		},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Error             string `json:"error"`
		InsufficientStock []struct {
			ItemName    string  `json:"item_name"`
			RequestedKg float64 `json:"requested_kg"`
			AvailableKg float64 `json:"available_kg"`
		} `json:"insufficient_stock"`
	}
	decodeBody(t, rec, &body)
	if len(body.InsufficientStock) != 1 {
		t.Fatalf("expected 1 shortage line, got %d", len(body.InsufficientStock))
	}
	line := body.InsufficientStock[0]
	if line.RequestedKg != 2000 || line.AvailableKg != 800 {
		t.Fatalf("expected requested 2000 / available 800, got %+v", line)
	}

	// The failed sell must not have touched the rice stock.
	stockRec := doJSON(t, handler, http.MethodGet, "/api/v1/stock/stk-rice-nadu", token, "", nil)
	var stockBody struct {
		StockItem domain.StockItem `json:"stock_item"`
	}
	decodeBody(t, stockRec, &stockBody)
	if stockBody.StockItem.TotalWeightKg != 800 {
		t.Fatalf("expected rice untouched at 800kg, got %v", stockBody.StockItem.TotalWeightKg)
	}
}

func TestHandleBuy_ClientIDReplayReturnsOK(t *testing.T) {
	_, handler := newTestAPI(t)
	token := loginAs(t, handler, "admin", "admin123")
	csrf := fetchCSRFToken(t, handler)

	req := domain.TransactionCreateRequest{
		CustomerID:    "cus-silva",
		PaymentMethod: domain.PaymentMethodCash,
		ClientID:      "device-7-tx-41",
		Items: []domain.TransactionLineRequest{
			{StockItemID: "stk-paddy-samba", WeightKg: 50, Bags: 1, PricePerKg: 62},
		},
	}

	first := doJSON(t, handler, http.MethodPost, "/api/v1/transactions/buy", token, csrf, req)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first submit, got %d (body: %s)", first.Code, first.Body.String())
	}
	var firstResp domain.TransactionResponse
	decodeBody(t, first, &firstResp)

	second := doJSON(t, handler, http.MethodPost, "/api/v1/transactions/buy", token, csrf, req)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d (body: %s)", second.Code, second.Body.String())
	}
	var secondResp domain.TransactionResponse
	decodeBody(t, second, &secondResp)
	if !secondResp.Replayed {
		t.Fatal("expected replay to be flagged")
	}
	if secondResp.Transaction.ID != firstResp.Transaction.ID {
		t.Fatalf("replay returned a different transaction: %s vs %s", secondResp.Transaction.ID, firstResp.Transaction.ID)
	}
}

func TestHandlePaymentsAndCancel(t *testing.T) {
	_, handler := newTestAPI(t)
	token := loginAs(t, handler, "admin", "admin123")
	csrf := fetchCSRFToken(t, handler)

	sellRec := doJSON(t, handler, http.MethodPost, "/api/v1/transactions/sell", token, csrf, domain.TransactionCreateRequest{
		CustomerID:    "cus-perera",
		PaymentMethod: domain.PaymentMethodCredit,
		Items: []domain.TransactionLineRequest{
			{StockItemID: "stk-rice-nadu", WeightKg: 100, Bags: 2, PricePerKg: 110},
		},
	})
	if sellRec.Code != http.StatusCreated {
		t.Fatalf("sell failed: %d %s", sellRec.Code, sellRec.Body.String())
	}
	var sellResp domain.TransactionResponse
	decodeBody(t, sellRec, &sellResp)
	if sellResp.Transaction.Status != domain.TxStatusPending {
		t.Fatalf("expected pending, got %q", sellResp.Transaction.Status)
	}
	txID := sellResp.Transaction.ID

	payRec := doJSON(t, handler, http.MethodPost, "/api/v1/transactions/"+txID+"/payments", token, csrf, domain.PaymentRequest{
		Amount:        5000,
		PaymentMethod: domain.PaymentMethodCash,
	})
	if payRec.Code != http.StatusOK {
		t.Fatalf("payment failed: %d %s", payRec.Code, payRec.Body.String())
	}
	var payBody struct {
		Transaction domain.Transaction `json:"transaction"`
	}
	decodeBody(t, payRec, &payBody)
	if payBody.Transaction.Status != domain.TxStatusPartiallyPaid {
		t.Fatalf("expected partially_paid, got %q", payBody.Transaction.Status)
	}
	if payBody.Transaction.Balance != 6000 {
		t.Fatalf("expected balance 6000, got %v", payBody.Transaction.Balance)
	}

	cancelRec := doJSON(t, handler, http.MethodPost, "/api/v1/transactions/"+txID+"/cancel", token, csrf, nil)
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("cancel failed: %d %s", cancelRec.Code, cancelRec.Body.String())
	}
	var cancelBody struct {
		Transaction domain.Transaction `json:"transaction"`
	}
	decodeBody(t, cancelRec, &cancelBody)
	if cancelBody.Transaction.Status != domain.TxStatusCancelled {
		t.Fatalf("expected cancelled, got %q", cancelBody.Transaction.Status)
	}

	// Cancellation compensates: the 100kg goes back into rice stock.
	stockRec := doJSON(t, handler, http.MethodGet, "/api/v1/stock/stk-rice-nadu", token, "", nil)
	var stockBody struct {
		StockItem domain.StockItem `json:"stock_item"`
	}
	decodeBody(t, stockRec, &stockBody)
	if stockBody.StockItem.TotalWeightKg != 800 {
		t.Fatalf("expected rice restored to 800kg, got %v", stockBody.StockItem.TotalWeightKg)
	}
}

func TestHandleMilling_Lifecycle(t *testing.T) {
	_, handler := newTestAPI(t)
	token := loginAs(t, handler, "admin", "admin123")
	csrf := fetchCSRFToken(t, handler)

	createRec := doJSON(t, handler, http.MethodPost, "/api/v1/milling", token, csrf, domain.MillingCreateRequest{
		PaddyItemID:    "stk-paddy-nadu",
		InputPaddyKg:   1000,
		InputPaddyBags: 20,
		Status:         domain.MillingStatusInProgress,
	})
	if createRec.Code != http.StatusCreated {
		t.Fatalf("milling create failed: %d %s", createRec.Code, createRec.Body.String())
	}
	var createResp domain.MillingResponse
	decodeBody(t, createRec, &createResp)
	if createResp.Record.Status != domain.MillingStatusInProgress {
		t.Fatalf("expected in_progress, got %q", createResp.Record.Status)
	}
	if createResp.RiceAdded != nil {
		t.Fatal("in_progress batch must not credit rice yet")
	}

	// Paddy is debited at batch creation, before any rice exists.
	stockRec := doJSON(t, handler, http.MethodGet, "/api/v1/stock/stk-paddy-nadu", token, "", nil)
	var stockBody struct {
		StockItem domain.StockItem `json:"stock_item"`
	}
	decodeBody(t, stockRec, &stockBody)
	if stockBody.StockItem.TotalWeightKg != 1500 {
		t.Fatalf("expected paddy debited to 1500kg, got %v", stockBody.StockItem.TotalWeightKg)
	}

	completePath := fmt.Sprintf("/api/v1/milling/%s/complete", createResp.Record.ID)
	completeRec := doJSON(t, handler, http.MethodPut, completePath, token, csrf, domain.MillingOutput{
		OutputRiceKg:   650,
		OutputRiceBags: 13,
		RiceItemName:   "Nadu Rice",
	})
	if completeRec.Code != http.StatusOK {
		t.Fatalf("milling complete failed: %d %s", completeRec.Code, completeRec.Body.String())
	}
	var completeResp domain.MillingResponse
	decodeBody(t, completeRec, &completeResp)
	if completeResp.Record.ActualPercent != 65 {
		t.Fatalf("expected actual percent 65, got %v", completeResp.Record.ActualPercent)
	}
	if completeResp.RiceAdded == nil {
		t.Fatal("expected rice credit on completion")
	}

	// Completing a second time must be rejected.
	again := doJSON(t, handler, http.MethodPut, completePath, token, csrf, domain.MillingOutput{
		OutputRiceKg:   650,
		OutputRiceBags: 13,
		RiceItemName:   "Nadu Rice",
	})
	if again.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double completion, got %d (body: %s)", again.Code, again.Body.String())
	}
}

func TestHandleSyncPush_AcceptsOfflineBatch(t *testing.T) {
	_, handler := newTestAPI(t)
	token := loginAs(t, handler, "admin", "admin123")

	customerData, _ := json.Marshal(map[string]any{
		"name":  "Bandara Mills",
		"phone": "0755551234",
	})
	// Sync push is CSRF-exempt; offline clients submit without a token fetch.
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sync/push", token, "", domain.SyncPushRequest{
		DeviceID: "tablet-3",
		Operations: []domain.SyncClientOperation{
			{
				ClientID:        "tablet-3-cus-1",
				EntityType:      domain.EntityCustomer,
				Operation:       domain.SyncOpCreate,
				Data:            customerData,
				ClientCreatedAt: time.Now().UTC(),
			},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("sync push failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp domain.SyncPushResponse
	decodeBody(t, rec, &resp)
	if resp.Processed != 1 || resp.Succeeded != 1 {
		t.Fatalf("expected 1 processed / 1 succeeded, got %+v", resp)
	}
}
