package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nightjarhq/creditd/internal/payments"
	"github.com/nightjarhq/creditd/internal/renewal"
	"github.com/nightjarhq/creditd/internal/store/gormstore"
	"github.com/nightjarhq/creditd/internal/webhook"
	"github.com/nightjarhq/creditd/pkg/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	adminSecret      = "admin-test-secret"
	testClockUnixUTC = int64(1700000000)
)

func testClock() int64 { return testClockUnixUTC }

func newTestRouter(test *testing.T) *gin.Engine {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "server_test.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open database: %v", err)
	}
	err = db.AutoMigrate(
		&gormstore.Account{},
		&gormstore.CreditTransaction{},
		&gormstore.ProductMapping{},
		&gormstore.IngressEvent{},
	)
	if err != nil {
		test.Fatalf("migrate schema: %v", err)
	}

	store := gormstore.New(db)
	service, err := ledger.NewService(store, testClock)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	processor := payments.NewProcessor(store, testClock, nil)
	synchronizer := payments.NewSynchronizer(store, testClock, nil)
	scheduler := renewal.NewScheduler(store, testClock, nil, time.Hour, time.Minute)
	webhookHandler := webhook.NewHandler("whsec_server_test", store, processor, synchronizer, testClock, nil)

	return NewRouter(Config{
		ListenAddr:       ":0",
		AdminTokenSecret: adminSecret,
		RenewalTimeout:   time.Minute,
	}, Deps{
		WebhookHandler: webhookHandler,
		Service:        service,
		Store:          store,
		Scheduler:      scheduler,
		RateLimiter:    NewRateLimiter(1000, time.Minute),
		Logger:         zap.NewNop(),
	})
}

func adminToken(test *testing.T, secret string) string {
	test.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return token
}

func adminRequest(test *testing.T, method string, path string, body string, token string) *http.Request {
	test.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return request
}

func perform(router *gin.Engine, request *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		test.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return body
}

func TestHealthz(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)
	recorder := perform(router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestAdminRequiresToken(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)

	recorder := perform(router, adminRequest(test, http.MethodPost, "/admin/accounts", `{"user_id":"u1"}`, ""))
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	recorder = perform(router, adminRequest(test, http.MethodPost, "/admin/accounts", `{"user_id":"u1"}`,
		adminToken(test, "wrong-secret")))
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 with a forged token, got %d", recorder.Code)
	}
}

func TestAccountLifecycle(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)
	token := adminToken(test, adminSecret)

	recorder := perform(router, adminRequest(test, http.MethodPost, "/admin/accounts", `{"user_id":"user-api"}`, token))
	if recorder.Code != http.StatusCreated {
		test.Fatalf("expected 201, got %d body=%s", recorder.Code, recorder.Body.String())
	}

	// Duplicate registration conflicts.
	recorder = perform(router, adminRequest(test, http.MethodPost, "/admin/accounts", `{"user_id":"user-api"}`, token))
	if recorder.Code != http.StatusConflict {
		test.Fatalf("expected 409, got %d", recorder.Code)
	}

	recorder = perform(router, adminRequest(test, http.MethodPost, "/admin/accounts/user-api/grant",
		`{"credits":20,"reason":"manual top-up"}`, token))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200 grant, got %d body=%s", recorder.Code, recorder.Body.String())
	}

	recorder = perform(router, adminRequest(test, http.MethodGet, "/admin/accounts/user-api/balance", "", token))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200 balance, got %d", recorder.Code)
	}
	body := decodeBody(test, recorder)
	if body["balance"].(float64) != 20 || body["unlimited"].(bool) {
		test.Fatalf("unexpected balance body: %v", body)
	}

	recorder = perform(router, adminRequest(test, http.MethodPost, "/admin/accounts/user-api/spend",
		`{"credits":5}`, token))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200 spend, got %d", recorder.Code)
	}

	recorder = perform(router, adminRequest(test, http.MethodPost, "/admin/accounts/user-api/spend",
		`{"credits":100}`, token))
	if recorder.Code != http.StatusConflict {
		test.Fatalf("expected 409 insufficient balance, got %d", recorder.Code)
	}

	recorder = perform(router, adminRequest(test, http.MethodGet, "/admin/accounts/user-api/transactions", "", token))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200 transactions, got %d", recorder.Code)
	}
	listBody := decodeBody(test, recorder)
	rows, ok := listBody["transactions"].([]any)
	if !ok || len(rows) != 1 {
		test.Fatalf("expected one audit row, got %v", listBody)
	}
}

func TestBalanceUnknownUser(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)
	token := adminToken(test, adminSecret)

	recorder := perform(router, adminRequest(test, http.MethodGet, "/admin/accounts/ghost/balance", "", token))
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestSpendRejectsInvalidAmount(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)
	token := adminToken(test, adminSecret)

	perform(router, adminRequest(test, http.MethodPost, "/admin/accounts", `{"user_id":"user-bad"}`, token))
	recorder := perform(router, adminRequest(test, http.MethodPost, "/admin/accounts/user-bad/spend",
		`{"credits":0}`, token))
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestUpsertMappingValidation(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)
	token := adminToken(test, adminSecret)

	recorder := perform(router, adminRequest(test, http.MethodPost, "/admin/mappings",
		`{"credits":10}`, token))
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 without identifiers, got %d", recorder.Code)
	}

	recorder = perform(router, adminRequest(test, http.MethodPost, "/admin/mappings",
		`{"price_id":"price_api","credits":10}`, token))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
}

func TestRunRenewalsReturnsReport(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)
	token := adminToken(test, adminSecret)

	recorder := perform(router, adminRequest(test, http.MethodPost, "/admin/renewals/run", "", token))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(test, recorder)
	for _, key := range []string{"processed", "succeeded", "failed", "per_account_results"} {
		if _, present := body[key]; !present {
			test.Fatalf("expected %q in report, got %v", key, body)
		}
	}
}

func TestWebhookEndpointIsRateLimited(test *testing.T) {
	test.Parallel()
	databasePath := filepath.Join(test.TempDir(), "ratelimit_server_test.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(&gormstore.Account{}, &gormstore.CreditTransaction{}, &gormstore.ProductMapping{}, &gormstore.IngressEvent{}); err != nil {
		test.Fatalf("migrate schema: %v", err)
	}
	store := gormstore.New(db)
	service, err := ledger.NewService(store, testClock)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	router := NewRouter(Config{
		AdminTokenSecret: adminSecret,
	}, Deps{
		WebhookHandler: webhook.NewHandler("whsec_rl", store,
			payments.NewProcessor(store, testClock, nil),
			payments.NewSynchronizer(store, testClock, nil),
			testClock, nil),
		Service:     service,
		Store:       store,
		Scheduler:   renewal.NewScheduler(store, testClock, nil, time.Hour, time.Minute),
		RateLimiter: NewRateLimiter(2, time.Minute),
		Logger:      zap.NewNop(),
	})

	var lastCode int
	for attempt := 0; attempt < 3; attempt++ {
		request := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader([]byte(`{}`)))
		lastCode = perform(router, request).Code
	}
	if lastCode != http.StatusTooManyRequests {
		test.Fatalf("expected 429 after the limit, got %d", lastCode)
	}
}
