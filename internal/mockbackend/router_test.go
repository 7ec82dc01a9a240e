package mockbackend

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/auth"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/backend"
)

type stubTokenIssuer struct {
	accountID   string
	validateErr error
}

func (s stubTokenIssuer) IssueAccountToken(auth.AccountClaims) (string, int64, error) {
	return "token", 3600, nil
}

func (s stubTokenIssuer) ValidateToken(string) (string, error) {
	return s.accountID, s.validateErr
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodDelete, "/v1/account/payment-methods/pm_card_visa", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{tokens: stubTokenIssuer{validateErr: jwt.ErrTokenExpired}, logger: zap.New(core)}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
	hasExpired := false
	for _, field := range entries[0].Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), jwt.ErrTokenExpired) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entries[0].Context)
	}
}

func TestAuthorizeRequestRejectsMissingBearer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodDelete, "/v1/account/payment-methods/pm_card_visa", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{tokens: stubTokenIssuer{accountID: "acct_1"}, logger: zap.New(core)}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no log entries for a missing header, got %d", logs.Len())
	}
	var payload errorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Error != string(backend.CodeUnauthorized) {
		t.Fatalf("unexpected error code %q", payload.Error)
	}
}

func TestRouterAnswersPreflightRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	server, err := New(Dependencies{TokenIssuer: stubTokenIssuer{}})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	request := httptest.NewRequest(http.MethodOptions, "/v1/sessions", http.NoBody)
	request.Header.Set("Origin", "http://localhost:8080")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected preflight status: got %d, want %d", recorder.Code, http.StatusNoContent)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodDelete) {
		t.Fatalf("expected DELETE among allowed methods, got %q", got)
	}
}

func TestRouterRejectsMalformedPayloads(t *testing.T) {
	gin.SetMode(gin.TestMode)
	server, err := New(Dependencies{TokenIssuer: stubTokenIssuer{}})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	request := httptest.NewRequest(http.MethodPost, "/v1/sessions/sess_1/scores", strings.NewReader("{not json"))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d, want %d", recorder.Code, http.StatusBadRequest)
	}
}

func TestRouterRejectsOrdersWithoutTotal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	server, err := New(Dependencies{TokenIssuer: stubTokenIssuer{}})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	body := `{"participant_id":"p1","items":[{"sku":"tee","quantity":1,"unit_price_cents":0}]}`
	request := httptest.NewRequest(http.MethodPost, "/v1/sessions/sess_1/orders", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status: got %d, want %d", recorder.Code, http.StatusUnprocessableEntity)
	}
	var payload errorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Error != string(backend.CodeValidation) {
		t.Fatalf("unexpected error code: %q", payload.Error)
	}
}

func TestNewRequiresTokenIssuer(t *testing.T) {
	if _, err := New(Dependencies{}); !errors.Is(err, errMissingTokenIssuer) {
		t.Fatalf("expected missing token issuer error, got %v", err)
	}
}
