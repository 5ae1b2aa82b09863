package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pghttp "github.com/mihaimyh/promptgate/middleware/http"
	"github.com/mihaimyh/promptgate/pkg/promptgate"
	"github.com/mihaimyh/promptgate/storage/memory"
)

const (
	testUserID      = "user123"
	testFingerprint = "fp-usage"
	testIP          = "203.0.113.50"
	testToken       = "s3cret"
)

// Helper to create a test controller
func newTestController(t *testing.T) (*promptgate.Controller, *memory.Storage) {
	t.Helper()

	storage := memory.New()
	controller, err := promptgate.NewController(storage, promptgate.Config{})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	return controller, storage
}

func newTestHandler(t *testing.T, controller *promptgate.Controller) *Handler {
	t.Helper()

	handler, err := NewHandler(Config{
		Controller: controller,
		GetUserID:  pghttp.FromHeader("X-User-ID"),
		AdminToken: testToken,
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return handler
}

func usageRequest(userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/usage", http.NoBody)
	req.Header.Set(pghttp.FingerprintHeader, testFingerprint)
	req.RemoteAddr = testIP + ":40000"
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	return req
}

func decodeUsage(t *testing.T, w *httptest.ResponseRecorder) UsageResponse {
	t.Helper()

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var response UsageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	return response
}

func TestHandler_GetUsage_Guest(t *testing.T) {
	controller, _ := newTestController(t)
	handler := newTestHandler(t, controller)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := controller.Decide(ctx, promptgate.Request{Fingerprint: testFingerprint, IP: testIP}); err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
	}

	w := httptest.NewRecorder()
	handler.GetUsage(w, usageRequest(""))
	response := decodeUsage(t, w)

	if response.Kind != "guest" {
		t.Errorf("Expected kind 'guest', got %s", response.Kind)
	}
	if response.UserID != "" {
		t.Errorf("Expected no user id, got %s", response.UserID)
	}
	if response.Used != 2 || response.Limit != 5 || response.Remaining != 3 {
		t.Errorf("Expected 2/5 with 3 remaining, got %+v", response)
	}
}

func TestHandler_GetUsage_DoesNotCharge(t *testing.T) {
	controller, storage := newTestController(t)
	handler := newTestHandler(t, controller)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.GetUsage(w, usageRequest(""))
		decodeUsage(t, w)
	}

	rec, err := storage.GetGuestRecord(context.Background(), testFingerprint)
	if err != nil {
		t.Fatalf("GetGuestRecord failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Expected no guest record after usage queries, got %+v", rec)
	}
	ip, err := storage.GetIPRecord(context.Background(), testIP)
	if err != nil {
		t.Fatalf("GetIPRecord failed: %v", err)
	}
	if ip != nil {
		t.Errorf("Expected no ip record after usage queries, got %+v", ip)
	}
}

func TestHandler_GetUsage_UserPreviewsInheritance(t *testing.T) {
	controller, storage := newTestController(t)
	handler := newTestHandler(t, controller)
	ctx := context.Background()

	if err := storage.UpsertGuestRecord(ctx, &promptgate.GuestRecord{Fingerprint: testFingerprint, PromptCount: 5}); err != nil {
		t.Fatalf("Failed to seed guest: %v", err)
	}

	w := httptest.NewRecorder()
	handler.GetUsage(w, usageRequest(testUserID))
	response := decodeUsage(t, w)

	if response.Kind != "user" || response.UserID != testUserID {
		t.Errorf("Expected user usage for %s, got %+v", testUserID, response)
	}
	if response.Used != 5 || response.Limit != 8 || response.Remaining != 3 {
		t.Errorf("Expected 5/8 with 3 remaining, got %+v", response)
	}

	stats, err := storage.GetUserStats(ctx, testUserID)
	if err != nil {
		t.Fatalf("GetUserStats failed: %v", err)
	}
	if stats != nil {
		t.Error("Usage must not create the user stats row")
	}
}

func TestHandler_GetUsage_UserExhausted(t *testing.T) {
	controller, storage := newTestController(t)
	handler := newTestHandler(t, controller)

	if err := storage.InsertUserStats(context.Background(), &promptgate.UserStats{UserID: testUserID, PromptCount: 9}); err != nil {
		t.Fatalf("Failed to seed user: %v", err)
	}

	w := httptest.NewRecorder()
	handler.GetUsage(w, usageRequest(testUserID))
	response := decodeUsage(t, w)

	if response.Remaining != 0 {
		t.Errorf("Expected remaining clamped to 0, got %d", response.Remaining)
	}
}

func TestHandler_GetUsage_MissingFingerprint(t *testing.T) {
	controller, _ := newTestController(t)
	handler := newTestHandler(t, controller)

	req := httptest.NewRequest(http.MethodGet, "/api/usage", http.NoBody)
	w := httptest.NewRecorder()
	handler.GetUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	var response ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.Detail != codeInvalid {
		t.Errorf("Expected %s, got %s", codeInvalid, response.Detail)
	}
}

func blockRequest(token, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/admin/block-ip", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestHandler_BlockIP(t *testing.T) {
	controller, storage := newTestController(t)
	handler := newTestHandler(t, controller)

	w := httptest.NewRecorder()
	handler.BlockIP(w, blockRequest(testToken, `{"ip":"198.51.100.77"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var response BlockIPResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if !response.Blocked || response.IP != "198.51.100.77" {
		t.Errorf("Unexpected response %+v", response)
	}

	rec, err := storage.GetIPRecord(context.Background(), "198.51.100.77")
	if err != nil || rec == nil || !rec.IsBlocked {
		t.Fatalf("Expected blocked ip record, got %+v, %v", rec, err)
	}

	_, err = controller.Decide(context.Background(), promptgate.Request{Fingerprint: "fp-any", IP: "198.51.100.77"})
	if !errors.Is(err, promptgate.ErrIPBlocked) {
		t.Errorf("Expected IP_BLOCKED after admin block, got %v", err)
	}
}

func TestHandler_BlockIP_Unauthorized(t *testing.T) {
	controller, storage := newTestController(t)
	handler := newTestHandler(t, controller)

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing token", token: ""},
		{name: "wrong token", token: "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.BlockIP(w, blockRequest(tt.token, `{"ip":"198.51.100.78"}`))
			if w.Code != http.StatusForbidden {
				t.Errorf("Expected status 403, got %d", w.Code)
			}
		})
	}

	rec, _ := storage.GetIPRecord(context.Background(), "198.51.100.78")
	if rec != nil {
		t.Errorf("Expected no ip record, got %+v", rec)
	}
}

func TestHandler_BlockIP_NoTokenConfigured(t *testing.T) {
	controller, _ := newTestController(t)
	handler, err := NewHandler(Config{Controller: controller})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	w := httptest.NewRecorder()
	handler.BlockIP(w, blockRequest("anything", `{"ip":"198.51.100.79"}`))
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}
}

func TestHandler_BlockIP_InvalidBody(t *testing.T) {
	controller, _ := newTestController(t)
	handler := newTestHandler(t, controller)

	bodies := []string{
		`not json`,
		`{}`,
		`{"ip":"not-an-ip"}`,
	}
	for _, body := range bodies {
		w := httptest.NewRecorder()
		handler.BlockIP(w, blockRequest(testToken, body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Body %q: expected status 400, got %d", body, w.Code)
		}
	}
}

func TestHandler_CustomErrorHandler(t *testing.T) {
	controller, _ := newTestController(t)

	var got error
	handler, err := NewHandler(Config{
		Controller: controller,
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	w := httptest.NewRecorder()
	handler.GetUsage(w, httptest.NewRequest(http.MethodGet, "/api/usage", http.NoBody))

	if w.Code != http.StatusTeapot {
		t.Errorf("Expected custom status, got %d", w.Code)
	}
	if !errors.Is(got, promptgate.ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest, got %v", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("Expected error for missing controller")
	}
}

// brokenWriter accepts headers but fails every body write
type brokenWriter struct {
	header http.Header
	status int
}

func (w *brokenWriter) Header() http.Header         { return w.header }
func (w *brokenWriter) WriteHeader(status int)      { w.status = status }
func (w *brokenWriter) Write(_ []byte) (int, error) { return 0, errors.New("connection reset") }

// warnLogger records warning messages
type warnLogger struct {
	promptgate.NoopLogger
	warnings []string
}

func (l *warnLogger) Warn(msg string, _ ...promptgate.Field) {
	l.warnings = append(l.warnings, msg)
}

func TestHandler_WriteFailureIsLogged(t *testing.T) {
	controller, _ := newTestController(t)
	logger := &warnLogger{}
	handler, err := NewHandler(Config{Controller: controller, Logger: logger})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	w := &brokenWriter{header: http.Header{}}
	handler.GetUsage(w, usageRequest(""))

	if w.status != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.status)
	}
	if len(logger.warnings) != 1 || logger.warnings[0] != "failed to write response" {
		t.Errorf("Expected one write failure warning, got %v", logger.warnings)
	}
}
