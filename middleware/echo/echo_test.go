package echo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/promptgate/pkg/promptgate"
	"github.com/mihaimyh/promptgate/storage/memory"
)

// errorStorage is a mock storage that always fails on the IP counter
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) IncrementIP(_ context.Context, _ string, _ int, _ time.Time) (int, error) {
	return 0, errors.New("connection refused")
}

// Test helper to create a test controller
func setupTestController(t *testing.T, storage promptgate.Storage) *promptgate.Controller {
	t.Helper()

	controller, err := promptgate.NewController(storage, promptgate.Config{})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	return controller
}

func newServer(cfg Config, mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.Use(mw...)
	e.Use(Middleware(cfg))
	e.POST("/api/chat", func(c echo.Context) error {
		count, _ := PromptCount(c)
		return c.JSON(http.StatusOK, map[string]int{"count": count})
	})
	return e
}

func chat(e *echo.Echo, fingerprint, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/chat", http.NoBody)
	if fingerprint != "" {
		req.Header.Set(FingerprintHeader, fingerprint)
	}
	req.RemoteAddr = ip + ":40000"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	return body["detail"]
}

func TestMiddleware_Success(t *testing.T) {
	e := newServer(Config{Controller: setupTestController(t, memory.New())})

	rec := chat(e, "fp-echo", "198.51.100.20")

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(PromptCountHeader); got != "1" {
		t.Errorf("Expected %s 1, got %q", PromptCountHeader, got)
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["count"] != 1 {
		t.Errorf("Expected handler to see count 1, got %s", rec.Body.String())
	}
}

func TestMiddleware_GuestLimitReached(t *testing.T) {
	e := newServer(Config{Controller: setupTestController(t, memory.New())})

	for i := 1; i <= 5; i++ {
		rec := chat(e, "fp-echo-cap", "198.51.100.21")
		if rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected status 200, got %d", i, rec.Code)
		}
		if got := rec.Header().Get(PromptCountHeader); got != strconv.Itoa(i) {
			t.Errorf("Request %d: expected count %d, got %q", i, i, got)
		}
	}

	rec := chat(e, "fp-echo-cap", "198.51.100.21")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rec.Code)
	}
	if d := detail(t, rec); d != "GUEST_LIMIT_REACHED" {
		t.Errorf("Expected GUEST_LIMIT_REACHED, got %q", d)
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()
	if err := storage.UpsertGuestRecord(ctx, &promptgate.GuestRecord{Fingerprint: "fp-echo-user", PromptCount: 5}); err != nil {
		t.Fatalf("Failed to seed guest record: %v", err)
	}

	auth := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(UserIDKey, "user-echo")
			return next(c)
		}
	}
	e := newServer(Config{Controller: setupTestController(t, storage)}, auth)

	for want := 6; want <= 8; want++ {
		rec := chat(e, "fp-echo-user", "198.51.100.22")
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", rec.Code)
		}
		if got := rec.Header().Get(PromptCountHeader); got != strconv.Itoa(want) {
			t.Errorf("Expected count %d, got %q", want, got)
		}
	}

	rec := chat(e, "fp-echo-user", "198.51.100.22")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rec.Code)
	}
	if d := detail(t, rec); d != "USER_LIMIT_REACHED" {
		t.Errorf("Expected USER_LIMIT_REACHED, got %q", d)
	}
}

func TestMiddleware_BlockedIP(t *testing.T) {
	controller := setupTestController(t, memory.New())
	if err := controller.BlockIP(context.Background(), "198.51.100.23"); err != nil {
		t.Fatalf("Failed to block ip: %v", err)
	}
	e := newServer(Config{Controller: controller})

	rec := chat(e, "fp-echo-blocked", "198.51.100.23")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rec.Code)
	}
	if d := detail(t, rec); d != "IP_BLOCKED" {
		t.Errorf("Expected IP_BLOCKED, got %q", d)
	}
}

func TestMiddleware_MissingFingerprint(t *testing.T) {
	e := newServer(Config{Controller: setupTestController(t, memory.New())})

	rec := chat(e, "", "198.51.100.24")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	e := newServer(Config{Controller: setupTestController(t, &errorStorage{memory.New()})})

	rec := chat(e, "fp-echo-err", "198.51.100.25")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rec.Code)
	}
	if d := detail(t, rec); d != promptgate.CodeStoreUnavailable {
		t.Errorf("Expected %s, got %q", promptgate.CodeStoreUnavailable, d)
	}
}

func TestMiddleware_StorageError_CustomHandler(t *testing.T) {
	customCalled := false
	e := newServer(Config{
		Controller: setupTestController(t, &errorStorage{memory.New()}),
		OnError: func(c echo.Context, err error) error {
			customCalled = true
			if !errors.Is(err, promptgate.ErrStoreUnavailable) {
				t.Errorf("Expected store error, got %v", err)
			}
			return c.JSON(http.StatusInternalServerError, map[string]string{"detail": "custom"})
		},
	})

	rec := chat(e, "fp-echo-err", "198.51.100.26")
	if !customCalled {
		t.Error("Custom error handler was not called")
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
}

func TestMiddleware_CustomDeniedHandler(t *testing.T) {
	controller := setupTestController(t, memory.New())
	if err := controller.BlockIP(context.Background(), "198.51.100.27"); err != nil {
		t.Fatalf("Failed to block ip: %v", err)
	}
	e := newServer(Config{
		Controller: controller,
		OnDenied: func(c echo.Context, d *promptgate.Denial) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"detail": string(d.Code), "hint": "sign in"})
		},
	})

	rec := chat(e, "fp-echo-custom", "198.51.100.27")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", rec.Code)
	}
}

func TestMiddleware_ConfigValidation_MissingController(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when Controller is nil")
		}
	}()
	Middleware(Config{})
}
