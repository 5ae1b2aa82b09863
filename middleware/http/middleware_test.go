package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/promptgate/pkg/promptgate"
	"github.com/mihaimyh/promptgate/storage/memory"
)

// errorStorage fails every call the guest and user paths start with
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) GetUserStats(_ context.Context, _ string) (*promptgate.UserStats, error) {
	return nil, errors.New("connection refused")
}

func (s *errorStorage) IncrementIP(_ context.Context, _ string, _ int, _ time.Time) (int, error) {
	return 0, errors.New("connection refused")
}

func setupTestController(t *testing.T) (*promptgate.Controller, *memory.Storage) {
	t.Helper()

	storage := memory.New()
	controller, err := promptgate.NewController(storage, promptgate.Config{})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	return controller, storage
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count, ok := PromptCountFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]int{"count": count})
	})
}

func guestRequest(fingerprint, ip string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/chat", http.NoBody)
	req.Header.Set(FingerprintHeader, fingerprint)
	req.RemoteAddr = ip + ":40000"
	return req
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	return body.Detail
}

func TestMiddleware_GuestAllowed(t *testing.T) {
	controller, _ := setupTestController(t)
	handler := Middleware(Config{Controller: controller})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, guestRequest("fp-1", "203.0.113.1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(PromptCountHeader); got != "1" {
		t.Errorf("Expected %s 1, got %q", PromptCountHeader, got)
	}
	if !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Errorf("Expected handler to see count 1, got %s", rec.Body.String())
	}
}

func TestMiddleware_GuestLimitReached(t *testing.T) {
	controller, _ := setupTestController(t)
	handler := Middleware(Config{Controller: controller})(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, guestRequest("fp-cap", "203.0.113.2"))
		if rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected status 200, got %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, guestRequest("fp-cap", "203.0.113.2"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rec.Code)
	}
	if detail := decodeDetail(t, rec); detail != "GUEST_LIMIT_REACHED" {
		t.Errorf("Expected GUEST_LIMIT_REACHED, got %q", detail)
	}
	if rec.Header().Get(PromptCountHeader) != "" {
		t.Error("Denied response must not carry a prompt count")
	}
}

func TestMiddleware_BlockedIP(t *testing.T) {
	controller, _ := setupTestController(t)
	if err := controller.BlockIP(context.Background(), "203.0.113.66"); err != nil {
		t.Fatalf("Failed to block ip: %v", err)
	}
	handler := Middleware(Config{Controller: controller})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, guestRequest("fp-blocked", "203.0.113.66"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rec.Code)
	}
	if detail := decodeDetail(t, rec); detail != "IP_BLOCKED" {
		t.Errorf("Expected IP_BLOCKED, got %q", detail)
	}
}

func TestMiddleware_AuthenticatedFromContext(t *testing.T) {
	controller, storage := setupTestController(t)
	ctx := context.Background()
	if err := storage.UpsertGuestRecord(ctx, &promptgate.GuestRecord{Fingerprint: "fp-user", PromptCount: 4}); err != nil {
		t.Fatalf("Failed to seed guest record: %v", err)
	}

	auth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), "user-1")))
		})
	}
	handler := auth(Middleware(Config{Controller: controller})(okHandler()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, guestRequest("fp-user", "203.0.113.3"))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(PromptCountHeader); got != "5" {
		t.Errorf("Expected inherited count to reach 5, got %q", got)
	}
}

func TestMiddleware_ForwardedForIgnoredByDefault(t *testing.T) {
	controller, storage := setupTestController(t)
	handler := Middleware(Config{Controller: controller})(okHandler())

	allowed := 0
	for i := 0; i < 25; i++ {
		req := guestRequest(fmt.Sprintf("fp-rotate-%d", i), "203.0.113.7")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.9.%d.1", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("10.8.%d.1", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code == http.StatusOK {
			allowed++
			continue
		}
		if detail := decodeDetail(t, rec); detail != "IP_LIMIT_REACHED" {
			t.Fatalf("Request %d: expected IP_LIMIT_REACHED, got %q", i, detail)
		}
	}

	if allowed != 10 {
		t.Errorf("Expected 10 guest requests from one peer, got %d", allowed)
	}
	rec, err := storage.GetIPRecord(context.Background(), "10.9.0.1")
	if err != nil || rec != nil {
		t.Errorf("Expected no record for spoofed hop, got %+v, %v", rec, err)
	}
}

func TestMiddleware_TrustedClientIP(t *testing.T) {
	proxies, err := promptgate.ParseTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("ParseTrustedProxies failed: %v", err)
	}
	controller, storage := setupTestController(t)
	handler := Middleware(Config{
		Controller:  controller,
		GetClientIP: TrustedClientIP(proxies),
	})(okHandler())

	// Behind the proxy the rightmost untrusted hop is charged
	req := guestRequest("fp-proxied", "10.0.0.1")
	req.Header.Set("X-Forwarded-For", "6.6.6.6, 198.51.100.20")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	// A direct client cannot pick its own address
	req = guestRequest("fp-direct", "203.0.113.8")
	req.Header.Set("X-Forwarded-For", "198.51.100.21")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	for ip, want := range map[string]bool{
		"198.51.100.20": true,
		"6.6.6.6":       false,
		"203.0.113.8":   true,
		"198.51.100.21": false,
	} {
		got, err := storage.GetIPRecord(context.Background(), ip)
		if err != nil {
			t.Fatalf("GetIPRecord failed: %v", err)
		}
		if (got != nil) != want {
			t.Errorf("IP %s: expected record=%v, got %+v", ip, want, got)
		}
	}
}

func TestMiddleware_CustomExtractors(t *testing.T) {
	controller, storage := setupTestController(t)
	handler := Middleware(Config{
		Controller:     controller,
		GetFingerprint: FromHeader("X-Device"),
		GetClientIP:    FromHeader("X-Test-IP"),
		GetUserID:      FromHeader("X-User-ID"),
	})(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/chat", http.NoBody)
	req.Header.Set("X-Device", "fp-custom")
	req.Header.Set("X-Test-IP", "192.0.2.44")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	ip, err := storage.GetIPRecord(context.Background(), "192.0.2.44")
	if err != nil || ip == nil {
		t.Fatalf("Expected ip record for custom extractor, got %v, %v", ip, err)
	}
}

func TestMiddleware_MissingFingerprint(t *testing.T) {
	controller, _ := setupTestController(t)
	handler := Middleware(Config{Controller: controller})(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/chat", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if detail := decodeDetail(t, rec); detail != "INVALID_REQUEST" {
		t.Errorf("Expected INVALID_REQUEST, got %q", detail)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	controller, err := promptgate.NewController(&errorStorage{memory.New()}, promptgate.Config{})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	handler := Middleware(Config{Controller: controller})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, guestRequest("fp-err", "203.0.113.4"))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rec.Code)
	}
	if detail := decodeDetail(t, rec); detail != promptgate.CodeStoreUnavailable {
		t.Errorf("Expected %s, got %q", promptgate.CodeStoreUnavailable, detail)
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	controller, _ := setupTestController(t)
	if err := controller.BlockIP(context.Background(), "203.0.113.9"); err != nil {
		t.Fatalf("Failed to block ip: %v", err)
	}

	var denied *promptgate.Denial
	handler := Middleware(Config{
		Controller: controller,
		OnDenied: func(w http.ResponseWriter, _ *http.Request, d *promptgate.Denial) {
			denied = d
			w.WriteHeader(http.StatusTooManyRequests)
		},
	})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, guestRequest("fp-custom-deny", "203.0.113.9"))

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected custom status 429, got %d", rec.Code)
	}
	if denied == nil || denied.Code != promptgate.CodeIPBlocked {
		t.Errorf("Expected OnDenied with IP_BLOCKED, got %v", denied)
	}
}

func TestMiddleware_HandlerFunc(t *testing.T) {
	controller, _ := setupTestController(t)
	mw := HandlerFunc(Config{Controller: controller})
	handler := mw(okHandler().ServeHTTP)

	rec := httptest.NewRecorder()
	handler(rec, guestRequest("fp-func", "203.0.113.5"))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
}

func TestMiddleware_ConcurrentGuestRequests(t *testing.T) {
	controller, _ := setupTestController(t)
	handler := Middleware(Config{Controller: controller})(okHandler())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, guestRequest("fp-race", "203.0.113.6"))
			if rec.Code == http.StatusOK {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 5 {
		t.Errorf("Expected exactly 5 admitted requests, got %d", allowed)
	}
}

func TestMiddleware_MissingController(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing Controller")
		}
	}()
	Middleware(Config{})
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{promptgate.ErrGuestLimitReached, http.StatusForbidden},
		{promptgate.ErrInvalidRequest, http.StatusBadRequest},
		{&promptgate.StoreError{Op: "get_ip_record", Err: errors.New("boom")}, http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusForError(tt.err); got != tt.want {
			t.Errorf("StatusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
