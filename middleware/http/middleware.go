// Package http provides net/http middleware for prompt admission
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/mihaimyh/promptgate/pkg/promptgate"
)

// StringExtractor extracts a request attribute such as the fingerprint or the user id.
// Return empty string when the attribute is absent.
type StringExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Controller is the admission controller instance (required)
	Controller *promptgate.Controller

	// GetFingerprint extracts the device fingerprint
	// Default: FromHeader("X-Fingerprint")
	GetFingerprint StringExtractor

	// GetClientIP extracts the source IP
	// Default: ClientIP (peer address; see TrustedClientIP for proxies)
	GetClientIP StringExtractor

	// GetUserID extracts the verified user id; empty means guest
	// Default: FromContext(UserIDKey)
	GetUserID StringExtractor

	// OnDenied is called when the request is refused by a quota policy
	// If nil, returns 403 with {"detail": "<CODE>"}
	OnDenied func(w http.ResponseWriter, r *http.Request, denial *promptgate.Denial)

	// OnError is called when the decision could not be made
	// If nil, returns 400 for invalid requests and 503 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that admits or denies each request
// before it reaches next. Allowed requests carry their prompt count in the
// request context and in the X-Prompt-Count response header.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Controller == nil {
		panic("promptgate/http: Config.Controller is required")
	}

	// Set defaults
	if config.GetFingerprint == nil {
		config.GetFingerprint = FromHeader(FingerprintHeader)
	}
	if config.GetClientIP == nil {
		config.GetClientIP = ClientIP
	}
	if config.GetUserID == nil {
		config.GetUserID = FromContext(UserIDKey)
	}
	if config.OnDenied == nil {
		config.OnDenied = defaultDenied
	}
	if config.OnError == nil {
		config.OnError = defaultError
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := promptgate.Request{
				Fingerprint: config.GetFingerprint(r),
				IP:          config.GetClientIP(r),
				UserID:      config.GetUserID(r),
			}

			count, err := config.Controller.Decide(r.Context(), req)
			if err != nil {
				if denial, ok := promptgate.AsDenial(err); ok {
					config.OnDenied(w, r, denial)
					return
				}
				config.OnError(w, r, err)
				return
			}

			w.Header().Set(PromptCountHeader, strconv.Itoa(count))
			next.ServeHTTP(w, r.WithContext(WithPromptCount(r.Context(), count)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that admits or denies requests (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

const (
	// FingerprintHeader carries the client device fingerprint
	FingerprintHeader = "X-Fingerprint"

	// PromptCountHeader is set on allowed responses to the identity's new prompt count
	PromptCountHeader = "X-Prompt-Count"
)

// ErrorResponse is the JSON body written for refused requests
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// WriteError writes {"detail": detail} with the given status code
func WriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Detail: detail})
}

// StatusForError maps a controller error to an HTTP status code
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, promptgate.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, promptgate.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	if _, ok := promptgate.AsDenial(err); ok {
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func defaultDenied(w http.ResponseWriter, _ *http.Request, denial *promptgate.Denial) {
	WriteError(w, http.StatusForbidden, string(denial.Code))
}

func defaultError(w http.ResponseWriter, _ *http.Request, err error) {
	if errors.Is(err, promptgate.ErrInvalidRequest) {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST")
		return
	}
	WriteError(w, http.StatusServiceUnavailable, promptgate.CodeStoreUnavailable)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for the verified user id
	UserIDKey ContextKey = "promptgate:userID"

	// PromptCountKey is the context key for the admitted prompt count
	PromptCountKey ContextKey = "promptgate:promptCount"
)

// FromContext returns a StringExtractor that reads a string from the request context
func FromContext(key ContextKey) StringExtractor {
	return func(r *http.Request) string {
		if v, ok := r.Context().Value(key).(string); ok {
			return v
		}
		return ""
	}
}

// FromHeader returns a StringExtractor that reads a request header
func FromHeader(headerName string) StringExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// ClientIP returns the peer address. Proxy headers are ignored; use
// TrustedClientIP when the service runs behind a reverse proxy.
func ClientIP(r *http.Request) string {
	return promptgate.PeerIP(r.RemoteAddr)
}

// TrustedClientIP returns a StringExtractor that reads X-Forwarded-For and
// X-Real-IP only when the peer is one of proxies
func TrustedClientIP(proxies *promptgate.TrustedProxies) StringExtractor {
	return func(r *http.Request) string {
		return proxies.ClientIP(r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"), r.RemoteAddr)
	}
}

// WithUserID adds a verified user id to the request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithPromptCount adds the admitted prompt count to the request context
func WithPromptCount(ctx context.Context, count int) context.Context {
	return context.WithValue(ctx, PromptCountKey, count)
}

// PromptCountFromContext returns the prompt count set by Middleware
func PromptCountFromContext(ctx context.Context) (int, bool) {
	count, ok := ctx.Value(PromptCountKey).(int)
	return count, ok
}
