// Package echo provides Echo middleware for prompt admission
package echo

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/promptgate/pkg/promptgate"
)

// StringExtractor extracts a request attribute from an Echo context.
// Return empty string when the attribute is absent.
type StringExtractor func(c echo.Context) string

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
	OnDenied func(c echo.Context, denial *promptgate.Denial) error

	// OnError is called when the decision could not be made
	// If nil, returns 400 for invalid requests and 503 otherwise
	OnError func(c echo.Context, err error) error
}

const (
	// FingerprintHeader carries the client device fingerprint
	FingerprintHeader = "X-Fingerprint"

	// PromptCountHeader is set on allowed responses to the identity's new prompt count
	PromptCountHeader = "X-Prompt-Count"

	// UserIDKey is the echo context key read by the default user id extractor
	UserIDKey = "promptgate.userID"

	// PromptCountKey is the echo context key the admitted prompt count is stored under
	PromptCountKey = "promptgate.promptCount"
)

// Middleware creates an Echo middleware that admits or denies each request
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Controller == nil {
		panic("promptgate/echo: Config.Controller is required")
	}

	// Set defaults
	if cfg.GetFingerprint == nil {
		cfg.GetFingerprint = FromHeader(FingerprintHeader)
	}
	if cfg.GetClientIP == nil {
		cfg.GetClientIP = ClientIP
	}
	if cfg.GetUserID == nil {
		cfg.GetUserID = FromContext(UserIDKey)
	}
	if cfg.OnDenied == nil {
		cfg.OnDenied = defaultDenied
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := promptgate.Request{
				Fingerprint: cfg.GetFingerprint(c),
				IP:          cfg.GetClientIP(c),
				UserID:      cfg.GetUserID(c),
			}

			count, err := cfg.Controller.Decide(c.Request().Context(), req)
			if err != nil {
				if denial, ok := promptgate.AsDenial(err); ok {
					return cfg.OnDenied(c, denial)
				}
				return cfg.OnError(c, err)
			}

			c.Set(PromptCountKey, count)
			c.Response().Header().Set(PromptCountHeader, strconv.Itoa(count))
			return next(c)
		}
	}
}

// PromptCount returns the prompt count set by Middleware
func PromptCount(c echo.Context) (int, bool) {
	count, ok := c.Get(PromptCountKey).(int)
	return count, ok
}

// Default error handlers

func defaultDenied(c echo.Context, denial *promptgate.Denial) error {
	return c.JSON(http.StatusForbidden, map[string]string{"detail": string(denial.Code)})
}

func defaultError(c echo.Context, err error) error {
	if errors.Is(err, promptgate.ErrInvalidRequest) {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "INVALID_REQUEST"})
	}
	return c.JSON(http.StatusServiceUnavailable, map[string]string{"detail": promptgate.CodeStoreUnavailable})
}

// Convenience extractors

// FromContext returns a StringExtractor that reads a string from Echo context values.
// Auth middleware should call c.Set(echo.UserIDKey, userID) once the user is verified.
func FromContext(key string) StringExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a StringExtractor that reads a request header
func FromHeader(headerName string) StringExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromQuery returns a StringExtractor that reads a query parameter
func FromQuery(queryName string) StringExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}

// ClientIP returns the peer address. Proxy headers are ignored; use
// TrustedClientIP when the service runs behind a reverse proxy.
func ClientIP(c echo.Context) string {
	return promptgate.PeerIP(c.Request().RemoteAddr)
}

// TrustedClientIP returns a StringExtractor that reads X-Forwarded-For and
// X-Real-IP only when the peer is one of proxies
func TrustedClientIP(proxies *promptgate.TrustedProxies) StringExtractor {
	return func(c echo.Context) string {
		r := c.Request()
		return proxies.ClientIP(r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"), r.RemoteAddr)
	}
}
