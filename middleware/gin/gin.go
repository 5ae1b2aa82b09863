// Package gin provides Gin middleware for prompt admission
package gin

import (
	"errors"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/promptgate/pkg/promptgate"
)

// StringExtractor extracts a request attribute from a Gin context.
// Return empty string when the attribute is absent.
type StringExtractor func(c *gongin.Context) string

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
	OnDenied func(c *gongin.Context, denial *promptgate.Denial)

	// OnError is called when the decision could not be made
	// If nil, returns 400 for invalid requests and 503 otherwise
	OnError func(c *gongin.Context, err error)
}

const (
	// FingerprintHeader carries the client device fingerprint
	FingerprintHeader = "X-Fingerprint"

	// PromptCountHeader is set on allowed responses to the identity's new prompt count
	PromptCountHeader = "X-Prompt-Count"

	// UserIDKey is the gin context key read by the default user id extractor
	UserIDKey = "promptgate.userID"

	// PromptCountKey is the gin context key the admitted prompt count is stored under
	PromptCountKey = "promptgate.promptCount"
)

// Middleware creates a Gin middleware that admits or denies each request
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Controller == nil {
		panic("promptgate/gin: Config.Controller is required")
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

	return func(c *gongin.Context) {
		req := promptgate.Request{
			Fingerprint: cfg.GetFingerprint(c),
			IP:          cfg.GetClientIP(c),
			UserID:      cfg.GetUserID(c),
		}

		count, err := cfg.Controller.Decide(c.Request.Context(), req)
		if err != nil {
			if denial, ok := promptgate.AsDenial(err); ok {
				if cfg.OnDenied != nil {
					cfg.OnDenied(c, denial)
				} else {
					defaultDenied(c, denial)
				}
				c.Abort()
				return
			}

			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		c.Set(PromptCountKey, count)
		c.Header(PromptCountHeader, strconv.Itoa(count))
		c.Next()
	}
}

// PromptCount returns the prompt count set by Middleware
func PromptCount(c *gongin.Context) (int, bool) {
	v, exists := c.Get(PromptCountKey)
	if !exists {
		return 0, false
	}
	count, ok := v.(int)
	return count, ok
}

// Default error handlers

func defaultDenied(c *gongin.Context, denial *promptgate.Denial) {
	c.JSON(http.StatusForbidden, gongin.H{"detail": string(denial.Code)})
}

func defaultError(c *gongin.Context, err error) {
	if errors.Is(err, promptgate.ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, gongin.H{"detail": "INVALID_REQUEST"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gongin.H{"detail": promptgate.CodeStoreUnavailable})
}

// Convenience extractors

// FromContext returns a StringExtractor that reads a string from Gin context values.
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set(gin.UserIDKey, "...").
func FromContext(key string) StringExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a StringExtractor that reads a request header
func FromHeader(headerName string) StringExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromQuery returns a StringExtractor that reads a query parameter
func FromQuery(queryName string) StringExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// ClientIP returns the peer address. Proxy headers are ignored; use
// TrustedClientIP when the service runs behind a reverse proxy. Gin's own
// c.ClientIP depends on the engine's trusted proxy settings, so it is not used.
func ClientIP(c *gongin.Context) string {
	return promptgate.PeerIP(c.Request.RemoteAddr)
}

// TrustedClientIP returns a StringExtractor that reads X-Forwarded-For and
// X-Real-IP only when the peer is one of proxies
func TrustedClientIP(proxies *promptgate.TrustedProxies) StringExtractor {
	return func(c *gongin.Context) string {
		return proxies.ClientIP(c.GetHeader("X-Forwarded-For"), c.GetHeader("X-Real-IP"), c.Request.RemoteAddr)
	}
}
