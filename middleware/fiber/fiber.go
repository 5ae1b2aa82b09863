// Package fiber provides Fiber middleware for prompt admission
package fiber

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/promptgate/pkg/promptgate"
)

// StringExtractor extracts a request attribute from a Fiber context.
// Return empty string when the attribute is absent.
type StringExtractor func(c *fiber.Ctx) string

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
	OnDenied func(c *fiber.Ctx, denial *promptgate.Denial) error

	// OnError is called when the decision could not be made
	// If nil, returns 400 for invalid requests and 503 otherwise
	OnError func(c *fiber.Ctx, err error) error
}

const (
	// FingerprintHeader carries the client device fingerprint
	FingerprintHeader = "X-Fingerprint"

	// PromptCountHeader is set on allowed responses to the identity's new prompt count
	PromptCountHeader = "X-Prompt-Count"

	// UserIDKey is the Locals key read by the default user id extractor
	UserIDKey = "promptgate.userID"

	// PromptCountKey is the Locals key the admitted prompt count is stored under
	PromptCountKey = "promptgate.promptCount"
)

// Middleware creates a Fiber middleware that admits or denies each request
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Controller == nil {
		panic("promptgate/fiber: Config.Controller is required")
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

	return func(c *fiber.Ctx) error {
		req := promptgate.Request{
			Fingerprint: cfg.GetFingerprint(c),
			IP:          cfg.GetClientIP(c),
			UserID:      cfg.GetUserID(c),
		}

		count, err := cfg.Controller.Decide(c.UserContext(), req)
		if err != nil {
			if denial, ok := promptgate.AsDenial(err); ok {
				return cfg.OnDenied(c, denial)
			}
			return cfg.OnError(c, err)
		}

		c.Locals(PromptCountKey, count)
		c.Set(PromptCountHeader, strconv.Itoa(count))
		return c.Next()
	}
}

// PromptCount returns the prompt count set by Middleware
func PromptCount(c *fiber.Ctx) (int, bool) {
	count, ok := c.Locals(PromptCountKey).(int)
	return count, ok
}

// Default error handlers

func defaultDenied(c *fiber.Ctx, denial *promptgate.Denial) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"detail": string(denial.Code)})
}

func defaultError(c *fiber.Ctx, err error) error {
	if errors.Is(err, promptgate.ErrInvalidRequest) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "INVALID_REQUEST"})
	}
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"detail": promptgate.CodeStoreUnavailable})
}

// Convenience extractors

// FromContext returns a StringExtractor that reads a string from Fiber Locals.
// Auth middleware should call c.Locals(fiber.UserIDKey, userID) once the user is verified.
func FromContext(key string) StringExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a StringExtractor that reads a request header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) StringExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromQuery returns a StringExtractor that reads a query parameter
func FromQuery(queryName string) StringExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}

// ClientIP returns the peer address. Proxy headers are ignored; use
// TrustedClientIP when the service runs behind a reverse proxy. c.IP() is not
// used because it follows the app's ProxyHeader setting.
func ClientIP(c *fiber.Ctx) string {
	return c.Context().RemoteIP().String()
}

// TrustedClientIP returns a StringExtractor that reads X-Forwarded-For and
// X-Real-IP only when the peer is one of proxies
func TrustedClientIP(proxies *promptgate.TrustedProxies) StringExtractor {
	return func(c *fiber.Ctx) string {
		return proxies.ClientIP(c.Get(fiber.HeaderXForwardedFor), c.Get("X-Real-IP"), ClientIP(c))
	}
}
