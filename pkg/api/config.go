package api

import (
	"fmt"
	"net/http"

	pghttp "github.com/mihaimyh/promptgate/middleware/http"
	"github.com/mihaimyh/promptgate/pkg/promptgate"
)

// Config holds configuration for the Usage API handler
type Config struct {
	// Controller is the admission controller instance (required)
	Controller *promptgate.Controller

	// GetFingerprint extracts the device fingerprint
	// Default: the X-Fingerprint header, same as middleware/http
	GetFingerprint func(*http.Request) string

	// GetClientIP extracts the source IP
	// Default: middleware/http.ClientIP (peer address)
	GetClientIP func(*http.Request) string

	// GetUserID extracts the verified user id; empty means guest
	// Default: the user id stored by middleware/http.WithUserID
	GetUserID func(*http.Request) string

	// AdminToken guards BlockIP. Requests must send "Authorization: Bearer <AdminToken>".
	// If empty, BlockIP always answers 403.
	AdminToken string

	// OnError handles errors (validation, store, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger records admin actions (default: NoopLogger)
	Logger promptgate.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Controller == nil {
		return fmt.Errorf("controller is required")
	}
	return nil
}

// NewHandler creates a new Usage API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetFingerprint == nil {
		config.GetFingerprint = pghttp.FromHeader(pghttp.FingerprintHeader)
	}
	if config.GetClientIP == nil {
		config.GetClientIP = pghttp.ClientIP
	}
	if config.GetUserID == nil {
		config.GetUserID = pghttp.FromContext(pghttp.UserIDKey)
	}
	if config.Logger == nil {
		config.Logger = &promptgate.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}
