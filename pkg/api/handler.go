package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/promptgate/pkg/promptgate"
)

const (
	maxBodyBytes  = 1 << 10
	codeInvalid   = "INVALID_REQUEST"
	codeForbidden = "FORBIDDEN"
)

var validate = validator.New()

// Handler provides HTTP endpoints for quota inspection and moderation
type Handler struct {
	config Config
}

// GetUsage returns the caller's prompt usage as JSON without charging a prompt
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	req := promptgate.Request{
		Fingerprint: h.config.GetFingerprint(r),
		IP:          h.config.GetClientIP(r),
		UserID:      h.config.GetUserID(r),
	}

	usage, err := h.config.Controller.Usage(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	h.writeJSON(w, http.StatusOK, UsageResponse{
		Kind:      string(usage.Kind),
		UserID:    req.UserID,
		Used:      usage.Used,
		Limit:     usage.Limit,
		Remaining: usage.Remaining,
	})
}

// BlockIP marks the IP in the request body as blocked for guest traffic.
// The caller must present the configured admin token.
func (h *Handler) BlockIP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.handleError(w, r, errors.New(codeForbidden), http.StatusForbidden)
		return
	}

	var body BlockIPRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: %v", promptgate.ErrInvalidRequest, err), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(body); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: %v", promptgate.ErrInvalidRequest, err), http.StatusBadRequest)
		return
	}

	if err := h.config.Controller.BlockIP(r.Context(), body.IP); err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	h.config.Logger.Info("ip blocked via admin api", promptgate.Field{Key: "ip", Value: body.IP})
	h.writeJSON(w, http.StatusOK, BlockIPResponse{IP: body.IP, Blocked: true})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.config.AdminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.config.AdminToken)) == 1
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, promptgate.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, promptgate.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	// Default error handling exposes only the code
	detail := codeForbidden
	switch statusCode {
	case http.StatusBadRequest:
		detail = codeInvalid
	case http.StatusServiceUnavailable:
		detail = promptgate.CodeStoreUnavailable
	case http.StatusInternalServerError:
		detail = "INTERNAL_ERROR"
	}
	h.writeJSON(w, statusCode, ErrorResponse{Detail: detail})
}

// writeJSON writes v with status. The header is already sent when encoding
// fails, so the failure is only logged.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Warn("failed to write response",
			promptgate.Field{Key: "status", Value: status},
			promptgate.Field{Key: "error", Value: err.Error()},
		)
	}
}
