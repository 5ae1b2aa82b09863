package api

// UsageResponse represents the prompt quota standing of the caller
type UsageResponse struct {
	Kind      string `json:"kind"`              // "guest" or "user"
	UserID    string `json:"user_id,omitempty"` // Empty for guests
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

// BlockIPRequest is the body of the admin block endpoint
type BlockIPRequest struct {
	IP string `json:"ip" validate:"required,ip"`
}

// BlockIPResponse confirms a block
type BlockIPResponse struct {
	IP      string `json:"ip"`
	Blocked bool   `json:"blocked"`
}

// ErrorResponse carries a machine-readable error code
type ErrorResponse struct {
	Detail string `json:"detail"`
}
