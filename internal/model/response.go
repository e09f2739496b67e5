package model

import "time"

// ResponseMeta is attached to every API response for request correlation.
type ResponseMeta struct {
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// ErrorDetail names the machine-readable error code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// Error codes, named after the taxonomy kinds rather than HTTP status.
const (
	ErrCodeValidation     = "validation_error"
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeForbidden      = "forbidden"
	ErrCodeNotFound       = "not_found"
	ErrCodeConflict       = "conflict"
	ErrCodeInternalError  = "internal_error"
	ErrCodeRateLimited    = "rate_limited"
)

// OperatorRole is the access level an operator JWT carries for read-only
// debugging access to the private plane, per the transport boundary's
// optional operator-auth note.
type OperatorRole string

const (
	RoleOperatorAdmin  OperatorRole = "admin"
	RoleOperatorReader OperatorRole = "reader"
)

// RoleAtLeast reports whether role satisfies a minimum of min in the
// admin > reader hierarchy.
func RoleAtLeast(role, min OperatorRole) bool {
	rank := map[OperatorRole]int{RoleOperatorReader: 1, RoleOperatorAdmin: 2}
	return rank[role] >= rank[min]
}
