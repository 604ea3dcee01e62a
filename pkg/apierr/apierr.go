// Package apierr provides structured API error types and HTTP status mapping
// for gateway-originated failures. Upstream vendor error bodies are passed
// through elsewhere largely as-is; everything written here uses the gateway's
// own JSON envelope so clients can tell the two apart.
package apierr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeWalletError       = "wallet_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeWalletExhausted   = "wallet_exhausted"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 for unknown, deleted, or malformed API keys.
// The request must never reach an upstream provider after this is called.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, message string) {
	if message == "" {
		message = "invalid API key"
	}
	Write(ctx, fasthttp.StatusUnauthorized, message, TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteWalletExhausted writes a 402 when the organization's prepaid balance
// is known to be empty.
func WriteWalletExhausted(ctx *fasthttp.RequestCtx, orgID string) {
	Write(ctx, fasthttp.StatusPaymentRequired,
		fmt.Sprintf("organization %s has exhausted its prepaid balance", orgID),
		TypeWalletError, CodeWalletExhausted)
}

// RateLimitInfo carries the values emitted as rate-limit response headers.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	Policy    string
	Reset     time.Duration
}

// WriteRateLimit writes a 429 with the standard rate-limit headers and a
// human-readable body of the form {"message": "..."}.
func WriteRateLimit(ctx *fasthttp.RequestCtx, info RateLimitInfo) {
	h := &ctx.Response.Header
	h.Set("Helicone-RateLimit-Limit", strconv.Itoa(info.Limit))
	h.Set("Helicone-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	if info.Policy != "" {
		h.Set("Helicone-RateLimit-Policy", info.Policy)
	}
	resetSecs := int(info.Reset.Seconds())
	if resetSecs < 1 {
		resetSecs = 1
	}
	h.Set("Helicone-RateLimit-Reset", strconv.Itoa(resetSecs))
	h.Set("Retry-After", strconv.Itoa(resetSecs))

	ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(map[string]string{
		"message": fmt.Sprintf(
			"rate limit exceeded: at most %d requests per window allowed by policy, retry in %ds",
			info.Limit, resetSecs),
	})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 4xx  → passed through
//	Provider 5xx  → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 400 && providerStatus < 500:
		Write(ctx, providerStatus, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}
