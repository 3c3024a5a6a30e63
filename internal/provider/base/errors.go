// Package base holds helpers shared by the broker provider adapters.
package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	apperrors "brokerd/pkg/errors"
)

// ConnectivityErrorTokens mark transport-level failures in broker error text.
var ConnectivityErrorTokens = []string{"not connected", "disconnect", "connection", "socket", "transport"}

// FallbackSuggestion returns the generic remediation line for an error code.
func FallbackSuggestion(code apperrors.Code) string {
	switch code {
	case apperrors.CodeIBDisconnected:
		return "Ensure IB Gateway/TWS is running and credentials/session are valid."
	case apperrors.CodeInvalidSymbol:
		return "Confirm the symbol is tradeable in your IB account and market."
	case apperrors.CodeTimeout:
		return "Retry and consider increasing timeout settings if the gateway is slow."
	case apperrors.CodeIBRejected:
		return "Review order parameters and account permissions, then retry."
	}
	return ""
}

// IsTimeout reports whether the error is a context deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// MapError converts a raw adapter failure into a typed broker error. Typed
// errors pass through untouched. Anything else is classified by substring,
// which is how gateway transports surface their failures.
func MapError(operation string, err error, defaultCode apperrors.Code, suggestion string) *apperrors.Error {
	if typed, ok := apperrors.As(err); ok {
		return typed
	}

	code := defaultCode
	text := strings.ToLower(err.Error())
	switch {
	case IsTimeout(err):
		code = apperrors.CodeTimeout
	case containsAny(text, ConnectivityErrorTokens):
		code = apperrors.CodeIBDisconnected
	case defaultCode == apperrors.CodeInvalidSymbol && containsAny(text, []string{"symbol", "contract"}):
		code = apperrors.CodeInvalidSymbol
	}

	if suggestion == "" {
		suggestion = FallbackSuggestion(code)
	}
	return apperrors.New(code, fmt.Sprintf("%s failed: %v", operation, err),
		apperrors.WithDetails(map[string]any{
			"operation": operation,
			"error":     err.Error(),
		}),
		apperrors.WithSuggestion(suggestion),
	)
}

func containsAny(text string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(text, token) {
			return true
		}
	}
	return false
}
