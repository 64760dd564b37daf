// Package errmsg provides enhanced error message formatting with actionable suggestions.
package errmsg

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/limba-pkg/limba/internal/installer"
)

// ErrorContext provides additional context for error formatting.
type ErrorContext struct {
	PackageID string // the package being operated on, for suggestions
}

// suggester is implemented by any structured error type that can propose
// its own remediation, e.g. installer.Error or cache.Error.
type suggester interface {
	error
	Suggestion() string
}

// Format returns a formatted error message with possible causes and suggestions.
// The context parameter is optional - pass nil for generic formatting.
func Format(err error, ctx *ErrorContext) string {
	if err == nil {
		return ""
	}

	errMsg := err.Error()

	// Structured installer errors carry their own suggestion.
	var instErr *installer.Error
	if errors.As(err, &instErr) {
		return formatInstallerError(instErr, ctx)
	}

	// Any other component's structured error (e.g. cache.Error) that
	// implements Suggestion().
	var s suggester
	if errors.As(err, &s) {
		return formatSuggester(s, ctx)
	}

	// Check for rate limit errors (string matching for unstructured errors)
	if isRateLimitError(errMsg) {
		return formatRateLimitError(errMsg, ctx)
	}

	// Check for network errors
	var netErr net.Error
	if errors.As(err, &netErr) {
		return formatNetworkError(netErr, ctx)
	}

	// Check for connection-related errors by message
	if isNetworkError(errMsg) {
		return formatGenericNetworkError(errMsg, ctx)
	}

	// Check for "not found" errors
	if isNotFoundError(errMsg) {
		return formatNotFoundError(errMsg, ctx)
	}

	// Check for permission errors
	if isPermissionError(errMsg) {
		return formatPermissionError(errMsg, ctx)
	}

	// Return original error for unrecognized types
	return errMsg
}

func formatInstallerError(err *installer.Error, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(err.Error())
	sb.WriteString("\n")

	switch err.Kind {
	case installer.ErrDependencyNotFound:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - No installed, cached, or embedded package satisfies the requirement\n")
		sb.WriteString("  - The repository index is stale\n")

		sb.WriteString("\nSuggestions:\n")
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Suggestion()))
		if ctx != nil && ctx.PackageID != "" {
			sb.WriteString(fmt.Sprintf("  - Run 'limba install %s --extra <path-to-dependency.lpk>' to supply it directly\n", ctx.PackageID))
		}

	case installer.ErrDependencyBroken:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - The installed copy was modified after installation\n")
		sb.WriteString("  - The repository rotated its signing key\n")

		sb.WriteString("\nSuggestions:\n")
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Suggestion()))

	case installer.ErrInternal:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - An invariant the installer relies on did not hold\n")

		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Report this as a bug, it should not happen in normal use\n")

	default:
		sb.WriteString("\nSuggestions:\n")
		if s := err.Suggestion(); s != "" {
			sb.WriteString(fmt.Sprintf("  - %s\n", s))
		} else {
			sb.WriteString("  - Try the operation again\n")
		}
	}

	return sb.String()
}

func formatSuggester(err suggester, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(err.Error())
	sb.WriteString("\n")

	if s := err.Suggestion(); s != "" {
		sb.WriteString("\nSuggestions:\n")
		sb.WriteString(fmt.Sprintf("  - %s\n", s))
	}

	return sb.String()
}

func formatRateLimitError(errMsg string, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(errMsg)
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString("  - Too many requests to the repository server\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Wait a few minutes before retrying\n")

	return sb.String()
}

func formatNetworkError(err net.Error, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(err.Error())
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	if err.Timeout() {
		sb.WriteString("  - Request timed out\n")
		sb.WriteString("  - Slow or unstable network connection\n")
	} else {
		sb.WriteString("  - Network connectivity issue\n")
		sb.WriteString("  - DNS resolution failure\n")
	}
	sb.WriteString("  - Firewall or proxy blocking the connection\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Check your internet connection\n")
	sb.WriteString("  - Try again in a few minutes\n")
	if err.Timeout() {
		sb.WriteString("  - Check if you're behind a slow proxy\n")
	}

	return sb.String()
}

func formatGenericNetworkError(errMsg string, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(errMsg)
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString("  - Network connectivity issue\n")
	sb.WriteString("  - DNS resolution failure\n")
	sb.WriteString("  - Repository server temporarily unavailable\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Check your internet connection\n")
	sb.WriteString("  - Try again in a few minutes\n")

	return sb.String()
}

func formatNotFoundError(errMsg string, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(errMsg)
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString("  - The package does not exist in any configured repository\n")
	sb.WriteString("  - Typo in the package id\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Check the spelling of the package id\n")
	sb.WriteString("  - Run 'limba list --available' to see known packages\n")

	return sb.String()
}

func formatPermissionError(errMsg string, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(errMsg)
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString("  - Insufficient permissions on the software root or cache directory\n")
	sb.WriteString("  - Installing without going through the privileged daemon\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Check permissions on /opt/software and /var/cache/limba\n")
	sb.WriteString("  - Run the command as a user authorized by limbad\n")

	return sb.String()
}

// isRateLimitError checks if the error message indicates a rate limit
func isRateLimitError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate-limit") ||
		strings.Contains(lower, "too many requests")
}

// isNetworkError checks if the error message indicates a network issue
func isNetworkError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "network is unreachable") ||
		strings.Contains(lower, "dial tcp") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "i/o timeout")
}

// isNotFoundError checks if the error message indicates something not found
func isNotFoundError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not found") ||
		strings.Contains(lower, "404") ||
		strings.Contains(lower, "does not exist")
}

// isPermissionError checks if the error message indicates a permission issue
func isPermissionError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "operation not permitted")
}
