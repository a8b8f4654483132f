// Package retry implements the error classification and backoff policy
// applied to review backend calls. It is the only automatic retry in
// chunkflow: build, validation and execution failures are never retried.
package retry

import (
	"context"
	"errors"
	"net/http"
	"strings"

	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// ErrorKind classifies a review backend failure.
type ErrorKind string

// Error kinds produced by Classify.
const (
	KindNone       ErrorKind = ""
	KindRateLimit  ErrorKind = "rate_limit"
	KindTimeout    ErrorKind = "timeout"
	KindParseError ErrorKind = "parse_error"
	KindUnknown    ErrorKind = "unknown"
)

// String returns the string representation of the ErrorKind.
func (k ErrorKind) String() string {
	return string(k)
}

// statusCoder is implemented by errors that carry an HTTP-like status code.
type statusCoder interface {
	StatusCode() int
}

// Classify maps an arbitrary error to an ErrorKind by inspecting status codes,
// sentinel errors and, failing those, case-insensitive message substrings.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case http.StatusTooManyRequests:
			return KindRateLimit
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return KindTimeout
		}
	}

	switch {
	case errors.Is(err, cferrors.ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, cferrors.ErrVerdictParse):
		return KindParseError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return KindRateLimit
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "etimedout"):
		return KindTimeout
	case strings.Contains(msg, "parse"), strings.Contains(msg, "json"), strings.Contains(msg, "syntax error"):
		return KindParseError
	}
	return KindUnknown
}
