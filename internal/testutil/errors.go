// Package testutil provides fakes and helpers shared by chunkflow tests.
//
// It should only be imported by test files (*_test.go).
package testutil

import "errors"

// Mock errors for testing purposes.
var (
	// ErrMockRateLimit classifies as a rate-limit error.
	ErrMockRateLimit = errors.New("API error 429: rate limit exceeded")

	// ErrMockBackend simulates an execution or review backend crash.
	ErrMockBackend = errors.New("backend crashed")

	// ErrMockGHFailed indicates a mock gh command failed.
	ErrMockGHFailed = errors.New("gh command failed")

	// ErrMockStoreUnavailable indicates a mock store is unavailable.
	ErrMockStoreUnavailable = errors.New("store unavailable")
)
