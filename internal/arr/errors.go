// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNotFound means the item or queue record vanished between calls.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized means the api key was rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// UpstreamError wraps any failed call to an arr instance.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel that corresponds to the status code.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// IsTransient reports failures worth retrying later: network errors, timeouts,
// 408, 429 and 5xx. Context cancellation is not transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		if upstream.StatusCode == 0 {
			return true
		}
		return upstream.StatusCode == http.StatusRequestTimeout ||
			upstream.StatusCode == http.StatusTooManyRequests ||
			upstream.StatusCode >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsPermanent reports an instance rejecting a request outright (4xx).
func IsPermanent(err error) bool {
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		return false
	}
	return upstream.StatusCode >= 400 && upstream.StatusCode < 500 && !IsTransient(err)
}
