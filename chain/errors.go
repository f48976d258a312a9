// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class partitions adaptor failures into the two policies callers care
// about: back off and try again, or give up and record the reason.
type Class int

const (
	// ClassRetryable covers transient RPC conditions: timeouts, resets,
	// provider overload, nonce races. Retrying the same call may succeed.
	ClassRetryable Class = iota

	// ClassTerminal covers deterministic failures: malformed requests,
	// reverts, chain mismatches. Retrying cannot help.
	ClassTerminal
)

func (c Class) String() string {
	if c == ClassRetryable {
		return "retryable"
	}
	return "terminal"
}

// Error wraps an underlying failure with its retry class. The adaptor
// classifies but never retries; that policy belongs to the caller.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s rpc error: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewRetryable marks err as transient.
func NewRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassRetryable, Err: err}
}

// NewTerminal marks err as deterministic.
func NewTerminal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassTerminal, Err: err}
}

// Fragments of provider error strings with a known terminal cause. Geth,
// Erigon and the hosted providers do not agree on error codes, so string
// matching is the only portable classifier.
var terminalFragments = []string{
	"execution reverted",
	"invalid argument",
	"invalid opcode",
	"insufficient funds",
	"gas required exceeds allowance",
	"exceeds block gas limit",
	"invalid sender",
	"invalid chain id",
	"transaction underpriced", // plain underpriced without "replacement" is a fee floor, not a race
	"method not found",
	"abi:",
}

var retryableFragments = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"service unavailable",
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
	"request entity too large",
	"busy",
	"try again",
}

// Classify assigns a retry class to a raw provider error. Errors that are
// already classified pass through unchanged; context cancellation is kept
// bare so shutdown is never misread as a chain failure. Unknown errors
// default to retryable: a flaky provider is far more common than a novel
// deterministic failure, and the retry budget is bounded anyway.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return NewRetryable(err)
		}
	}
	for _, frag := range terminalFragments {
		if strings.Contains(msg, frag) {
			return NewTerminal(err)
		}
	}
	return NewRetryable(err)
}

// IsRetryable reports whether err should be retried. Cancellation is not
// retryable: the caller is going away.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class == ClassRetryable
	}
	// Unclassified store/network errors follow the same default as Classify.
	return true
}

// IsTerminal reports whether err is a deterministic failure.
func IsTerminal(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Class == ClassTerminal
}
