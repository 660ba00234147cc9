// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package faults defines the error taxonomy shared across the conversation
// engine. Every error surfaced to a caller is one of these types; the
// message carried by each is safe to show to an end user.
package faults

import "errors"

// =============================================================================
// ERROR TYPES
// =============================================================================

// ValidationError reports rejected user input: blank or oversized messages,
// exhausted budgets, or moderation rejections. Never retried, never logged
// as an error.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError reports a missing conversation, actor or anchor.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return e.Resource + " not found: " + e.ID
}

// PermissionError reports an actor acting on a resource it does not own.
type PermissionError struct {
	Message string
}

func (e *PermissionError) Error() string { return e.Message }

// UpstreamError reports a generation backend failure: unreachable, timed
// out, malformed, or empty after cleanup. Message is sanitized for end
// users; Cause keeps the diagnostic detail for logs.
type UpstreamError struct {
	Message string
	Cause   error
}

func (e *UpstreamError) Error() string { return e.Message }

func (e *UpstreamError) Unwrap() error { return e.Cause }

// ConflictError reports a concurrent modification detected during a turn.
// Handled internally by the orchestrator retry loop.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// =============================================================================
// PREDICATES
// =============================================================================

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

// IsPermission reports whether err is a PermissionError.
func IsPermission(err error) bool {
	var v *PermissionError
	return errors.As(err, &v)
}

// IsUpstream reports whether err is an UpstreamError.
func IsUpstream(err error) bool {
	var v *UpstreamError
	return errors.As(err, &v)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var v *ConflictError
	return errors.As(err, &v)
}
