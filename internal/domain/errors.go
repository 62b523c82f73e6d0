// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the entity is not in a state that permits the operation.
var ErrConflict = errors.New("conflict: resource state does not permit this operation")

// ErrValidation indicates malformed or missing input.
var ErrValidation = errors.New("validation failed")

// ErrUpstream indicates a failure in an external provider (git host, cluster API,
// cloud sandbox). Handlers map it to 502 and log the provider response.
var ErrUpstream = errors.New("upstream provider error")
