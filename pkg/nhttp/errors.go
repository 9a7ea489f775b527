// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nhttp

import (
	"errors"
	"fmt"
)

// ErrInvariant marks a programming or configuration defect. It is never
// produced by protocol input; malformed traffic is recorded as infractions.
var ErrInvariant = errors.New("internal invariant violation")

// InvariantError carries the operation that detected the defect.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvariant, e.Op, e.Detail)
}

// Unwrap lets errors.Is match ErrInvariant.
func (e *InvariantError) Unwrap() error {
	return ErrInvariant
}

func invariant(op, format string, args ...interface{}) error {
	return &InvariantError{Op: op, Detail: fmt.Sprintf(format, args...)}
}
