// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nhttp

// Field is a non-owning view over a byte range. A Field never outlives the
// buffer it views: sections hand them out, and they stay valid until the
// owning section is closed.
type Field struct {
	data    []byte
	present bool
}

// FieldAbsent is the explicit "not available" value. It is distinct from a
// present, zero-length Field.
var FieldAbsent = Field{}

// NewField returns a present Field viewing b. A nil b yields a present,
// empty Field.
func NewField(b []byte) Field {
	return Field{data: b, present: true}
}

// IsAbsent reports whether the field carries no data at all.
func (f Field) IsAbsent() bool { return !f.present }

// Bytes returns the viewed bytes, nil when absent.
func (f Field) Bytes() []byte { return f.data }

// Len returns the viewed length, or -1 when absent.
func (f Field) Len() int {
	if !f.present {
		return -1
	}
	return len(f.data)
}

func (f Field) String() string {
	if !f.present {
		return "<absent>"
	}
	return string(f.data)
}

// sub returns a present Field over data[start:end] of f.
func (f Field) sub(start, end int) Field {
	return Field{data: f.data[start:end:end], present: true}
}
