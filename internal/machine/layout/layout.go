// Package layout validates typed accesses against size and alignment
// requirements.
//
// Alignment is checked against the numeric address alone, before any
// shadow-state lookup: an access that would fault on hardware must be
// reported as an alignment fault even when the memory content would
// otherwise be legal.
package layout

import (
	"fmt"

	"github.com/kolkov/shadowmachine/internal/machine/diag"
)

// MaxAccessSize bounds a single typed access. Lowered code accesses at
// most one machine word at a time; larger moves arrive as byte copies.
const MaxAccessSize = 16

// ValidAlign reports whether align is a power of two in the supported
// range. Alignment 0 is treated as 1 by callers, so it is rejected here.
func ValidAlign(align uint64) bool {
	return align != 0 && align <= MaxAccessSize && align&(align-1) == 0
}

// ValidSize reports whether a typed access size is supported.
func ValidSize(size int) bool {
	return size > 0 && size <= MaxAccessSize
}

// Check verifies that addr satisfies the required alignment. A nil return
// means the access may proceed to the shadow-state checks.
func Check(addr uint64, align uint64) *diag.Diagnostic {
	if align <= 1 {
		return nil
	}
	if addr%align == 0 {
		return nil
	}
	return &diag.Diagnostic{
		Kind:    diag.MisalignedAccess,
		Message: fmt.Sprintf("address 0x%x is not %d-byte aligned", addr, align),
	}
}
