// Package discriminator implements the two error discriminators that
// feed the carrier PLL and code DLL loop filters (internal/loopfilter),
// kept separate from the filters themselves so each can be tested in
// isolation.
package discriminator

import "math"

// PLLTwoQuadrantAtan returns the two-quadrant-atan carrier phase error
// of prompt, in cycles per period. There is no explicit zero-prompt
// branch: for a prompt of exactly +0+0i, math.Atan2 returns 0.
func PLLTwoQuadrantAtan(prompt complex128) float64 {
	return math.Atan2(imag(prompt), real(prompt)) / (2 * math.Pi)
}

// DLLNonCoherentVEMLP returns the normalized non-coherent VEMLP code
// phase error, in chips, given the very-early, early, late, and
// very-late complex correlator outputs. Returns 0 when the
// early+late magnitude sum is zero, to avoid a division by zero.
func DLLNonCoherentVEMLP(ve, e, l, vl complex128) float64 {
	eMag := cmplxAbs(e) + cmplxAbs(ve)
	lMag := cmplxAbs(l) + cmplxAbs(vl)
	denom := eMag + lMag
	if denom == 0 {
		return 0
	}
	return (eMag - lMag) / denom
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
