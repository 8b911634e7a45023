// Package correlator implements the five-tap VEML multi-correlator
// kernel: carrier wipeoff, code-phase resampling, and per-tap
// accumulation over one processing block, using a float64 N-tap
// kernel driven by a recursive complex rotator.
package correlator

import (
	"fmt"
	"math"

	"github.com/shangzhen6688/galileo-e1-tracking/internal/errs"
)

// Correlate performs carrier wipeoff plus code-phase resampling over
// n = len(input) samples and accumulates the result into taps, one
// complex accumulator per entry of tapOffsetsChips. replica must hold
// 2*codeLengthChips float32 samples (2 samples/chip).
//
// For each input sample i:
//
//	carrierPhase = initCarrierPhaseRad + i*carrierPhaseStepRad
//	codePhase    = initCodePhaseHalfChips + i*codePhaseStepHalfChips + tapOffsetsChips[k]*2
//	taps[k]     += input[i] * exp(-j*carrierPhase) * replica[floor(codePhase) mod len(replica)]
//
// Code-phase indexing accumulates in float64 to bound drift over long
// runs; the carrier phase is advanced recursively via a complex unit
// rotator rather than repeated calls to math.Sin/Cos, which keeps the
// per-block phase error well below 1e-6 rad for any block short enough
// to be re-synchronized every period (the rotator is re-seeded from
// initCarrierPhaseRad at the start of every call, so error never
// accumulates across periods).
func Correlate(
	input []complex128,
	replica []float32,
	tapOffsetsChips []float64,
	initCarrierPhaseRad, carrierPhaseStepRad float64,
	initCodePhaseHalfChips, codePhaseStepHalfChips float64,
	taps []complex128,
) error {
	n := len(input)
	if n == 0 {
		return fmt.Errorf("correlator: empty input block: %w", errs.ErrConfiguration)
	}
	if len(taps) != len(tapOffsetsChips) {
		return fmt.Errorf("correlator: taps/tapOffsetsChips length mismatch: %w", errs.ErrConfiguration)
	}
	if len(replica) == 0 {
		return fmt.Errorf("correlator: empty code replica: %w", errs.ErrConfiguration)
	}

	for k := range taps {
		taps[k] = 0
	}

	replicaLen := len(replica)
	rotStep := complex(math.Cos(carrierPhaseStepRad), -math.Sin(carrierPhaseStepRad))
	rot := complex(math.Cos(initCarrierPhaseRad), -math.Sin(initCarrierPhaseRad))

	codePhase := initCodePhaseHalfChips
	for i := 0; i < n; i++ {
		wiped := input[i] * rot
		for k, offsetChips := range tapOffsetsChips {
			idx := int(math.Floor(codePhase + offsetChips*2))
			idx %= replicaLen
			if idx < 0 {
				idx += replicaLen
			}
			taps[k] += wiped * complex(float64(replica[idx]), 0)
		}
		rot *= rotStep
		codePhase += codePhaseStepHalfChips
	}
	return nil
}
