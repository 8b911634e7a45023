// Package lock implements the C/N0 estimator and carrier-lock
// detector that decide whether a tracking channel remains viable,
// using an SNV estimator (plus a Hann-tapered diagnostic variant) and
// a normalized carrier-lock test over a batch window of Prompt
// correlator outputs.
package lock

import (
	"math"

	"gonum.org/v1/gonum/dsp/window"
)

// Detector accumulates Prompt correlator outputs into a fixed-size
// batch window and computes C/N0 and carrier-lock test values once the
// window has filled.
type Detector struct {
	window []complex128
	idx    int
	filled bool
}

// NewDetector returns a Detector with the given window size.
func NewDetector(windowSize int) *Detector {
	return &Detector{window: make([]complex128, windowSize)}
}

// NewDetectorOverBuffer returns a Detector that keeps its batch
// window in the caller-supplied buffer (normally a SIMD-aligned
// allocation owned by the tracking controller) instead of allocating
// its own.
func NewDetectorOverBuffer(buf []complex128) *Detector {
	return &Detector{window: buf}
}

// Push appends a Prompt correlator output to the window and reports
// whether this push just completed it. C/N0 and the carrier-lock test
// are only meaningful to recompute on a completed push: the window is
// a batch accumulator, not a per-sample sliding one, so the caller
// should treat the values between two completions as held constant.
func (d *Detector) Push(prompt complex128) bool {
	d.window[d.idx] = prompt
	d.idx++
	if d.idx == len(d.window) {
		d.idx = 0
		d.filled = true
		return true
	}
	return false
}

// Full reports whether the window has been filled at least once.
func (d *Detector) Full() bool {
	return d.filled
}

// tapered applies a Hann taper over the window before forming the SNV
// sums, reducing estimator variance versus an untapered sum. Used only
// by CN0DBHzTapered, a diagnostic alternative to CN0DBHz.
func (d *Detector) tapered() ([]float64, []float64, float64) {
	n := len(d.window)
	w := window.Hann(make([]float64, n))
	re := make([]float64, n)
	im := make([]float64, n)
	var weightSum float64
	for i, p := range d.window {
		re[i] = real(p) * w[i]
		im[i] = imag(p) * w[i]
		weightSum += w[i]
	}
	return re, im, weightSum
}

// CN0DBHz computes the SNV C/N0 estimate for the current window, in
// dB-Hz, given the coherent integration period periodS:
// NBD = (sum P.re)^2 + (sum P.im)^2, NBP = sum |P|^2, over the
// untapered window. Returns 0 when the window has not yet filled, and
// clamps the result to [0, 60] to avoid reporting a degenerate
// estimate. This is the value the loss-of-lock threshold check is
// driven by.
func (d *Detector) CN0DBHz(periodS float64) float64 {
	if !d.filled {
		return 0
	}
	var sumRe, sumIm, sumPow float64
	for _, p := range d.window {
		r, i := real(p), imag(p)
		sumRe += r
		sumIm += i
		sumPow += r*r + i*i
	}
	nbd := sumRe*sumRe + sumIm*sumIm
	nbp := sumPow
	if nbp == 0 {
		return 0
	}
	np := nbd / nbp
	if np <= 0 {
		np = 1e-12
	}
	if np >= 1 {
		np = 1 - 1e-12
	}
	cn0 := 10 * math.Log10((1/periodS)*np/(1-np))
	if cn0 < 0 {
		cn0 = 0
	}
	if cn0 > 60 {
		cn0 = 60
	}
	return cn0
}

// CN0DBHzTapered computes the same SNV estimate as CN0DBHz but over a
// Hann-tapered window, trading a slight bias for lower variance. It is
// a diagnostic alternative, not the value loss-of-lock escalation acts
// on.
func (d *Detector) CN0DBHzTapered(periodS float64) float64 {
	if !d.filled {
		return 0
	}
	re, im, weightSum := d.tapered()
	if weightSum == 0 {
		return 0
	}
	var sumRe, sumIm, sumPow float64
	for i := range re {
		sumRe += re[i]
		sumIm += im[i]
		sumPow += re[i]*re[i] + im[i]*im[i]
	}
	nbd := sumRe*sumRe + sumIm*sumIm
	nbp := sumPow
	if nbp == 0 {
		return 0
	}
	np := nbd / nbp
	if np <= 0 {
		np = 1e-12
	}
	if np >= 1 {
		np = 1 - 1e-12
	}
	cn0 := 10 * math.Log10((1/periodS)*np/(1-np))
	if cn0 < 0 {
		cn0 = 0
	}
	if cn0 > 60 {
		cn0 = 60
	}
	return cn0
}

// CarrierLockTest computes the carrier-lock indicator for the current
// window, in [-1, 1]. Returns 0 when the window has not yet filled.
func (d *Detector) CarrierLockTest() float64 {
	if !d.filled {
		return 0
	}
	var sumReSq, sumImSq, sumPow float64
	for _, p := range d.window {
		r, i := real(p), imag(p)
		sumReSq += r * r
		sumImSq += i * i
		sumPow += r*r + i*i
	}
	if sumPow == 0 {
		return 0
	}
	return (sumReSq - sumImSq) / sumPow
}
