// Package loopfilter implements the critically-damped 2nd-order
// carrier/code loop filters used by PLL and DLL tracking loops, with
// the coefficients (Aw/W2) held per instance rather than globally.
package loopfilter

// Kind selects which natural-frequency divisor a Filter uses.
type Kind int

const (
	// Carrier divides bandwidth by 0.7845 (GNSS-SDR's
	// Tracking_2nd_PLL_filter).
	Carrier Kind = iota
	// Code divides bandwidth by 0.53 (GNSS-SDR's
	// Tracking_2nd_DLL_filter).
	Code
)

// Filter is an independent 2nd-order tracking loop filter. Neither a
// carrier nor a code Filter ever reads the other's state.
type Filter struct {
	period float64
	w2     float64
	aw     float64

	nco       float64
	lastError float64
}

// New builds a Filter for the given noise bandwidth (Hz) and update
// period (s).
func New(bwHz, periodS float64, kind Kind) *Filter {
	divisor := 0.7845
	if kind == Code {
		divisor = 0.53
	}
	wn := bwHz / divisor
	return &Filter{
		period: periodS,
		w2:     wn * wn,
		aw:     1.414 * wn,
	}
}

// Reset zeros the filter's internal accumulators.
func (f *Filter) Reset() {
	f.nco = 0
	f.lastError = 0
}

// Update advances the filter by one period given the latest
// discriminator error and returns the NCO rate correction (Hz for a
// carrier filter, chips/s for a code filter).
func (f *Filter) Update(errIn float64) float64 {
	f.nco += f.aw*(errIn-f.lastError) + f.w2*f.period*errIn
	f.lastError = errIn
	return f.nco
}
