// Package galconst holds the compile-time Galileo E1 constants shared
// by the PRN replica generator and the tracking controller's code-rate
// aiding step, so the two can never drift apart.
package galconst

import "math"

const (
	// CodeLengthChips is the length of the Galileo E1B primary
	// ranging code, in chips.
	CodeLengthChips = 4092

	// CodeChipRateHz is the E1B chipping rate.
	CodeChipRateHz = 1.023e6

	// CodePeriodS is the duration of one E1B code period.
	CodePeriodS = float64(CodeLengthChips) / CodeChipRateHz

	// RFCarrierHz is the Galileo E1 RF carrier frequency.
	RFCarrierHz = 1.57542e9

	// CodeCarrierFreqRatio is code_chip_rate / RF_carrier_Hz, used by
	// the tracking controller's code-rate aiding step.
	CodeCarrierFreqRatio = CodeChipRateHz / RFCarrierHz
)

// TwoPi is 2*pi, kept as a named constant since the tracking loop
// wraps phases against it on every period.
const TwoPi = 2 * math.Pi

// System tag bytes carried on AcquisitionHint and TrackingRecord,
// identifying the GNSS constellation a channel belongs to.
const (
	SystemGalileo byte = 'E'
	SystemGPS     byte = 'G'
	SystemGlonass byte = 'R'
	SystemBeiDou  byte = 'C'
)

// SystemNames maps a system tag byte to its constellation name. It is
// a package-level map initialized at program start; as an exported
// map it is not read-only, and nothing in this package prevents other
// code from modifying it.
var SystemNames = map[byte]string{
	SystemGalileo: "Galileo",
	SystemGPS:     "GPS",
	SystemGlonass: "GLONASS",
	SystemBeiDou:  "BeiDou",
}

// SystemName returns the constellation name for tag, or "unknown" if
// tag is not in SystemNames.
func SystemName(tag byte) string {
	if name, ok := SystemNames[tag]; ok {
		return name
	}
	return "unknown"
}
