// Package tracking implements the Galileo E1 tracking channel: the
// Controller owns a VEML multi-correlator, a carrier PLL and code DLL
// with their loop filters, and a C/N0 + carrier-lock state machine,
// turning an acquisition hint and a continuous complex baseband
// stream into per-code-period TrackingRecords.
package tracking

import "github.com/shangzhen6688/galileo-e1-tracking/internal/galconst"

// State is the Controller's lifecycle state.
type State int

const (
	Idle State = iota
	PullIn
	Locked
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PullIn:
		return "pull_in"
	case Locked:
		return "locked"
	default:
		return "unknown"
	}
}

// AcquisitionHint is the read-only estimate handed off from the
// upstream acquisition stage when a channel is activated.
type AcquisitionHint struct {
	PRNID           uint
	AcqDelaySamples float64
	AcqDopplerHz    float64
	AcqSampleStamp  uint64
	SystemTag       byte
	SignalTag       string
}

// Config is the Controller's post-construction configuration. It is
// fixed after NewController except for ChannelID, which SetChannel
// may change.
type Config struct {
	ChannelID             int
	IFFreqHz              float64
	FsHz                  float64
	VectorLengthSamples   int
	EarlyLateSpcChips     float64
	VeryEarlyLateSpcChips float64
	PLLBwHz               float64
	DLLBwHz               float64

	// CodePeriodS, CodeChipRateHz, CodeLengthChips, and
	// CodeCarrierFreqRatio default to the Galileo E1B constants in
	// internal/galconst when left zero; they are exposed here so
	// tests can substitute different values without touching the
	// shared constant table.
	CodePeriodS          float64
	CodeChipRateHz       float64
	CodeLengthChips      int
	CodeCarrierFreqRatio float64
}

// withDefaults returns a copy of cfg with Galileo E1B defaults filled
// in for any zero-valued field.
func (c Config) withDefaults() Config {
	if c.CodePeriodS == 0 {
		c.CodePeriodS = galconst.CodePeriodS
	}
	if c.CodeChipRateHz == 0 {
		c.CodeChipRateHz = galconst.CodeChipRateHz
	}
	if c.CodeLengthChips == 0 {
		c.CodeLengthChips = galconst.CodeLengthChips
	}
	if c.CodeCarrierFreqRatio == 0 {
		c.CodeCarrierFreqRatio = galconst.CodeCarrierFreqRatio
	}
	return c
}

// TrackingRecord is the per-period output record emitted exactly once
// per processed period, including pull-in.
type TrackingRecord struct {
	ChannelID             int
	TrackingSampleCounter uint64
	Fs                    uint64
	PromptI               float64
	PromptQ               float64
	CodePhaseSamples      float64
	CarrierPhaseRad       float64
	CarrierDopplerHz      float64
	CN0DBHz               float64
	FlagValidSymbol       bool
	CorrelationLengthMS   float64
	SystemTag             byte
	SignalTag             string
	PRNID                 uint
}

// maxLockFail is the lock-fail counter value above which a channel is
// dropped back to Idle. The counter rises by one on each failed
// lock-quality check and falls by one (floor 0) on each passing one.
const maxLockFail = 50

// promptWindowSize is the number of Prompt correlator outputs
// accumulated per C/N0 / carrier-lock batch window.
const promptWindowSize = 20

// nTaps is the VEML tap count: Very-Early, Early, Prompt, Late,
// Very-Late.
const nTaps = 5

// tap indices into the correlator outputs buffer.
const (
	tapVeryEarly = 0
	tapEarly     = 1
	tapPrompt    = 2
	tapLate      = 3
	tapVeryLate  = 4
)

// simdAlignment is the platform SIMD alignment the correlator's
// working buffers are allocated to.
const simdAlignment = 32
