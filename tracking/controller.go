package tracking

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/shangzhen6688/galileo-e1-tracking/internal/alignedmem"
	"github.com/shangzhen6688/galileo-e1-tracking/internal/correlator"
	"github.com/shangzhen6688/galileo-e1-tracking/internal/discriminator"
	"github.com/shangzhen6688/galileo-e1-tracking/internal/errs"
	"github.com/shangzhen6688/galileo-e1-tracking/internal/events"
	"github.com/shangzhen6688/galileo-e1-tracking/internal/galconst"
	"github.com/shangzhen6688/galileo-e1-tracking/internal/lock"
	"github.com/shangzhen6688/galileo-e1-tracking/internal/loopfilter"
	"github.com/shangzhen6688/galileo-e1-tracking/internal/prncode"
)

// ReplicaGenerator produces a PRN code replica.
// internal/prncode.GenerateE1B satisfies it.
type ReplicaGenerator func(prn int, useSecondary bool, phaseOffsetChips float64, out []float32) error

// Controller owns one Galileo E1 tracking channel end to end: loop
// state, the VEML correlator, the PLL/DLL pair, the lock indicators,
// and the Idle/PullIn/Locked state machine. A Controller is
// single-threaded cooperative with respect to its own state: exactly
// one goroutine must drive it.
type Controller struct {
	cfg    Config
	log    zerolog.Logger
	bus    *events.Bus
	gen    ReplicaGenerator
	events chan<- TrackingRecord // optional telemetry fan-out, never blocking

	state   State
	enabled bool
	hint    AcquisitionHint

	pllFilter *loopfilter.Filter
	dllFilter *loopfilter.Filter
	lockDet   *lock.Detector

	codeBuf       *alignedmem.Buffer
	code          []float32
	correlatorBuf *alignedmem.Buffer
	corrOuts      []complex128
	tapOffsetsBuf *alignedmem.Buffer
	tapOffsets    []float64
	windowBuf     *alignedmem.Buffer
	window        []complex128

	// NCO state
	carrierDopplerHz    float64
	codeFreqChips       float64
	remCarrPhaseRad     float64
	remCodePhaseSamples float64
	accCarrierPhaseRad  float64
	accCodePhaseS       float64

	// block geometry
	currentPRNLengthSamples int
	sampleCounter           uint64

	// lock state. cn0DBHz and carrierLockTest are held constant between
	// window completions rather than recomputed every period, matching
	// the detector's batch-accumulator behaviour.
	lockFailCounter int
	cn0DBHz         float64
	carrierLockTest float64
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithLogger attaches a structured logger; the zero Logger discards
// everything, so this is optional.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithEventBus attaches the outbound event port a loss-of-lock
// LossOfLock event is published to.
func WithEventBus(b *events.Bus) Option {
	return func(c *Controller) { c.bus = b }
}

// WithTelemetry attaches a channel every emitted TrackingRecord is
// also sent to, non-blocking (the record is dropped with a debug log
// line, never fatal, if the channel is full) so a slow downstream consumer can never stall
// the DSP loop.
func WithTelemetry(ch chan<- TrackingRecord) Option {
	return func(c *Controller) { c.events = ch }
}

// WithReplicaGenerator overrides the default Galileo E1B replica
// generator (internal/prncode.GenerateE1B), mainly for tests.
func WithReplicaGenerator(gen ReplicaGenerator) Option {
	return func(c *Controller) { c.gen = gen }
}

// NewController validates cfg and allocates the Controller's aligned
// working buffers. Allocation failures are fatal.
func NewController(cfg Config, opts ...Option) (*Controller, error) {
	cfg = cfg.withDefaults()
	if cfg.FsHz <= 0 {
		return nil, fmt.Errorf("tracking: FsHz must be positive: %w", errs.ErrConfiguration)
	}
	if cfg.VectorLengthSamples <= 0 {
		return nil, fmt.Errorf("tracking: VectorLengthSamples must be positive: %w", errs.ErrConfiguration)
	}

	c := &Controller{
		cfg:   cfg,
		gen:   prncode.GenerateE1B,
		state: Idle,
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	c.codeBuf, c.code, err = alignedmem.AllocTyped[float32](2*cfg.CodeLengthChips, simdAlignment)
	if err != nil {
		return nil, fmt.Errorf("tracking: allocating local code replica: %w", err)
	}
	c.correlatorBuf, c.corrOuts, err = alignedmem.AllocTyped[complex128](nTaps, simdAlignment)
	if err != nil {
		return nil, fmt.Errorf("tracking: allocating correlator outputs: %w", err)
	}
	c.tapOffsetsBuf, c.tapOffsets, err = alignedmem.AllocTyped[float64](nTaps, simdAlignment)
	if err != nil {
		return nil, fmt.Errorf("tracking: allocating tap offsets: %w", err)
	}
	c.windowBuf, c.window, err = alignedmem.AllocTyped[complex128](promptWindowSize, simdAlignment)
	if err != nil {
		return nil, fmt.Errorf("tracking: allocating prompt window: %w", err)
	}
	c.lockDet = lock.NewDetectorOverBuffer(c.window)

	c.tapOffsets[tapVeryEarly] = -cfg.VeryEarlyLateSpcChips
	c.tapOffsets[tapEarly] = -cfg.EarlyLateSpcChips
	c.tapOffsets[tapPrompt] = 0
	c.tapOffsets[tapLate] = cfg.EarlyLateSpcChips
	c.tapOffsets[tapVeryLate] = cfg.VeryEarlyLateSpcChips

	c.pllFilter = loopfilter.New(cfg.PLLBwHz, cfg.CodePeriodS, loopfilter.Carrier)
	c.dllFilter = loopfilter.New(cfg.DLLBwHz, cfg.CodePeriodS, loopfilter.Code)

	c.currentPRNLengthSamples = cfg.VectorLengthSamples
	return c, nil
}

// Close releases the Controller's aligned buffers.
func (c *Controller) Close() {
	c.codeBuf.Free()
	c.correlatorBuf.Free()
	c.tapOffsetsBuf.Free()
	c.windowBuf.Free()
}

// State reports the Controller's current lifecycle state.
func (c *Controller) State() State { return c.state }

// SampleCounter reports the number of input samples processed so far.
func (c *Controller) SampleCounter() uint64 { return c.sampleCounter }

// SetChannel updates the channel identifier carried in logs and
// events.
func (c *Controller) SetChannel(id int) { c.cfg.ChannelID = id }

// StartTracking activates the channel with the given acquisition hint:
// IDLE -> PULL_IN. A hint with an empty SignalTag is treated as absent
// and rejected with ErrAcquisitionAbsent.
func (c *Controller) StartTracking(hint AcquisitionHint) error {
	if hint.SignalTag == "" {
		return fmt.Errorf("tracking: acquisition hint missing signal tag: %w", errs.ErrAcquisitionAbsent)
	}

	c.hint = hint
	c.pllFilter.Reset()
	c.dllFilter.Reset()
	c.lockFailCounter = 0
	c.cn0DBHz = 0
	c.carrierLockTest = 0
	c.lockDet = lock.NewDetectorOverBuffer(c.window)

	if err := c.gen(int(hint.PRNID), false, 0, c.code); err != nil {
		return fmt.Errorf("tracking: generating local code replica: %w", err)
	}
	for i := range c.corrOuts {
		c.corrOuts[i] = 0
	}

	c.remCodePhaseSamples = 0
	c.remCarrPhaseRad = 0
	c.accCarrierPhaseRad = 0
	c.accCodePhaseS = 0
	c.carrierDopplerHz = hint.AcqDopplerHz
	c.codeFreqChips = c.cfg.CodeChipRateHz
	c.currentPRNLengthSamples = c.cfg.VectorLengthSamples
	// sampleCounter is NOT reset here: it runs continuously across the
	// Controller's lifetime, including repeated StartTracking calls
	// after a StopTracking or loss-of-lock, since AcqSampleStamp is
	// measured against that same running counter.

	c.state = PullIn
	c.enabled = true

	c.log.Info().
		Int("channel", c.cfg.ChannelID).
		Uint("prn", hint.PRNID).
		Float64("doppler_hz", hint.AcqDopplerHz).
		Float64("delay_samples", hint.AcqDelaySamples).
		Msg("tracking pull-in scheduled")
	return nil
}

// StopTracking disables the channel: transition to IDLE. It leaves the
// loop filter state untouched; the next StartTracking resets it.
func (c *Controller) StopTracking() {
	c.enabled = false
	c.state = Idle
}

// NextBlockLength reports how many input samples the caller must
// supply to the next ProcessPullIn/ProcessPeriod call.
func (c *Controller) NextBlockLength() int {
	if c.state == PullIn {
		return c.pullInSampleOffset()
	}
	return c.currentPRNLengthSamples
}

func (c *Controller) pullInSampleOffset() int {
	acqToTrkDelay := int64(c.sampleCounter) - int64(c.hint.AcqSampleStamp)
	m := int64(c.currentPRNLengthSamples)
	// acqToTrkDelay % m here must be the sign-preserving remainder (Go's
	// %, like C's fmod, truncates toward zero), not a math-normalized
	// mod: acqToTrkDelay is routinely negative at pull-in, and shifting
	// by a normalized remainder is off by a full block.
	shift := m - acqToTrkDelay%m
	samplesOffset := int(math.Round(c.hint.AcqDelaySamples + float64(shift)))
	return samplesOffset
}

// ProcessPullIn consumes exactly NextBlockLength() samples from src
// without running the correlators, emits a minimal output record
// carrying the newly aligned sample counter, and transitions
// PULL_IN -> LOCKED. A negative computed offset is a configuration
// error rather than silently advancing the counter.
func (c *Controller) ProcessPullIn(src SampleSource) (TrackingRecord, error) {
	if c.state != PullIn {
		return TrackingRecord{}, fmt.Errorf("tracking: ProcessPullIn called outside PULL_IN state: %w", errs.ErrConfiguration)
	}

	samplesOffset := c.pullInSampleOffset()
	if samplesOffset < 0 {
		return TrackingRecord{}, fmt.Errorf("tracking: pull-in offset %d is negative: %w", samplesOffset, errs.ErrConfiguration)
	}

	if samplesOffset > 0 {
		if _, err := src.Read(samplesOffset); err != nil {
			return TrackingRecord{}, fmt.Errorf("tracking: reading pull-in offset samples: %w", err)
		}
	}

	c.sampleCounter += uint64(samplesOffset)
	c.state = Locked

	rec := TrackingRecord{
		ChannelID:             c.cfg.ChannelID,
		TrackingSampleCounter: c.sampleCounter,
		Fs:                    uint64(c.cfg.FsHz),
		SystemTag:             c.hint.SystemTag,
		SignalTag:             c.hint.SignalTag,
		PRNID:                 c.hint.PRNID,
	}
	c.publishTelemetry(rec)
	c.log.Info().
		Int("channel", c.cfg.ChannelID).
		Uint64("sample_counter", c.sampleCounter).
		Msg("pull-in complete")
	return rec, nil
}

// ProcessPeriod runs one LOCKED period over samples, whose length must
// equal NextBlockLength(). It performs the full LOCKED update: carrier
// wipeoff + correlation, PLL, code-aiding, carrier phase accumulation,
// DLL, next block length computation, lock indicator update (with
// loss-of-lock escalation), and finally the output record.
func (c *Controller) ProcessPeriod(samples []complex128) (TrackingRecord, error) {
	if c.state != Locked {
		return TrackingRecord{}, fmt.Errorf("tracking: ProcessPeriod called outside LOCKED state: %w", errs.ErrConfiguration)
	}
	if len(samples) != c.currentPRNLengthSamples {
		return TrackingRecord{}, fmt.Errorf("tracking: expected %d samples, got %d: %w", c.currentPRNLengthSamples, len(samples), errs.ErrConfiguration)
	}

	// Step 1: NCO steps.
	carrStepRad := galconst.TwoPi * c.carrierDopplerHz / c.cfg.FsHz
	codeStepHalfChips := 2 * c.codeFreqChips / c.cfg.FsHz
	remCodeHalfChips := c.remCodePhaseSamples * codeStepHalfChips

	// Step 2: kernel invocation.
	if err := correlator.Correlate(samples, c.code, c.tapOffsets,
		c.remCarrPhaseRad, carrStepRad,
		remCodeHalfChips, codeStepHalfChips,
		c.corrOuts); err != nil {
		return TrackingRecord{}, fmt.Errorf("tracking: correlator: %w", err)
	}
	prompt := c.corrOuts[tapPrompt]

	// Step 3: PLL.
	carrErrHz := discriminator.PLLTwoQuadrantAtan(prompt)
	carrFiltHz := c.pllFilter.Update(carrErrHz)
	c.carrierDopplerHz = c.hint.AcqDopplerHz + carrFiltHz

	// Step 4: code aiding.
	c.codeFreqChips = c.cfg.CodeChipRateHz + c.carrierDopplerHz*c.cfg.CodeCarrierFreqRatio

	// Step 5: accumulated carrier phase.
	c.accCarrierPhaseRad -= galconst.TwoPi * c.carrierDopplerHz * float64(c.currentPRNLengthSamples) / c.cfg.FsHz
	c.remCarrPhaseRad += galconst.TwoPi * c.carrierDopplerHz * float64(c.currentPRNLengthSamples) / c.cfg.FsHz
	c.remCarrPhaseRad = math.Mod(c.remCarrPhaseRad, galconst.TwoPi)
	if c.remCarrPhaseRad < 0 {
		c.remCarrPhaseRad += galconst.TwoPi
	}

	// Step 6: DLL.
	codeErrChips := discriminator.DLLNonCoherentVEMLP(c.corrOuts[tapVeryEarly], c.corrOuts[tapEarly], c.corrOuts[tapLate], c.corrOuts[tapVeryLate])
	codeFiltChipsPerS := c.dllFilter.Update(codeErrChips)
	codeErrS := c.cfg.CodePeriodS * codeFiltChipsPerS / c.cfg.CodeChipRateHz
	c.accCodePhaseS += codeErrS

	// Step 7: block length. The record built in step 9 reports the
	// remnant code phase samples as they stood going into this period,
	// before it is recomputed here for the next one.
	codePhaseSamplesForRecord := c.remCodePhaseSamples
	tChip := 1 / c.codeFreqChips
	tPrn := tChip * float64(c.cfg.CodeLengthChips)
	tSamples := tPrn * c.cfg.FsHz
	k := tSamples + c.remCodePhaseSamples + codeErrS*c.cfg.FsHz
	nextLen := int(math.Round(k))
	c.remCodePhaseSamples = k - float64(nextLen)

	// Step 8: lock indicators. The window is a batch accumulator: C/N0
	// and the carrier-lock test are only recomputed on the push that
	// just completes it, and held constant otherwise. validSymbol is
	// captured before this block may drop c.enabled on escalation: the
	// record for the period that triggers loss-of-lock still reports
	// the symbol as valid, since it was produced while tracking was
	// enabled on entry to this period.
	validSymbol := c.enabled
	if c.lockDet.Push(prompt) {
		c.cn0DBHz = c.lockDet.CN0DBHz(c.cfg.CodePeriodS)
		c.carrierLockTest = c.lockDet.CarrierLockTest()
		if c.carrierLockTest < 0.85 || c.cn0DBHz < 25 {
			c.lockFailCounter++
		} else if c.lockFailCounter > 0 {
			c.lockFailCounter--
		}
		if c.lockFailCounter > maxLockFail {
			if c.bus != nil {
				c.bus.Publish(events.Event{Tag: events.LossOfLock, ChannelID: c.cfg.ChannelID})
			}
			c.log.Warn().Int("channel", c.cfg.ChannelID).Msg("loss of lock")
			c.lockFailCounter = 0
			c.enabled = false
			c.state = Idle
		}
	}

	// Step 9: output record, advance sample counter/block length.
	rec := TrackingRecord{
		ChannelID:             c.cfg.ChannelID,
		TrackingSampleCounter: c.sampleCounter,
		Fs:                    uint64(c.cfg.FsHz),
		PromptI:               real(prompt),
		PromptQ:               imag(prompt),
		CodePhaseSamples:      codePhaseSamplesForRecord,
		CarrierPhaseRad:       c.accCarrierPhaseRad,
		CarrierDopplerHz:      c.carrierDopplerHz,
		CN0DBHz:               c.cn0DBHz,
		FlagValidSymbol:       validSymbol,
		CorrelationLengthMS:   c.cfg.CodePeriodS * 1000,
		SystemTag:             c.hint.SystemTag,
		SignalTag:             c.hint.SignalTag,
		PRNID:                 c.hint.PRNID,
	}
	c.sampleCounter += uint64(c.currentPRNLengthSamples)
	c.currentPRNLengthSamples = nextLen
	c.publishTelemetry(rec)
	return rec, nil
}

func (c *Controller) publishTelemetry(rec TrackingRecord) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- rec:
	default:
		c.log.Debug().Int("channel", c.cfg.ChannelID).Msg("telemetry channel full, dropping record")
	}
}

// Run drives the Controller end to end from src, sending every
// emitted record to emit, until the context is cancelled or src is
// exhausted. Cancellation is cooperative: the context is checked
// before each period, so a period already in progress finishes and
// emits its record, then Run returns nil without starting another
// period. No separate terminal record is emitted on cancellation.
func (c *Controller) Run(ctx context.Context, src SampleSource, emit func(TrackingRecord)) error {
	for c.enabled {
		if err := ctx.Err(); err != nil {
			return nil
		}

		var rec TrackingRecord
		var err error
		switch c.state {
		case PullIn:
			rec, err = c.ProcessPullIn(src)
		case Locked:
			n := c.NextBlockLength()
			samples, readErr := src.Read(n)
			if readErr != nil && len(samples) < n {
				return readErr
			}
			rec, err = c.ProcessPeriod(samples)
		default:
			return nil
		}
		if err != nil {
			return err
		}
		if emit != nil {
			emit(rec)
		}
	}
	return nil
}
