package tracking

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/shangzhen6688/galileo-e1-tracking/internal/alignedmem"
	"github.com/shangzhen6688/galileo-e1-tracking/internal/events"
)

// Scenario tests drive the real Controller end to end over a
// synthesized baseband stream, rather than exercising one method at a
// time the way controller_test.go does. The code/chip rate and sample
// rate below are scaled far below Galileo E1B's real ones purely so a
// few hundred milliseconds of signal is a handful of test periods; the
// loop math exercised is exactly ProcessPullIn/ProcessPeriod.
const (
	scenarioCodeLengthChips = 32
	scenarioChipRateHz      = 1000.0
	scenarioSamplesPerChip  = 8
)

func scenarioConfig() Config {
	fsHz := scenarioChipRateHz * scenarioSamplesPerChip
	codePeriodS := float64(scenarioCodeLengthChips) / scenarioChipRateHz
	return Config{
		ChannelID:             3,
		FsHz:                  fsHz,
		VectorLengthSamples:   scenarioCodeLengthChips * scenarioSamplesPerChip,
		EarlyLateSpcChips:     0.5,
		VeryEarlyLateSpcChips: 2.0,
		PLLBwHz:               5,
		DLLBwHz:               2,
		CodeLengthChips:       scenarioCodeLengthChips,
		CodeChipRateHz:        scenarioChipRateHz,
		CodePeriodS:           codePeriodS,
		CodeCarrierFreqRatio:  scenarioChipRateHz / 1.57542e9,
	}
}

// scenarioChips deterministically derives a +-1 chip sequence for a
// scenario PRN, using the same per-PRN LCG construction
// internal/prncode uses for the real E1B table, sized down to
// scenarioCodeLengthChips.
func scenarioChips(prn int) []int8 {
	code := make([]int8, scenarioCodeLengthChips)
	state := uint32(prn)*2654435761 + 1
	for i := range code {
		state = state*1664525 + 1013904223
		if state&0x8000_0000 != 0 {
			code[i] = 1
		} else {
			code[i] = -1
		}
	}
	return code
}

// scenarioReplicaGen serves scenarioChips(prn) at 2 samples/chip, the
// same replica layout internal/prncode.GenerateE1B produces, scaled to
// scenarioCodeLengthChips instead of the real E1B length.
func scenarioReplicaGen() ReplicaGenerator {
	return func(prn int, useSecondary bool, phaseOffsetChips float64, out []float32) error {
		want := 2 * scenarioCodeLengthChips
		if len(out) != want {
			return fmt.Errorf("scenarioReplicaGen: want %d samples, got %d", want, len(out))
		}
		code := scenarioChips(prn)
		for i := 0; i < want; i++ {
			chipIdx := (int(phaseOffsetChips) + i/2) % scenarioCodeLengthChips
			if chipIdx < 0 {
				chipIdx += scenarioCodeLengthChips
			}
			out[i] = float32(code[chipIdx])
		}
		return nil
	}
}

// synthesizeBaseband generates n complex baseband samples covering
// local sample indices [startLocalSample, startLocalSample+n), built
// from scenarioChips(prn) at dopplerHz of carrier Doppler plus
// independent complex Gaussian noise at noiseStdDev per component.
// "Local sample 0" is the first sample ProcessPeriod ever sees after
// StartTracking, where the Controller's own code/carrier phase state
// (remCodePhaseSamples, remCarrPhaseRad) is exactly zero, so codePhase
// and carrierPhase here are both anchored at that same origin rather
// than at some absolute receiver time.
//
// The carrier is encoded as exp(+j*phase): internal/correlator's
// wipeoff rotator multiplies the input by exp(-j*trackedPhase), so a
// sample whose tracked Doppler/phase matches dopplerHz demodulates to
// a real, positive Prompt rather than a rotating one.
func synthesizeBaseband(rng *rand.Rand, prn, startLocalSample, n int, fsHz, amp, dopplerHz, noiseStdDev float64) []complex128 {
	code := scenarioChips(prn)
	out := make([]complex128, n)
	for i := 0; i < n; i++ {
		localSample := startLocalSample + i
		tSec := float64(localSample) / fsHz
		codePhase := scenarioChipRateHz * tSec
		chipIdx := int(math.Floor(codePhase)) % scenarioCodeLengthChips
		if chipIdx < 0 {
			chipIdx += scenarioCodeLengthChips
		}
		chip := float64(code[chipIdx])
		carrierPhase := 2 * math.Pi * dopplerHz * tSec
		sig := complex(amp*chip*math.Cos(carrierPhase), amp*chip*math.Sin(carrierPhase))
		noise := complex(rng.NormFloat64()*noiseStdDev, rng.NormFloat64()*noiseStdDev)
		out[i] = sig + noise
	}
	return out
}

func rmsOf(values []float64) float64 {
	sq := make([]float64, len(values))
	for i, v := range values {
		sq[i] = v * v
	}
	return math.Sqrt(stat.Mean(sq, nil))
}

// TestScenarioCleanLock covers the clean-lock case: a correctly
// acquired, high-C/N0 signal should settle to near-zero steady-state
// Doppler error and never trip loss-of-lock.
func TestScenarioCleanLock(t *testing.T) {
	cfg := scenarioConfig()
	ctrl, err := NewController(cfg, WithReplicaGenerator(scenarioReplicaGen()))
	require.NoError(t, err)
	defer ctrl.Close()

	const prn = 7
	const trueDopplerHz = 120.0
	rng := rand.New(rand.NewSource(1))

	require.NoError(t, ctrl.StartTracking(AcquisitionHint{
		PRNID:        prn,
		SignalTag:    "1B",
		AcqDopplerHz: trueDopplerHz,
	}))

	pullIn := NewSliceSource(make([]complex128, ctrl.NextBlockLength()))
	_, err = ctrl.ProcessPullIn(pullIn)
	require.NoError(t, err)
	require.Equal(t, Locked, ctrl.State())

	const periods = 80
	localSample := 0
	dopplerErr := make([]float64, 0, periods)
	for i := 0; i < periods; i++ {
		n := ctrl.NextBlockLength()
		samples := synthesizeBaseband(rng, prn, localSample, n, cfg.FsHz, 1.0, trueDopplerHz, 0.02)
		localSample += n
		rec, err := ctrl.ProcessPeriod(samples)
		require.NoError(t, err)
		assert.True(t, rec.FlagValidSymbol)
		dopplerErr = append(dopplerErr, rec.CarrierDopplerHz-trueDopplerHz)
	}

	assert.Less(t, rmsOf(dopplerErr), 5.0, "clean, correctly-acquired signal should hold near-zero Doppler error")
	assert.Equal(t, Locked, ctrl.State())
}

// TestScenarioPullInOffset covers the pull-in-offset case: a hint
// whose acquisition sample stamp precedes the current sample counter
// must align via the sign-preserving pull-in shift, then transition
// cleanly into Locked and keep tracking.
func TestScenarioPullInOffset(t *testing.T) {
	cfg := scenarioConfig()
	ctrl, err := NewController(cfg, WithReplicaGenerator(scenarioReplicaGen()))
	require.NoError(t, err)
	defer ctrl.Close()

	const prn = 11
	const trueDopplerHz = 50.0

	require.NoError(t, ctrl.StartTracking(AcquisitionHint{
		PRNID:           prn,
		SignalTag:       "1B",
		AcqDopplerHz:    trueDopplerHz,
		AcqDelaySamples: 5,
		AcqSampleStamp:  3,
	}))

	// sampleCounter starts at 0, so acqToTrkDelay = 0-3 = -3;
	// m - (-3 % 256) = 256 - (-3) = 259, plus the 5-sample
	// AcqDelaySamples gives 264.
	require.Equal(t, 264, ctrl.NextBlockLength())

	pullIn := NewSliceSource(make([]complex128, ctrl.NextBlockLength()))
	rec, err := ctrl.ProcessPullIn(pullIn)
	require.NoError(t, err)
	require.Equal(t, Locked, ctrl.State())
	assert.Equal(t, uint64(264), rec.TrackingSampleCounter)
	assert.Equal(t, uint64(264), ctrl.SampleCounter())

	rng := rand.New(rand.NewSource(2))
	localSample := 0
	for i := 0; i < 10; i++ {
		n := ctrl.NextBlockLength()
		samples := synthesizeBaseband(rng, prn, localSample, n, cfg.FsHz, 1.0, trueDopplerHz, 0.02)
		localSample += n
		rec, err = ctrl.ProcessPeriod(samples)
		require.NoError(t, err)
	}
	assert.Equal(t, Locked, ctrl.State(), "tracking should remain locked immediately after a pull-in offset")
	assert.False(t, math.IsNaN(rec.CarrierDopplerHz))
}

// TestScenarioWeakSignalLossOfLock covers the weak-signal case: a
// channel that never sees a usable Prompt (C/N0 stuck at 0, well under
// the 25 dB-Hz floor) must escalate to loss-of-lock and publish the
// event, exactly as the lock-quality law requires.
func TestScenarioWeakSignalLossOfLock(t *testing.T) {
	cfg := scenarioConfig()
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe()

	ctrl, err := NewController(cfg, WithReplicaGenerator(scenarioReplicaGen()), WithEventBus(bus))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.StartTracking(AcquisitionHint{PRNID: 13, SignalTag: "1B", AcqDopplerHz: 0}))

	pullIn := NewSliceSource(make([]complex128, ctrl.NextBlockLength()))
	_, err = ctrl.ProcessPullIn(pullIn)
	require.NoError(t, err)

	zeros := make([]complex128, cfg.VectorLengthSamples)
	total := (maxLockFail + 2) * promptWindowSize
	for i := 0; i < total && ctrl.State() == Locked; i++ {
		_, err = ctrl.ProcessPeriod(zeros)
		require.NoError(t, err)
	}

	assert.Equal(t, Idle, ctrl.State())
	select {
	case ev := <-sub:
		assert.Equal(t, events.LossOfLock, ev.Tag)
		assert.Equal(t, cfg.ChannelID, ev.ChannelID)
	default:
		t.Fatal("expected a loss-of-lock event on the bus")
	}
}

// TestScenarioZeroPrompt covers the zero-Prompt case: a single period
// with an all-zero input block must not propagate NaN/Inf through the
// discriminators, loop filters, or the emitted record: the DLL
// discriminator has an explicit zero-denominator fallback, and the PLL
// discriminator's math.Atan2(0, 0) evaluates to 0.
func TestScenarioZeroPrompt(t *testing.T) {
	cfg := scenarioConfig()
	ctrl, err := NewController(cfg, WithReplicaGenerator(scenarioReplicaGen()))
	require.NoError(t, err)
	defer ctrl.Close()

	const prn = 17
	const trueDopplerHz = 80.0
	rng := rand.New(rand.NewSource(3))

	require.NoError(t, ctrl.StartTracking(AcquisitionHint{PRNID: prn, SignalTag: "1B", AcqDopplerHz: trueDopplerHz}))
	pullIn := NewSliceSource(make([]complex128, ctrl.NextBlockLength()))
	_, err = ctrl.ProcessPullIn(pullIn)
	require.NoError(t, err)

	localSample := 0
	runPeriod := func(samples []complex128) TrackingRecord {
		rec, err := ctrl.ProcessPeriod(samples)
		require.NoError(t, err)
		assert.False(t, math.IsNaN(rec.CarrierDopplerHz))
		assert.False(t, math.IsInf(rec.CarrierDopplerHz, 0))
		assert.False(t, math.IsNaN(rec.CodePhaseSamples))
		assert.True(t, rec.FlagValidSymbol)
		return rec
	}

	for i := 0; i < 5; i++ {
		n := ctrl.NextBlockLength()
		samples := synthesizeBaseband(rng, prn, localSample, n, cfg.FsHz, 1.0, trueDopplerHz, 0.02)
		localSample += n
		runPeriod(samples)
	}

	// The zero-Prompt period itself: the correlator sees an all-zero
	// block, so every tap (VE/E/Prompt/L/VL) comes back zero and both
	// discriminators return 0.
	zeroLen := ctrl.NextBlockLength()
	runPeriod(make([]complex128, zeroLen))
	localSample += zeroLen

	for i := 0; i < 5; i++ {
		n := ctrl.NextBlockLength()
		samples := synthesizeBaseband(rng, prn, localSample, n, cfg.FsHz, 1.0, trueDopplerHz, 0.02)
		localSample += n
		runPeriod(samples)
	}

	assert.Equal(t, Locked, ctrl.State())
	assert.Greater(t, ctrl.NextBlockLength(), 0)
}

// TestScenarioPureDopplerJump covers the pure-Doppler-jump case: after
// settling on an initial Doppler, the incoming signal's true Doppler
// steps to a new value (still inside the one-code-period discriminator's
// unambiguous range, so it reads the step honestly rather than slipping
// a cycle) and the loop must converge toward it without diverging.
func TestScenarioPureDopplerJump(t *testing.T) {
	cfg := scenarioConfig()
	ctrl, err := NewController(cfg, WithReplicaGenerator(scenarioReplicaGen()))
	require.NoError(t, err)
	defer ctrl.Close()

	const prn = 23
	const baseDopplerHz = 60.0
	const jumpHz = 10.0
	rng := rand.New(rand.NewSource(4))

	require.NoError(t, ctrl.StartTracking(AcquisitionHint{PRNID: prn, SignalTag: "1B", AcqDopplerHz: baseDopplerHz}))
	pullIn := NewSliceSource(make([]complex128, ctrl.NextBlockLength()))
	_, err = ctrl.ProcessPullIn(pullIn)
	require.NoError(t, err)

	localSample := 0
	runAt := func(trueDopplerHz float64) float64 {
		n := ctrl.NextBlockLength()
		samples := synthesizeBaseband(rng, prn, localSample, n, cfg.FsHz, 1.0, trueDopplerHz, 0.02)
		localSample += n
		rec, err := ctrl.ProcessPeriod(samples)
		require.NoError(t, err)
		return rec.CarrierDopplerHz - trueDopplerHz
	}

	const settlePeriods = 30
	for i := 0; i < settlePeriods; i++ {
		runAt(baseDopplerHz)
	}

	const postJumpPeriods = 60
	postJumpErr := make([]float64, postJumpPeriods)
	for i := 0; i < postJumpPeriods; i++ {
		postJumpErr[i] = runAt(baseDopplerHz + jumpHz)
	}

	var maxAbsErr float64
	for _, e := range postJumpErr {
		if abs := math.Abs(e); abs > maxAbsErr {
			maxAbsErr = abs
		}
	}
	assert.Less(t, maxAbsErr, 2*jumpHz, "a critically damped loop should not overshoot well past the step it is chasing")

	earlyRMS := rmsOf(postJumpErr[:10])
	lateRMS := rmsOf(postJumpErr[postJumpPeriods-10:])
	assert.Less(t, lateRMS, earlyRMS, "Doppler error should shrink, not grow, over the periods following the jump")
	assert.Equal(t, Locked, ctrl.State())
}

// TestScenarioAllocatorStress covers the allocator-stress case: the
// aligned allocator the correlator's working buffers ride on must keep
// returning correctly aligned, independently freeable buffers under
// many repeated typed allocations across a mix of alignments.
func TestScenarioAllocatorStress(t *testing.T) {
	alignments := []int{1, 8, 16, 32, 64}
	sizes := []int{1, 5, 16, 64, 257}

	for iter := 0; iter < 2000; iter++ {
		alignment := alignments[iter%len(alignments)]
		n := sizes[iter%len(sizes)]

		buf, taps, err := alignedmem.AllocTyped[complex128](n, alignment)
		require.NoError(t, err)
		require.Len(t, taps, n)
		assert.True(t, alignedmem.Aligned(buf, alignment), "iter=%d alignment=%d", iter, alignment)

		for i := range taps {
			taps[i] = complex(float64(i), float64(-i))
		}
		for i := range taps {
			assert.Equal(t, complex(float64(i), float64(-i)), taps[i])
		}
		buf.Free()
	}
}
