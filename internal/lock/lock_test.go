package lock

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectorNotFullReturnsZero(t *testing.T) {
	d := NewDetector(20)
	assert.False(t, d.Full())
	assert.Equal(t, 0.0, d.CN0DBHz(0.001))
	assert.Equal(t, 0.0, d.CarrierLockTest())
}

func TestPushReportsWindowCompletion(t *testing.T) {
	d := NewDetector(4)
	for i := 0; i < 3; i++ {
		assert.False(t, d.Push(complex(1, 0)))
	}
	assert.True(t, d.Push(complex(1, 0)))
	assert.True(t, d.Full())

	// The window is a batch accumulator: the next 3 pushes do not
	// complete it again, only the 4th does.
	assert.False(t, d.Push(complex(1, 0)))
	assert.False(t, d.Push(complex(1, 0)))
	assert.False(t, d.Push(complex(1, 0)))
	assert.True(t, d.Push(complex(1, 0)))
}

func TestCN0DBHzBoundsForStrongCleanSignal(t *testing.T) {
	d := NewDetector(20)
	for i := 0; i < 20; i++ {
		d.Push(complex(10, 0))
	}
	require.True(t, d.Full())
	cn0 := d.CN0DBHz(0.001)
	assert.GreaterOrEqual(t, cn0, 0.0)
	assert.LessOrEqual(t, cn0, 60.0)
}

func TestCN0DBHzZeroForNoisyZeroMeanWindow(t *testing.T) {
	d := NewDetector(4)
	d.Push(complex(1, 0))
	d.Push(complex(-1, 0))
	d.Push(complex(1, 0))
	d.Push(complex(-1, 0))
	require.True(t, d.Full())
	// A zero-mean alternating window drives NBD toward zero, which
	// clamps NP to its floor and produces the lowest possible C/N0.
	cn0 := d.CN0DBHz(0.001)
	assert.Equal(t, 0.0, cn0)
}

func TestCarrierLockTestNearOneForPureRealPrompt(t *testing.T) {
	d := NewDetectorOverBuffer(make([]complex128, 8))
	for i := 0; i < 8; i++ {
		d.Push(complex(1, 0))
	}
	require.True(t, d.Full())
	assert.InDelta(t, 1.0, d.CarrierLockTest(), 1e-9)
}

func TestCarrierLockTestNegativeOneForPureImaginaryPrompt(t *testing.T) {
	d := NewDetector(8)
	for i := 0; i < 8; i++ {
		d.Push(complex(0, 1))
	}
	require.True(t, d.Full())
	assert.InDelta(t, -1.0, d.CarrierLockTest(), 1e-9)
}

func TestCN0DBHzTaperedBoundsForStrongCleanSignal(t *testing.T) {
	d := NewDetector(20)
	for i := 0; i < 20; i++ {
		d.Push(complex(10, 0))
	}
	require.True(t, d.Full())
	cn0 := d.CN0DBHzTapered(0.001)
	assert.GreaterOrEqual(t, cn0, 0.0)
	assert.LessOrEqual(t, cn0, 60.0)
}

func TestCarrierLockTestIdempotentAcrossRepeatedWindow(t *testing.T) {
	d1 := NewDetector(5)
	d2 := NewDetector(5)
	window := []complex128{complex(1, 0.2), complex(0.9, -0.1), complex(1.1, 0.05), complex(0.95, 0.1), complex(1.05, -0.2)}
	for _, p := range window {
		d1.Push(p)
	}
	for _, p := range window {
		d2.Push(p)
	}
	assert.Equal(t, d1.CarrierLockTest(), d2.CarrierLockTest())
	assert.False(t, math.IsNaN(d1.CarrierLockTest()))
}
