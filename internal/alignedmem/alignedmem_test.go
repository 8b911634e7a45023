package alignedmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocRejectsInvalidArguments(t *testing.T) {
	_, err := Alloc(0, 32)
	assert.Error(t, err)

	_, err = Alloc(64, 3)
	assert.Error(t, err)

	_, err = Alloc(64, -4)
	assert.Error(t, err)
}

func TestAllocReturnsAlignedBuffer(t *testing.T) {
	for _, alignment := range []int{1, 8, 16, 32, 64} {
		buf, err := Alloc(257, alignment)
		require.NoError(t, err)
		assert.Len(t, buf.Bytes, 257)
		assert.True(t, Aligned(buf, alignment), "alignment=%d", alignment)
	}
}

func TestAllocTypedLawRoundTrip(t *testing.T) {
	buf, taps, err := AllocTyped[complex128](5, 32)
	require.NoError(t, err)
	defer buf.Free()

	assert.Len(t, taps, 5)
	assert.True(t, Aligned(buf, 32))

	for i := range taps {
		taps[i] = complex(float64(i), float64(-i))
	}
	for i := range taps {
		assert.Equal(t, complex(float64(i), float64(-i)), taps[i])
	}
}

func TestFreeIsIdempotentAndNilSafe(t *testing.T) {
	buf, err := Alloc(16, 8)
	require.NoError(t, err)
	buf.Free()
	buf.Free()

	var nilBuf *Buffer
	nilBuf.Free()
}

func TestAlignedOnEmptyBufferIsTrivial(t *testing.T) {
	buf := &Buffer{}
	assert.True(t, Aligned(buf, 32))
}
