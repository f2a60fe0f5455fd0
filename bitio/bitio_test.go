package bitio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRoundTripAllWidths exercises P1: for every width 1-32 and every
// starting bit offset 0-7, pack then unpack recovers every value
// (sampled, since 2^32 values per width would be excessive).
func TestRoundTripAllWidths(t *testing.T) {
	for width := uint(1); width <= 32; width++ {
		max := MaxValue(width)
		samples := []uint64{0, max}
		if max > 2 {
			samples = append(samples, max/2, max/2+1, 1)
		}

		for off := 0; off < 8; off++ {
			for _, v := range samples {
				buf := make([]byte, BitLen(off, width)+1)
				Pack(buf, off, width, uint32(v))
				got := Unpack(buf, off, width)
				require.Equalf(t, uint32(v), got, "width=%d off=%d v=%d", width, off, v)
			}
		}
	}
}

// TestPackDoesNotTouchOutsideBytes verifies the contract that bytes
// outside the target bit range are left untouched.
func TestPackDoesNotTouchOutsideBytes(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0xFF}
	Pack(buf, 8, 8, 0x00)
	require.Equal(t, byte(0xFF), buf[0])
	require.Equal(t, byte(0x00), buf[1])
	require.Equal(t, byte(0xFF), buf[2])
}

// TestByteAlignedMatchesBigEndian checks the contract that byte-aligned
// packs at widths {8,16,24,32} reproduce big-endian serialisation,
// which the length-prefix framing relies on.
func TestByteAlignedMatchesBigEndian(t *testing.T) {
	cases := []struct {
		width uint
		value uint32
		want  []byte
	}{
		{8, 0xAB, []byte{0xAB}},
		{16, 0xABCD, []byte{0xAB, 0xCD}},
		{24, 0xABCDEF, []byte{0xAB, 0xCD, 0xEF}},
		{32, 0xABCDEF01, []byte{0xAB, 0xCD, 0xEF, 0x01}},
	}

	for _, c := range cases {
		buf := make([]byte, len(c.want))
		Pack(buf, 0, c.width, c.value)
		require.Equal(t, c.want, buf)
		require.Equal(t, c.value, Unpack(buf, 0, c.width))
	}
}

func TestWideRoundTrip(t *testing.T) {
	for width := uint(33); width <= 64; width++ {
		max := MaxValue(width)
		samples := []uint64{0, max, max / 3, 12345678901234}
		for off := 0; off < 8; off++ {
			buf := make([]byte, (off+int(width))/8+2)
			for _, v := range samples {
				if v > max {
					continue
				}
				PackWide(buf, off, width, v)
				got := UnpackWide(buf, off, width)
				require.Equalf(t, v, got, "width=%d off=%d v=%d", width, off, v)
			}
		}
	}
}

func TestMaxValue(t *testing.T) {
	require.Equal(t, uint64(1), MaxValue(1))
	require.Equal(t, uint64(0x3FF), MaxValue(10))
	require.Equal(t, uint64(0xFFFFFFFF), MaxValue(32))
}
