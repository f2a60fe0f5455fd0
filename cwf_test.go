package czmil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleCWFRecord(f CWFFields) *CWFRecord {
	rec := &CWFRecord{
		ShotID:    42,
		Timestamp: 1_000_000,
		ScanAngle: -12.5,
	}
	for c := 0; c < f.NumChannels; c++ {
		ch := &rec.Channels[c]
		ch.Range = 15.0 + float64(c)
		ch.Validity = uint8(ValidityOK)
		ch.Packets = make([]CWFPacket, 2)
		for pi := range ch.Packets {
			for i := 0; i < packetSamples; i++ {
				ch.Packets[pi].Samples[i] = uint16((i*7 + pi*3 + c) % 1000)
			}
		}
	}
	for i := 0; i < packetSamples; i++ {
		rec.T0.Samples[i] = uint16((i*11 + 3) % 1000)
	}
	return rec
}

// Round-tripping a CWF record with two packets on each of its nine
// channels recovers every field, scaled fields to within one
// quantisation step.
func TestCWFRoundTrip(t *testing.T) {
	f := NewCWFFields(2)
	flightStart := int64(900_000)
	rec := sampleCWFRecord(f)

	body, err := EncodeCWFRecord(rec, f, flightStart)
	require.NoError(t, err)

	got, err := DecodeCWFRecord(body, f, flightStart)
	require.NoError(t, err)

	require.Equal(t, rec.ShotID, got.ShotID)
	require.Equal(t, rec.Timestamp, got.Timestamp)
	require.InDelta(t, rec.ScanAngle, got.ScanAngle, 1.0/f.ScanAngleScale)
	for c := 0; c < f.NumChannels; c++ {
		require.InDelta(t, rec.Channels[c].Range, got.Channels[c].Range, 1.0/f.RangeScale, "channel %d", c)
		require.Equal(t, rec.Channels[c].Validity, got.Channels[c].Validity, "channel %d", c)
		require.Equal(t, rec.Channels[c].Packets, got.Channels[c].Packets, "channel %d", c)
	}
	require.Equal(t, CWFFirstDiff, got.T0.Type)
	require.Equal(t, rec.T0.Samples, got.T0.Samples)
}

// Type 3 ("shallow central" diff against channel 1 of the same packet)
// is only ever chosen for 1-indexed channels 2-7 (0-indexed 1-6), even
// when channels 8-9 (0-indexed 7-8) would otherwise compress best
// against channel 0 (spec.md §4.3 item 3, P4).
func TestCentralDiffRestrictedToChannels2Through7(t *testing.T) {
	f := NewCWFFields(2)
	rec := &CWFRecord{ShotID: 1, Timestamp: 1_000_000, ScanAngle: 0}
	for c := 0; c < f.NumChannels; c++ {
		rec.Channels[c].Packets = make([]CWFPacket, 1)
		for i := 0; i < packetSamples; i++ {
			// Every channel matches channel 0 exactly, so central diff
			// against channel 0 would always win if it were considered.
			rec.Channels[c].Packets[0].Samples[i] = uint16(i)
		}
	}

	body, err := EncodeCWFRecord(rec, f, 0)
	require.NoError(t, err)
	got, err := DecodeCWFRecord(body, f, 0)
	require.NoError(t, err)

	for c := 1; c <= 6; c++ {
		require.Equal(t, CWFCentralDiff, got.Channels[c].Packets[0].Type, "channel %d", c)
	}
	for _, c := range []int{0, 7, 8} {
		require.NotEqual(t, CWFCentralDiff, got.Channels[c].Packets[0].Type, "channel %d", c)
	}
}

// Writing MCWP null range in one channel round-trips as exactly -1.0,
// not as range_max/scale (spec.md §8 scenario 4).
func TestCWFRangeSentinelRoundTrip(t *testing.T) {
	f := NewCWFFields(2)
	flightStart := int64(0)
	rec := sampleCWFRecord(f)
	rec.Channels[3].Range = MCWPNullRange
	rec.Channels[3].Packets = rec.Channels[3].Packets[:2]

	body, err := EncodeCWFRecord(rec, f, flightStart)
	require.NoError(t, err)

	got, err := DecodeCWFRecord(body, f, flightStart)
	require.NoError(t, err)

	require.Equal(t, MCWPNullRange, got.Channels[3].Range)
	for c := 0; c < f.NumChannels; c++ {
		if c == 3 {
			continue
		}
		require.NotEqual(t, MCWPNullRange, got.Channels[c].Range, "channel %d", c)
	}
}

// A channel whose range is never set (the zero value) is not
// mistakenly treated as the null sentinel on encode.
func TestCWFRangeZeroIsNotSentinel(t *testing.T) {
	f := NewCWFFields(2)
	rec := sampleCWFRecord(f)
	rec.Channels[0].Range = 0
	rec.Channels[0].Packets = rec.Channels[0].Packets[:1]

	body, err := EncodeCWFRecord(rec, f, 0)
	require.NoError(t, err)

	got, err := DecodeCWFRecord(body, f, 0)
	require.NoError(t, err)
	require.InDelta(t, 0.0, got.Channels[0].Range, 1.0/f.RangeScale)
}

func TestZigzagRoundTrip(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 12345, -12345, 1 << 20, -(1 << 20)} {
		require.Equal(t, v, zigzagDecode(zigzagEncode(v)))
	}
}

// A constant-valued packet has zero-width first-differences, which
// beats every other encoding strictly, not just on a tie.
func TestDeltaWidthPicksSmallestEncoding(t *testing.T) {
	samples := [packetSamples]uint16{}
	for i := range samples {
		samples[i] = 100
	}
	pkt, _, width := encodePacket(samples, 10, nil)
	require.Equal(t, CWFFirstDiff, pkt.Type)
	require.Equal(t, uint(0), width)
}

// resolveCWFTimestamp silently corrects a regressed timestamp instead
// of rejecting it, and flags the record for the caller (spec.md §8
// scenario 5, invariant I4's CWF branch).
func TestResolveCWFTimestampRegression(t *testing.T) {
	fh := &fileHandle{haveTimestamp: true, lastTimestamp: 5_000_000}

	resolved, corrected := resolveCWFTimestamp(fh, 4_000_000)
	require.True(t, corrected)
	require.Equal(t, fh.lastTimestamp+timestampRegressionFix, resolved)

	resolved, corrected = resolveCWFTimestamp(fh, 6_000_000)
	require.False(t, corrected)
	require.Equal(t, int64(6_000_000), resolved)
}
