package czmil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleCPFRecord(f CPFFields) *CPFRecord {
	rec := &CPFRecord{
		Timestamp:  1_250_000,
		OffNadir:   3.25,
		RefLat:     30.123456,
		RefLon:     -81.234567,
		WaterLevel: 2.5,
		VertDatum:  -0.125,
		UserData:   777,
		Kd:         0.85,
		LaserEnergy: 12.3,
		T0IP:        0.02,
	}
	if f.DIndexBits > 0 {
		rec.DIndexCube = 0.4
	}
	for c := range rec.Channels {
		rec.Channels[c].OptechClass = uint8(c + 1)
		rec.Channels[c].Returns = make([]CPFReturn, 2)
		for ri := range rec.Channels[c].Returns {
			ret := &rec.Channels[c].Returns[ri]
			ret.LatDiff = 0.00001 * float64(ri+1)
			ret.LonDiff = -0.00002 * float64(ri+1)
			ret.Elevation = 10.0 + float64(c)
			ret.Reflectance = 25.0
			ret.UncertaintyH = 0.05
			ret.UncertaintyV = 0.08
			ret.Status = 1
			ret.Classification = 2
			ret.IPOffset = 0.5
			ret.IPRank = uint8(ri)
			if f.OptechClassBits > 0 {
				ret.Probability = 0.9
				ret.FilterReason = 3
			}
			if f.DIndexBits > 0 {
				ret.DIndex = 4
			}
		}
	}
	for i := range rec.BareEarth {
		rec.BareEarth[i] = BareEarthPoint{
			LatDiff:   0.0001 * float64(i),
			LonDiff:   -0.0001 * float64(i),
			Elevation: 5.0 + float64(i),
		}
	}
	return rec
}

const baseLat, baseLon = 30.0, -81.0

// Round-tripping a CPF record recovers every field within its scale's
// quantisation step (P2).
func TestCPFRoundTrip(t *testing.T) {
	f := NewCPFFields(3)
	flightStart := int64(1_000_000)
	rec := sampleCPFRecord(f)
	rec.Channels[4].Returns[1].Classification = 5 // avoid the 0/0 fixup on this return

	body, err := EncodeCPFRecord(rec, f, baseLat, baseLon, flightStart)
	require.NoError(t, err)

	got, err := DecodeCPFRecord(body, f, baseLat, baseLon, flightStart)
	require.NoError(t, err)

	require.Equal(t, rec.Timestamp, got.Timestamp)
	require.InDelta(t, rec.OffNadir, got.OffNadir, 1.0/f.OffNadir.Scale)
	require.InDelta(t, rec.RefLat, got.RefLat, 1.0/f.RefLat.Scale)
	require.InDelta(t, rec.RefLon, got.RefLon, 1.0/f.RefLon.Scale)
	require.InDelta(t, rec.WaterLevel, got.WaterLevel, 1.0/f.WaterLevel.Scale)
	require.Equal(t, rec.UserData, got.UserData)
	require.InDelta(t, rec.Kd, got.Kd, 1.0/f.Kd.Scale)
	require.InDelta(t, rec.DIndexCube, got.DIndexCube, 1.0/f.DIndexCube.Scale)

	for c := range rec.Channels {
		require.Equal(t, rec.Channels[c].OptechClass, got.Channels[c].OptechClass, "channel %d", c)
		for ri := range rec.Channels[c].Returns {
			want := rec.Channels[c].Returns[ri]
			have := got.Channels[c].Returns[ri]
			require.InDelta(t, want.LatDiff, have.LatDiff, 1.0/f.LatDiff.Scale, "channel %d return %d", c, ri)
			require.InDelta(t, want.Elevation, have.Elevation, 1.0/f.Elevation.Scale, "channel %d return %d", c, ri)
			require.Equal(t, want.Status, have.Status, "channel %d return %d", c, ri)
			require.Equal(t, want.DIndex, have.DIndex, "channel %d return %d", c, ri)
		}
	}

	for i := range rec.BareEarth {
		require.InDelta(t, rec.BareEarth[i].Elevation, got.BareEarth[i].Elevation, 1.0/f.BareEarthElev.Scale, "bare-earth %d", i)
	}
}

// A return with elevation = null_z carries an otherwise-undefined,
// non-zero position diff (as a caller deriving diffs from a bogus
// absolute position might produce); the codec itself must force the
// diff to zero rather than pack whatever garbage it was given, so the
// absolute position reads back as exactly the shot reference (spec.md
// §4.4 item 9, §8 scenario 6).
func TestCPFNullZCoercion(t *testing.T) {
	f := NewCPFFields(3)
	rec := sampleCPFRecord(f)
	rec.Channels[0].Returns[0].LatDiff = 0.04
	rec.Channels[0].Returns[0].LonDiff = -0.04
	rec.Channels[0].Returns[0].Elevation = NullZ
	rec.Channels[0].Returns[0].Classification = 7 // avoid the 0/0 fixup

	body, err := EncodeCPFRecord(rec, f, baseLat, baseLon, 1_000_000)
	require.NoError(t, err)
	got, err := DecodeCPFRecord(body, f, baseLat, baseLon, 1_000_000)
	require.NoError(t, err)

	ret := got.Channels[0].Returns[0]
	require.Equal(t, NullZ, ret.Elevation)
	require.InDelta(t, 0.0, ret.LatDiff, 1.0/f.LatDiff.Scale)
	require.InDelta(t, 0.0, ret.LonDiff, 1.0/f.LonDiff.Scale)
}

// A return with classification 0 and ip_rank 0 is reclassified as 41
// on read, the documented lossy fixup (spec.md §4.4, §9 Open Questions).
func TestCPFClassificationFixup(t *testing.T) {
	f := NewCPFFields(3)
	rec := sampleCPFRecord(f)
	rec.Channels[0].Returns[0].Classification = 0
	rec.Channels[0].Returns[0].IPRank = 0
	rec.Channels[0].Returns[1].Classification = 9
	rec.Channels[0].Returns[1].IPRank = 0

	body, err := EncodeCPFRecord(rec, f, baseLat, baseLon, 1_000_000)
	require.NoError(t, err)
	got, err := DecodeCPFRecord(body, f, baseLat, baseLon, 1_000_000)
	require.NoError(t, err)

	require.EqualValues(t, 41, got.Channels[0].Returns[0].Classification)
	require.EqualValues(t, 9, got.Channels[0].Returns[1].Classification)
}

// A header with no v2+ fields reconstructs each channel's optech class
// from its last return's legacy classification, biased by 30 for water
// modes 2-8, and reports d_index/d_index_cube as zero (spec.md §8
// scenario 2).
func TestCPFOptechClassReconstruction(t *testing.T) {
	f := NewCPFFields(1)
	require.Zero(t, f.OptechClassBits)
	require.Zero(t, f.DIndexBits)

	rec := sampleCPFRecord(f)
	rec.Channels[2].Returns[len(rec.Channels[2].Returns)-1].Classification = 4 // water mode
	rec.Channels[2].Returns[len(rec.Channels[2].Returns)-1].IPRank = 1         // avoid the 0/0 fixup

	body, err := EncodeCPFRecord(rec, f, baseLat, baseLon, 1_000_000)
	require.NoError(t, err)
	got, err := DecodeCPFRecord(body, f, baseLat, baseLon, 1_000_000)
	require.NoError(t, err)

	require.EqualValues(t, 0, got.DIndexCube)
	require.EqualValues(t, 4+optechClassWaterBias, got.Channels[2].OptechClass)
	for c := range got.Channels {
		for _, ret := range got.Channels[c].Returns {
			require.EqualValues(t, 0, ret.DIndex)
		}
	}
}

// Two consecutive status-only updates with the same payload produce
// bytewise-identical buffers (P8).
func TestCPFUpdateIdempotent(t *testing.T) {
	f := NewCPFFields(3)
	rec := sampleCPFRecord(f)
	rec.Channels[0].Returns[0].Classification = 6
	body, err := EncodeCPFRecord(rec, f, baseLat, baseLon, 1_000_000)
	require.NoError(t, err)

	counts := make([]int, f.NumChannels)
	for c := range rec.Channels {
		counts[c] = len(rec.Channels[c].Returns)
	}

	updated := rec
	updated.Channels[0].Returns[0].Status = 9
	updated.Channels[0].Returns[0].Classification = 12

	first := append([]byte(nil), body...)
	require.NoError(t, UpdateCPFRecord(first, f, counts, CPFUpdateStatusOnly, updated))

	second := append([]byte(nil), first...)
	require.NoError(t, UpdateCPFRecord(second, f, counts, CPFUpdateStatusOnly, updated))

	require.Equal(t, first, second)
}

// A status-only update leaves every non-modifiable bit position
// unchanged from the originally appended record (P9): decoding after
// the update still recovers the original reflectance and horizontal
// uncertainty values untouched by the update payload.
func TestCPFUpdateStatusOnlyPreservesOtherFields(t *testing.T) {
	f := NewCPFFields(3)
	rec := sampleCPFRecord(f)
	rec.Channels[1].Returns[0].Classification = 6
	body, err := EncodeCPFRecord(rec, f, baseLat, baseLon, 1_000_000)
	require.NoError(t, err)

	counts := make([]int, f.NumChannels)
	for c := range rec.Channels {
		counts[c] = len(rec.Channels[c].Returns)
	}

	updatePayload := sampleCPFRecord(f)
	updatePayload.Channels[1].Returns[0].Status = 5
	updatePayload.Channels[1].Returns[0].Classification = 13
	// Deliberately different from rec, but these fields are not
	// modifiable in this scope and must not leak into the buffer.
	updatePayload.Channels[1].Returns[0].Reflectance = 999.0

	buf := append([]byte(nil), body...)
	require.NoError(t, UpdateCPFRecord(buf, f, counts, CPFUpdateStatusOnly, updatePayload))

	got, err := DecodeCPFRecord(buf, f, baseLat, baseLon, 1_000_000)
	require.NoError(t, err)

	require.EqualValues(t, 5, got.Channels[1].Returns[0].Status)
	require.InDelta(t, rec.Channels[1].Returns[0].Reflectance, got.Channels[1].Returns[0].Reflectance, 1.0/f.Reflectance.Scale)
	require.InDelta(t, rec.Channels[1].Returns[0].UncertaintyH, got.Channels[1].Returns[0].UncertaintyH, 1.0/f.UncertaintyH.Scale)
}
