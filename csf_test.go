package czmil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleCSFRecord(f CSFFields) *CSFRecord {
	rec := &CSFRecord{
		Timestamp: 1_300_000,
		ScanAngle: -8.5,
		Lat:       30.05,
		Lon:       -81.02,
		Altitude:  612.4,
		Roll:      1.2,
		Pitch:     -0.6,
		Heading:   145.3,
	}
	for c := 0; c < f.NumChannels; c++ {
		rec.Range[c] = 25.0 + float64(c)
		if f.InWaterRange.Bits > 0 {
			rec.InWaterRange[c] = 4.0 + float64(c)*0.1
			rec.Intensity[c] = 100.0 + float64(c)
			rec.InWaterIntensity[c] = 50.0 + float64(c)
		}
	}
	return rec
}

// Round-tripping a CSF record recovers every field within its scale's
// quantisation step (P2).
func TestCSFRoundTrip(t *testing.T) {
	f := NewCSFFields(2)
	flightStart := int64(1_000_000)
	rec := sampleCSFRecord(f)

	body, err := EncodeCSFRecord(rec, f, baseLat, baseLon, flightStart)
	require.NoError(t, err)
	require.Len(t, body, CSFRecordBytes(f))

	got, err := DecodeCSFRecord(body, f, baseLat, baseLon, flightStart)
	require.NoError(t, err)

	require.Equal(t, rec.Timestamp, got.Timestamp)
	require.InDelta(t, rec.ScanAngle, got.ScanAngle, 1.0/f.ScanAngle.Scale)
	require.InDelta(t, rec.Lat, got.Lat, 1.0/f.Lat.Scale)
	require.InDelta(t, rec.Lon, got.Lon, 1.0/f.Lon.Scale)
	require.InDelta(t, rec.Altitude, got.Altitude, 1.0/f.Altitude.Scale)
	require.InDelta(t, rec.Heading, got.Heading, 1.0/f.Heading.Scale)
	for c := 0; c < f.NumChannels; c++ {
		require.InDelta(t, rec.Range[c], got.Range[c], 1.0/f.Range.Scale, "channel %d", c)
		require.InDelta(t, rec.InWaterRange[c], got.InWaterRange[c], 1.0/f.InWaterRange.Scale, "channel %d", c)
		require.InDelta(t, rec.Intensity[c], got.Intensity[c], 1.0/f.Intensity.Scale, "channel %d", c)
	}
}

// A v1 header (no in-water fields) round-trips the core fields and
// leaves the v2+ arrays zero on both sides.
func TestCSFRoundTripV1(t *testing.T) {
	f := NewCSFFields(1)
	require.Zero(t, f.InWaterRange.Bits)
	rec := sampleCSFRecord(f)

	body, err := EncodeCSFRecord(rec, f, baseLat, baseLon, 0)
	require.NoError(t, err)
	got, err := DecodeCSFRecord(body, f, baseLat, baseLon, 0)
	require.NoError(t, err)

	require.Zero(t, got.InWaterRange[0])
	require.InDelta(t, rec.Altitude, got.Altitude, 1.0/f.Altitude.Scale)
}

// A CSF record timestamped before flight start is rejected rather than
// silently wrapping to a negative elapsed offset.
func TestCSFRejectsTimestampBeforeFlightStart(t *testing.T) {
	f := NewCSFFields(2)
	rec := sampleCSFRecord(f)
	rec.Timestamp = 500

	_, err := EncodeCSFRecord(rec, f, baseLat, baseLon, 1_000_000)
	require.Error(t, err)
	require.Equal(t, ErrValueRange, KindOf(err))
}
