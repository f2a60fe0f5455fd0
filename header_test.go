package czmil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleCWFHeader() *Header {
	h := &Header{
		Kind:                  KindCWF,
		Version:               LibraryVersion,
		HeaderSize:            4096,
		CreationTimestamp:     1_700_000_000_000_000,
		ModificationTimestamp: 1_700_000_001_000_000,
		NumberOfRecords:       3,
		FileSize:              123456,
		CWF:                   NewCWFFields(LibraryVersion.Major),
	}
	h.BBox.Extend(30.0, -81.0, &h.bboxSeen)
	h.BBox.Extend(30.5, -80.5, &h.bboxSeen)
	h.Flight.Extend(1_700_000_000_000_000)
	h.Flight.Extend(1_700_000_050_000_000)
	return h
}

// Writing then reading a header recovers every canonical field
// exactly, and preserves an application tag byte-for-byte (spec.md §8
// scenario 1's header half, and P6).
func TestHeaderRoundTrip(t *testing.T) {
	h := sampleCWFHeader()
	require.NoError(t, h.AddAppTag("PROJECT", []string{"Example Survey 2026"}, false))
	require.NoError(t, h.AddAppTag("NOTES", []string{"line one", "line two"}, true))

	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, h))
	require.LessOrEqual(t, buf.Len(), h.HeaderSize)

	got, err := ReadHeader(&buf, KindCWF)
	require.NoError(t, err)

	require.Equal(t, h.Version, got.Version)
	require.Equal(t, h.CreationTimestamp, got.CreationTimestamp)
	require.Equal(t, h.ModificationTimestamp, got.ModificationTimestamp)
	require.Equal(t, h.NumberOfRecords, got.NumberOfRecords)
	require.Equal(t, h.HeaderSize, got.HeaderSize)
	require.Equal(t, h.FileSize, got.FileSize)
	require.InDelta(t, h.BBox.MinLat, got.BBox.MinLat, 1e-6)
	require.InDelta(t, h.BBox.MaxLon, got.BBox.MaxLon, 1e-6)
	require.Equal(t, h.Flight.StartMicros, got.Flight.StartMicros)
	require.Equal(t, h.Flight.EndMicros, got.Flight.EndMicros)
	require.Equal(t, h.CWF.RangeBits, got.CWF.RangeBits)
	require.Equal(t, h.CWF.RangeScale, got.CWF.RangeScale)

	body, ok := got.GetAppTag("PROJECT")
	require.True(t, ok)
	require.Equal(t, []string{"Example Survey 2026"}, body)

	notes, ok := got.GetAppTag("NOTES")
	require.True(t, ok)
	require.Equal(t, []string{"line one", "line two"}, notes)
}

func TestAppTagLifecycle(t *testing.T) {
	h := &Header{Kind: KindCAF}

	require.NoError(t, h.AddAppTag("OPERATOR", []string{"jdoe"}, false))
	require.Error(t, h.AddAppTag("OPERATOR", []string{"other"}, false))

	require.NoError(t, h.UpdateAppTag("OPERATOR", []string{"asmith"}))
	body, ok := h.GetAppTag("OPERATOR")
	require.True(t, ok)
	require.Equal(t, []string{"asmith"}, body)

	require.NoError(t, h.DeleteAppTag("OPERATOR"))
	_, ok = h.GetAppTag("OPERATOR")
	require.False(t, ok)

	require.Error(t, h.DeleteAppTag("OPERATOR"))
	require.Error(t, h.UpdateAppTag("MISSING", nil))
}

// An application tag whose name collides with a canonical header field
// is rejected outright (invariant I7).
func TestAppTagReservedNameRejected(t *testing.T) {
	h := &Header{Kind: KindCWF}
	err := h.AddAppTag("base latitude", []string{"1"}, false)
	require.Error(t, err)
	require.Equal(t, ErrProtocol, KindOf(err))
}

func TestFlightDayOfYearRoundTrip(t *testing.T) {
	h := sampleCWFHeader()
	year, doy := h.FlightDayOfYear()

	month, day := FlightCalendarDate(year, doy)
	require.GreaterOrEqual(t, month, 1)
	require.LessOrEqual(t, month, 12)
	require.Greater(t, day, 0.0)

	want := microsToTime(h.Flight.StartMicros).UTC()
	require.Equal(t, int(want.Month()), month)
	require.Equal(t, float64(want.Day()), day)
}

func TestReadHeaderRejectsMissingMagic(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader([]byte("not a czmil file\n")), KindCWF)
	require.Error(t, err)
	require.Equal(t, ErrCorrupt, KindOf(err))
}
