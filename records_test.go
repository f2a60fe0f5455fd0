package czmil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Appending a CWF record and reopening the file for sequential read
// recovers the same record, and the header's record count agrees
// (spec.md §8 scenario 1's file-level half, P3).
func TestRegistryCWFAppendReadRoundTrip(t *testing.T) {
	reg := NewRegistry()
	path := filepath.Join(t.TempDir(), "shot.cwf")

	hdr := &Header{HeaderSize: DefaultHeaderSize, CWF: NewCWFFields(LibraryVersion.Major)}
	d, err := reg.Create(path, KindCWF, hdr)
	require.NoError(t, err)

	rec := sampleCWFRecord(hdr.CWF)
	ordinal, err := reg.AppendCWFRecord(d, rec)
	require.NoError(t, err)
	require.Equal(t, int64(0), ordinal)

	require.NoError(t, reg.Close(d))

	rd, err := reg.Open(path, KindCWF, ModeReadOnlySequential)
	require.NoError(t, err)

	n, err := reg.NumRecords(rd)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := reg.ReadCWFRecord(rd, 0)
	require.NoError(t, err)
	require.Equal(t, rec.ShotID, got.ShotID)
	require.Equal(t, rec.Timestamp, got.Timestamp)

	require.NoError(t, reg.Close(rd))
}

// A second CPF append whose timestamp does not strictly increase is
// rejected (P7, spec.md §7 protocol-misuse taxonomy).
func TestRegistryCPFRejectsTimeRegression(t *testing.T) {
	reg := NewRegistry()
	path := filepath.Join(t.TempDir(), "shot.cpf")

	hdr := &Header{HeaderSize: DefaultHeaderSize, CPF: NewCPFFields(LibraryVersion.Major)}
	d, err := reg.Create(path, KindCPF, hdr)
	require.NoError(t, err)

	rec := sampleCPFRecord(hdr.CPF)
	rec.Timestamp = 2_000_000
	_, err = reg.AppendCPFRecord(d, rec)
	require.NoError(t, err)

	rec.Timestamp = 2_000_000 // not strictly greater
	_, err = reg.AppendCPFRecord(d, rec)
	require.Error(t, err)
	require.Equal(t, ErrProtocol, KindOf(err))

	require.NoError(t, reg.Close(d))
}

// Two CWF records appended with identical timestamps: the second is
// silently corrected to first+100μs and every channel's validity flags
// TIMESTAMP_INVALID (spec.md §8 scenario 5).
func TestRegistryCWFTimeRegressionCompensation(t *testing.T) {
	reg := NewRegistry()
	path := filepath.Join(t.TempDir(), "shot.cwf")

	hdr := &Header{HeaderSize: DefaultHeaderSize, CWF: NewCWFFields(LibraryVersion.Major)}
	d, err := reg.Create(path, KindCWF, hdr)
	require.NoError(t, err)

	rec1 := sampleCWFRecord(hdr.CWF)
	rec1.Timestamp = 5_000_000
	_, err = reg.AppendCWFRecord(d, rec1)
	require.NoError(t, err)

	rec2 := sampleCWFRecord(hdr.CWF)
	rec2.Timestamp = 5_000_000
	_, err = reg.AppendCWFRecord(d, rec2)
	require.NoError(t, err)

	require.NoError(t, reg.Close(d))

	rd, err := reg.Open(path, KindCWF, ModeReadOnlySequential)
	require.NoError(t, err)

	got1, err := reg.ReadCWFRecord(rd, 0)
	require.NoError(t, err)
	got2, err := reg.ReadCWFRecord(rd, 1)
	require.NoError(t, err)

	require.Equal(t, rec1.Timestamp, got1.Timestamp)
	require.Equal(t, rec1.Timestamp+timestampRegressionFix, got2.Timestamp)
	for c := range got2.Channels {
		require.NotZero(t, got2.Channels[c].Validity&uint8(ValidityTimestampInvalid), "channel %d", c)
	}

	require.NoError(t, reg.Close(rd))
}
