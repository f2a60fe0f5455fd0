package czmil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Carries a CWF+CPF pair through the full create lifecycle (CreateCWF,
// CloseCWFCreate, OpenCPFCreate, CloseCPFCreate) and confirms the CIF
// born from the CWF side resolves both files' records by ordinal
// through OpenPairedRead (P3, P5).
func TestPipelineCreateAndPairedRead(t *testing.T) {
	dir := t.TempDir()
	cwfPath := filepath.Join(dir, "line001.cwf")
	cpfPath := filepath.Join(dir, "line001.cpf")

	reg := NewRegistry()

	cwfHdr := &Header{HeaderSize: DefaultHeaderSize, CWF: NewCWFFields(LibraryVersion.Major)}
	cwfD, cifD, err := CreateCWF(reg, cwfPath, cwfHdr)
	require.NoError(t, err)

	const n = 5
	cwfRecs := make([]*CWFRecord, n)
	for i := 0; i < n; i++ {
		rec := sampleCWFRecord(cwfHdr.CWF)
		rec.Timestamp = int64(1_000_000 + i*10_000)
		rec.ShotID = uint32(i)
		cwfRecs[i] = rec
		_, err := reg.AppendCWFRecord(cwfD, rec)
		require.NoError(t, err)
	}
	require.NoError(t, CloseCWFCreate(reg, cwfPath, cwfD, cifD))

	cpfHdr := &Header{HeaderSize: DefaultHeaderSize, CPF: NewCPFFields(LibraryVersion.Major)}
	cpfD, cifD2, err := OpenCPFCreate(reg, cwfPath, cpfPath, cpfHdr)
	require.NoError(t, err)

	cpfRecs := make([]*CPFRecord, n)
	for i := 0; i < n; i++ {
		rec := sampleCPFRecord(cpfHdr.CPF)
		rec.Timestamp = int64(1_000_000 + i*10_000)
		rec.Channels[4].Returns[1].Classification = 5
		cpfRecs[i] = rec
		_, err := reg.AppendCPFRecord(cpfD, rec)
		require.NoError(t, err)
	}
	require.NoError(t, CloseCPFCreate(reg, cwfPath, cpfD, cifD2))

	require.FileExists(t, filepath.Join(dir, "line001.cif"))
	require.NoFileExists(t, filepath.Join(dir, "line001.cwi"))
	require.NoFileExists(t, filepath.Join(dir, "line001.cif.tmp"))

	rcwfD, rcpfD, rcifD, err := OpenPairedRead(reg, cwfPath, cpfPath, false)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		gotCWF, err := reg.ReadCWFRecord(rcwfD, int64(i))
		require.NoError(t, err)
		require.Equal(t, cwfRecs[i].ShotID, gotCWF.ShotID)
		require.Equal(t, cwfRecs[i].Timestamp, gotCWF.Timestamp)

		gotCPF, err := reg.ReadCPFRecord(rcpfD, int64(i))
		require.NoError(t, err)
		require.Equal(t, cpfRecs[i].Timestamp, gotCPF.Timestamp)
	}

	require.NoError(t, reg.Close(rcwfD))
	require.NoError(t, reg.Close(rcpfD))
	require.NoError(t, reg.Close(rcifD))
}

// Deleting the finished .cif and reopening the pair for read rebuilds
// it by rescanning both record streams, and the last CPF record
// (ordinal 17) reads back identically to before the deletion
// (spec.md §8 scenario 3).
func TestPipelineCIFRebuildAfterDeletion(t *testing.T) {
	dir := t.TempDir()
	cwfPath := filepath.Join(dir, "line002.cwf")
	cpfPath := filepath.Join(dir, "line002.cpf")

	reg := NewRegistry()

	cwfHdr := &Header{HeaderSize: DefaultHeaderSize, CWF: NewCWFFields(LibraryVersion.Major)}
	cwfD, cifD, err := CreateCWF(reg, cwfPath, cwfHdr)
	require.NoError(t, err)

	const n = 18
	for i := 0; i < n; i++ {
		rec := sampleCWFRecord(cwfHdr.CWF)
		rec.Timestamp = int64(1_000_000 + i*10_000)
		rec.ShotID = uint32(i + 1)
		_, err := reg.AppendCWFRecord(cwfD, rec)
		require.NoError(t, err)
	}
	require.NoError(t, CloseCWFCreate(reg, cwfPath, cwfD, cifD))

	cpfHdr := &Header{HeaderSize: DefaultHeaderSize, CPF: NewCPFFields(LibraryVersion.Major)}
	cpfD, cifD2, err := OpenCPFCreate(reg, cwfPath, cpfPath, cpfHdr)
	require.NoError(t, err)

	var want *CPFRecord
	for i := 0; i < n; i++ {
		rec := sampleCPFRecord(cpfHdr.CPF)
		rec.Timestamp = int64(1_000_000 + i*10_000)
		rec.Channels[4].Returns[1].Classification = 5
		rec.WaterLevel = float64(i)
		if i == 17 {
			want = rec
		}
		_, err := reg.AppendCPFRecord(cpfD, rec)
		require.NoError(t, err)
	}
	require.NoError(t, CloseCPFCreate(reg, cwfPath, cpfD, cifD2))

	cifPath := filepath.Join(dir, "line002.cif")
	require.FileExists(t, cifPath)

	beforeCwfD, beforeCpfD, beforeCifD, err := OpenPairedRead(reg, cwfPath, cpfPath, false)
	require.NoError(t, err)
	before, err := reg.ReadCPFRecord(beforeCpfD, 17)
	require.NoError(t, err)
	require.NoError(t, reg.Close(beforeCwfD))
	require.NoError(t, reg.Close(beforeCpfD))
	require.NoError(t, reg.Close(beforeCifD))

	require.NoError(t, os.Remove(cifPath))
	require.NoFileExists(t, cifPath)

	rcwfD, rcpfD, rcifD, err := OpenPairedRead(reg, cwfPath, cpfPath, false)
	require.NoError(t, err)
	require.FileExists(t, cifPath)

	got, err := reg.ReadCPFRecord(rcpfD, 17)
	require.NoError(t, err)
	require.Equal(t, before.Timestamp, got.Timestamp)
	require.InDelta(t, before.WaterLevel, got.WaterLevel, 1.0/cpfHdr.CPF.WaterLevel.Scale)
	require.Equal(t, want.Timestamp, got.Timestamp)

	require.NoError(t, reg.Close(rcwfD))
	require.NoError(t, reg.Close(rcpfD))
	require.NoError(t, reg.Close(rcifD))
}
