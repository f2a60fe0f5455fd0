package czmil

import (
	"encoding/binary"
	"io"

	"github.com/jalbtcx/go-czmil/seqio"
)

// cifRowBytes is the fixed, byte-aligned size of one CIF row: two wide
// file offsets and two record sizes (spec.md §4.5's "trivial fixed
// 4-field codec").
const cifRowBytes = 20

// CIFRow is one side-index entry mapping a shot ordinal to its byte
// range in the paired CWF and CPF files.
type CIFRow struct {
	CWFOffset uint64
	CPFOffset uint64
	CWFSize   uint16
	CPFSize   uint16
}

// EncodeCIFRow packs row into its fixed 20-byte on-disk form.
func EncodeCIFRow(row CIFRow) []byte {
	buf := make([]byte, cifRowBytes)
	binary.BigEndian.PutUint64(buf[0:8], row.CWFOffset)
	binary.BigEndian.PutUint64(buf[8:16], row.CPFOffset)
	binary.BigEndian.PutUint16(buf[16:18], row.CWFSize)
	binary.BigEndian.PutUint16(buf[18:20], row.CPFSize)
	return buf
}

// DecodeCIFRow unpacks a 20-byte CIF row buffer.
func DecodeCIFRow(buf []byte) CIFRow {
	return CIFRow{
		CWFOffset: binary.BigEndian.Uint64(buf[0:8]),
		CPFOffset: binary.BigEndian.Uint64(buf[8:16]),
		CWFSize:   binary.BigEndian.Uint16(buf[16:18]),
		CPFSize:   binary.BigEndian.Uint16(buf[18:20]),
	}
}

// CIFIndex manages one open CIF (or, mid-lifecycle, CWI) file: rows
// are written and rewritten in place rather than appended once and
// left alone, because a CWF append writes a fresh row and the later,
// paired CPF append rewrites that same row's cpf_offset/cpf_size
// (spec.md §4.5's "Overwritten when the CPF side of a shot is
// appended"). That access pattern doesn't fit file.go's sequential
// write-accumulator, so CIFIndex addresses rows directly by ordinal
// instead of going through appendRecord.
type CIFIndex struct {
	reg *Registry
	d   Descriptor

	lastOrdinal int64
	lastRow     CIFRow
	haveLast    bool
}

// NewCIFIndex wraps an already-open CIF descriptor d for row-level
// access.
func NewCIFIndex(reg *Registry, d Descriptor) *CIFIndex {
	return &CIFIndex{reg: reg, d: d}
}

func (idx *CIFIndex) rowOffset(fh *fileHandle, ordinal int64) int64 {
	return int64(fh.header.HeaderSize) + ordinal*cifRowBytes
}

// ReadRow returns the row at ordinal. It short-circuits the I/O when
// the caller re-requests the row it just read, the common access
// pattern of reading a CWF record's row immediately followed by its
// paired CPF row (spec.md §4.5).
func (idx *CIFIndex) ReadRow(ordinal int64) (CIFRow, error) {
	if idx.haveLast && idx.lastOrdinal == ordinal {
		return idx.lastRow, nil
	}
	fh, err := idx.reg.handle(idx.d)
	if err != nil {
		return CIFRow{}, err
	}
	buf := make([]byte, cifRowBytes)
	if _, err := fh.f.ReadAt(buf, idx.rowOffset(fh, ordinal)); err != nil {
		return CIFRow{}, idx.reg.setLastError(ioErr(fh.path, "reading CIF row", err))
	}
	row := DecodeCIFRow(buf)
	idx.lastOrdinal = ordinal
	idx.lastRow = row
	idx.haveLast = true
	return row, nil
}

// WriteRow writes or overwrites the row at ordinal.
func (idx *CIFIndex) WriteRow(ordinal int64, row CIFRow) error {
	fh, err := idx.reg.handle(idx.d)
	if err != nil {
		return err
	}
	buf := EncodeCIFRow(row)
	if _, err := fh.f.WriteAt(buf, idx.rowOffset(fh, ordinal)); err != nil {
		return idx.reg.setLastError(ioErr(fh.path, "writing CIF row", err))
	}
	if ordinal+1 > fh.recordOrdinal {
		fh.recordOrdinal = ordinal + 1
		fh.header.NumberOfRecords = fh.recordOrdinal
	}
	idx.lastOrdinal = ordinal
	idx.lastRow = row
	idx.haveLast = true
	fh.dirty = true
	return nil
}

// RebuildCIF rescans a CWF stream and, if present, a paired CPF
// stream, reading each record's 32-bit length prefix to recompute
// every row from scratch. Used when a file set is opened and no valid
// *.cif can be found (spec.md §4.6's CIF-regeneration path, invariant
// I1).
func RebuildCIF(cwf io.ReadSeeker, cwfHeaderSize int64, cpf io.ReadSeeker, cpfHeaderSize int64) ([]CIFRow, error) {
	cwfRecs, err := scanLengthPrefixed(cwf, cwfHeaderSize)
	if err != nil {
		return nil, err
	}

	var cpfRecs []seqio.Record
	if cpf != nil {
		cpfRecs, err = scanLengthPrefixed(cpf, cpfHeaderSize)
		if err != nil {
			return nil, err
		}
	}

	rows := make([]CIFRow, len(cwfRecs))
	for i, rec := range cwfRecs {
		rows[i] = CIFRow{
			CWFOffset: uint64(rec.Offset),
			CWFSize:   uint16(rec.Size),
		}
		if i < len(cpfRecs) {
			rows[i].CPFOffset = uint64(cpfRecs[i].Offset)
			rows[i].CPFSize = uint16(cpfRecs[i].Size)
		}
	}
	return rows, nil
}

// scanLengthPrefixed walks a variable-length record stream starting at
// startOffset, using a seqio.Scanner to read each record's leading
// 4-byte big-endian length prefix and skip its body without buffering
// it, until the stream ends on a prefix boundary.
func scanLengthPrefixed(r io.ReadSeeker, startOffset int64) ([]seqio.Record, error) {
	if _, err := r.Seek(startOffset, io.SeekStart); err != nil {
		return nil, corruptErr("", "seeking to start of record stream for CIF rebuild", err)
	}
	recs, err := seqio.ScanAll(r, startOffset, nil)
	if err != nil {
		return nil, corruptErr("", "reading CIF-rebuild length prefix", err)
	}
	return recs, nil
}
