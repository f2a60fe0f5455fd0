// Package seqio provides a read-ahead buffered scanner for walking a
// length-prefixed record stream from front to back, the access
// pattern CIF rebuilds and sequential-mode descriptors need but the
// registry's random-access readAt/readNext helpers don't optimise for.
package seqio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// lengthPrefixBytes is the size of the big-endian record-length prefix
// every CWF/CPF record is framed with.
const lengthPrefixBytes = 4

// defaultBufSize (256 KiB) is large enough to amortise the syscall
// cost of scanning a multi-gigabyte CWF while holding at most that
// many bytes of unread records in memory at a time.
const defaultBufSize = 256 * 1024

// Record describes one length-prefixed record found during a scan:
// its ordinal position in the stream, the byte offset of its length
// prefix, and the declared size of its body (prefix excluded).
type Record struct {
	Ordinal int64
	Offset  int64
	Size    uint32
}

// Scanner walks a length-prefixed record stream sequentially, buffering
// reads so that small per-record length prefixes don't each cost a
// separate Read syscall the way a ReadAt-per-record scan would.
type Scanner struct {
	r       *bufio.Reader
	pos     int64
	ordinal int64
}

// NewScanner wraps r, whose current position is startOffset (the
// caller is responsible for having seeked there, e.g. past a file
// header), for a sequential walk of the records that follow.
func NewScanner(r io.Reader, startOffset int64) *Scanner {
	return &Scanner{
		r:   bufio.NewReaderSize(r, defaultBufSize),
		pos: startOffset,
	}
}

// Tell reports the scanner's current position in the stream, the
// offset the next call to Next will read its length prefix from.
func (s *Scanner) Tell() int64 {
	return s.pos
}

// Next reads the next record's length prefix and returns its metadata
// without reading the body, leaving the body in the buffered reader
// for a subsequent Skip or Body call. It returns io.EOF, unwrapped,
// once the stream ends cleanly on a prefix boundary.
func (s *Scanner) Next() (Record, error) {
	var lenBuf [lengthPrefixBytes]byte
	n, err := io.ReadFull(s.r, lenBuf[:])
	if err == io.EOF && n == 0 {
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, fmt.Errorf("seqio: reading length prefix at offset %d: %w", s.pos, err)
	}

	size := binary.BigEndian.Uint32(lenBuf[:])
	rec := Record{Ordinal: s.ordinal, Offset: s.pos, Size: size}
	s.pos += lengthPrefixBytes
	s.ordinal++
	return rec, nil
}

// Skip discards a record's n-byte body, advancing past it without
// allocating a buffer to hold it. Callers that only need offsets and
// sizes (a CIF rebuild) use this instead of Body.
func (s *Scanner) Skip(n uint32) error {
	discarded, err := io.CopyN(io.Discard, s.r, int64(n))
	s.pos += discarded
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return fmt.Errorf("seqio: skipping %d-byte record body at offset %d: %w", n, s.pos-discarded, err)
	}
	return nil
}

// Body reads and returns a record's n-byte body in full.
func (s *Scanner) Body(n uint32) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(s.r, buf)
	s.pos += int64(read)
	if err != nil {
		return nil, fmt.Errorf("seqio: reading %d-byte record body at offset %d: %w", n, s.pos-int64(read), err)
	}
	return buf, nil
}

// ScanAll walks every record in r starting at startOffset and returns
// each one's offset and declared size, without holding any record
// body in memory. progress, if non-nil, is called after each record
// with the count scanned so far, the way Registry.SetProgress reports
// CIF-rebuild progress to a caller.
func ScanAll(r io.Reader, startOffset int64, progress func(done int64)) ([]Record, error) {
	s := NewScanner(r, startOffset)
	var records []Record
	for {
		rec, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := s.Skip(rec.Size); err != nil {
			return nil, err
		}
		records = append(records, rec)
		if progress != nil {
			progress(int64(len(records)))
		}
	}
	return records, nil
}
