package czmil

import (
	"io"
	"os"
	"path/filepath"
	"time"
)

// Descriptor identifies one open CZMIL file to the exported
// Read/Write/Close operations. It is an index into a Registry's
// descriptor table, mirroring the legacy library's small integer
// file handles (spec.md §4.6).
type Descriptor int

// writeFlushThreshold is the write-accumulator's high-water mark: once
// the buffered bytes reach this size they are flushed to the
// underlying file, trading a few extra bytes of memory for far fewer
// write(2) calls on the common case of many small fixed-stride
// records (CSF/CAF) or one CWF/CPF record at a time.
const writeFlushThreshold = 64 * 1024

// fileHandle is the per-open-file state kept in a Registry's
// descriptor table: the OS file, the parsed header, the write
// accumulator, and the bookkeeping needed to avoid a redundant Seek
// on every record (spec.md §4.6).
type fileHandle struct {
	path string
	kind FileKind
	mode OpenMode

	f      *os.File
	header *Header

	reg *Registry
	idx int

	pos           int64 // last known OS cursor position
	recordOrdinal int64 // 0-based ordinal of the next record to append/read

	writeBuf []byte // pending unflushed bytes, logically already "written"

	dirty bool // header fields changed since last flush to disk

	// lastTimestamp/haveTimestamp back the strict-monotonic (CPF/CSF)
	// and silently-corrected (CWF) timestamp policies in records.go;
	// they track the previous record's stored timestamp per
	// descriptor, not per file content, so a freshly opened append
	// handle starts with no expectation.
	lastTimestamp int64
	haveTimestamp bool

	// cif is the side index paired with this CWF/CPF descriptor, when
	// one has been attached via attachCIF (spec.md §4.6). nil for CSF,
	// CAF, and any CWF/CPF handle not yet wired to its CIF.
	cif *CIFIndex
}

// Create creates a new CZMIL file of the given kind at path, writes
// hdr as its initial header (hdr.HeaderSize must already be set to the
// reserved on-disk size), and returns a Descriptor for subsequent
// Append/Close calls. The file must not already exist.
func (r *Registry) Create(path string, kind FileKind, hdr *Header) (Descriptor, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return -1, r.setLastError(ioErr(path, "creating file", err))
	}

	hdr.Kind = kind
	hdr.Version = LibraryVersion
	now := timeToMicros(time.Now())
	hdr.CreationTimestamp = now
	hdr.ModificationTimestamp = now

	if err := WriteHeader(f, hdr); err != nil {
		f.Close()
		os.Remove(path)
		return -1, r.setLastError(err)
	}

	fh := &fileHandle{
		path:   path,
		kind:   kind,
		mode:   ModeCreate,
		f:      f,
		header: hdr,
		reg:    r,
		pos:    int64(hdr.HeaderSize),
	}
	idx, err := r.acquire(fh)
	if err != nil {
		f.Close()
		os.Remove(path)
		return -1, err
	}
	fh.idx = idx
	return Descriptor(idx), nil
}

// Open opens an existing CZMIL file under the given mode and parses
// its header, returning a Descriptor for subsequent Read/Append/Close
// calls.
func (r *Registry) Open(path string, kind FileKind, mode OpenMode) (Descriptor, error) {
	flag := os.O_RDONLY
	if mode == ModeUpdate {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return -1, r.setLastError(ioErr(path, "opening file", err))
	}

	hdr, err := ReadHeader(f, kind)
	if err != nil {
		f.Close()
		return -1, r.setLastError(err)
	}
	if hdr.Version.Major != LibraryVersion.Major {
		r.Logger.Warn("czmil: file version differs from library version",
			"path", path, "file_version", hdr.Version, "library_version", LibraryVersion)
	}

	pos, err := f.Seek(int64(hdr.HeaderSize), 0)
	if err != nil {
		f.Close()
		return -1, r.setLastError(ioErr(path, "seeking past header", err))
	}

	fh := &fileHandle{
		path:   path,
		kind:   kind,
		mode:   mode,
		f:      f,
		header: hdr,
		reg:    r,
		pos:    pos,
	}

	// An update-mode handle may need to append further records after
	// whatever is already on disk (CIF migration, CSF reprocessing
	// appends); position it at the current end of file and resume
	// ordinal numbering from the header's declared count rather than
	// restarting both at the first record.
	if mode == ModeUpdate {
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return -1, r.setLastError(ioErr(path, "seeking to end of file", err))
		}
		fh.pos = end
		fh.recordOrdinal = hdr.NumberOfRecords
	}
	idx, err := r.acquire(fh)
	if err != nil {
		f.Close()
		return -1, err
	}
	fh.idx = idx
	return Descriptor(idx), nil
}

// handle resolves a Descriptor to its fileHandle, failing if the
// descriptor is out of range or already closed.
func (r *Registry) handle(d Descriptor) (*fileHandle, error) {
	if d < 0 || int(d) >= MaxFiles {
		return nil, r.setLastError(protocolErr("", "invalid file descriptor"))
	}
	r.mu.Lock()
	fh := r.slot[d]
	r.mu.Unlock()
	if fh == nil {
		return nil, r.setLastError(protocolErr("", "file descriptor is not open"))
	}
	return fh, nil
}

// Header returns the descriptor's current in-memory header.
func (r *Registry) Header(d Descriptor) (*Header, error) {
	fh, err := r.handle(d)
	if err != nil {
		return nil, err
	}
	return fh.header, nil
}

// NumRecords returns the number of records appended or present in the
// descriptor's file so far.
func (r *Registry) NumRecords(d Descriptor) (int64, error) {
	fh, err := r.handle(d)
	if err != nil {
		return 0, err
	}
	return fh.recordOrdinal, nil
}

// appendRecord appends b to the file's write accumulator, flushing to
// disk once the accumulator crosses writeFlushThreshold, and returns
// the record's byte offset (from the start of the file) and ordinal.
func (r *Registry) appendRecord(d Descriptor, b []byte) (offset int64, ordinal int64, err error) {
	fh, err := r.handle(d)
	if err != nil {
		return 0, 0, err
	}
	if fh.mode != ModeCreate && fh.mode != ModeUpdate {
		return 0, 0, r.setLastError(protocolErr(fh.path, "file not open for writing"))
	}

	offset = fh.pos + int64(len(fh.writeBuf))
	ordinal = fh.recordOrdinal

	fh.writeBuf = append(fh.writeBuf, b...)
	fh.recordOrdinal++
	fh.header.NumberOfRecords = fh.recordOrdinal
	fh.dirty = true

	if len(fh.writeBuf) >= writeFlushThreshold {
		if err := r.flushBuffer(fh); err != nil {
			return 0, 0, err
		}
	}
	return offset, ordinal, nil
}

// flushBuffer writes any pending bytes in fh.writeBuf to disk and
// advances fh.pos. It queries the OS cursor first and seeks only when
// the cursor is not already positioned where the write needs to land.
func (r *Registry) flushBuffer(fh *fileHandle) error {
	if len(fh.writeBuf) == 0 {
		return nil
	}
	cur, err := fh.f.Seek(0, 1)
	if err != nil {
		return r.setLastError(ioErr(fh.path, "querying file position", err))
	}
	if cur != fh.pos {
		if _, err := fh.f.Seek(fh.pos, 0); err != nil {
			return r.setLastError(ioErr(fh.path, "seeking to write position", err))
		}
	}
	n, err := fh.f.Write(fh.writeBuf)
	fh.pos += int64(n)
	if err != nil {
		return r.setLastError(ioErr(fh.path, "writing record bytes", err))
	}
	fh.writeBuf = fh.writeBuf[:0]
	return nil
}

// readAt reads exactly size bytes starting at offset, seeking only
// when the OS cursor is not already there (spec.md §4.6 position
// bookkeeping).
func (r *Registry) readAt(d Descriptor, offset int64, size int) ([]byte, error) {
	fh, err := r.handle(d)
	if err != nil {
		return nil, err
	}
	if fh.pos != offset {
		pos, serr := fh.f.Seek(offset, 0)
		if serr != nil {
			return nil, r.setLastError(ioErr(fh.path, "seeking for read", serr))
		}
		fh.pos = pos
	}
	buf := make([]byte, size)
	n, err := readFull(fh.f, buf)
	fh.pos += int64(n)
	if err != nil {
		return nil, r.setLastError(ioErr(fh.path, "reading record bytes", err))
	}
	return buf, nil
}

// readNext reads the next size bytes from the file's current
// position, advancing the ordinal and position bookkeeping. Used by
// sequential-mode readers and by random-access readers that already
// happen to be positioned at the right offset.
func (r *Registry) readNext(d Descriptor, size int) ([]byte, int64, error) {
	fh, err := r.handle(d)
	if err != nil {
		return nil, 0, err
	}
	offset := fh.pos
	buf := make([]byte, size)
	n, err := readFull(fh.f, buf)
	fh.pos += int64(n)
	if err != nil {
		return nil, 0, r.setLastError(ioErr(fh.path, "reading next record", err))
	}
	ordinal := fh.recordOrdinal
	fh.recordOrdinal++
	_ = offset
	return buf, ordinal, nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Flush forces any buffered writes for d to disk without closing it.
func (r *Registry) Flush(d Descriptor) error {
	fh, err := r.handle(d)
	if err != nil {
		return err
	}
	return r.flushBuffer(fh)
}

// touchBBox and touchTimeSpan let record codecs update the header's
// running bounding box / time span (invariant I5) without reaching
// into fileHandle internals.
func (r *Registry) touchBBox(d Descriptor, lat, lon float64) error {
	fh, err := r.handle(d)
	if err != nil {
		return err
	}
	fh.header.BBox.Extend(lat, lon, &fh.header.bboxSeen)
	fh.dirty = true
	return nil
}

func (r *Registry) touchTimeSpan(d Descriptor, micros int64) error {
	fh, err := r.handle(d)
	if err != nil {
		return err
	}
	fh.header.Flight.Extend(micros)
	fh.dirty = true
	return nil
}

// Close flushes any pending writes, rewrites the header if it changed
// (new record count, bounding box, time span, modification timestamp),
// and releases the descriptor. It is safe to call at most once per
// descriptor.
func (r *Registry) Close(d Descriptor) error {
	fh, err := r.handle(d)
	if err != nil {
		return err
	}

	var closeErr error
	if fh.mode == ModeCreate || fh.mode == ModeUpdate {
		if err := r.flushBuffer(fh); err != nil {
			closeErr = err
		}
		if fh.dirty {
			fh.header.ModificationTimestamp = timeToMicros(time.Now())
			if fi, statErr := fh.f.Stat(); statErr == nil {
				fh.header.FileSize = fi.Size()
			}
			if _, err := fh.f.Seek(0, 0); err == nil {
				if err := WriteHeader(fh.f, fh.header); err != nil && closeErr == nil {
					closeErr = err
				}
			}
		}
	}

	if err := fh.f.Close(); err != nil && closeErr == nil {
		closeErr = r.setLastError(ioErr(fh.path, "closing file", err))
	}
	r.release(fh.idx)
	if closeErr != nil {
		return r.setLastError(closeErr)
	}
	return nil
}

// Abort closes a file that was opened for creation without rewriting
// its header or preserving partial content; the underlying file is
// removed. Used by callers that need to unwind a failed multi-file
// create (spec.md §4.6).
func (r *Registry) Abort(d Descriptor) error {
	fh, err := r.handle(d)
	if err != nil {
		return err
	}
	path := fh.path
	fh.f.Close()
	r.release(fh.idx)
	if fh.mode == ModeCreate {
		os.Remove(path)
	}
	return nil
}

// attachCIF wires the CIF descriptor cifD as the side index for the
// CWF/CPF descriptor d, so subsequent record operations on d can
// maintain and consult CIF rows (spec.md §4.6).
func (r *Registry) attachCIF(d Descriptor, cifD Descriptor) error {
	fh, err := r.handle(d)
	if err != nil {
		return err
	}
	fh.cif = NewCIFIndex(r, cifD)
	return nil
}

// companionPath returns the path of the given kind's file in the same
// directory and with the same base name as path (whatever its
// original extension), e.g. .../20260731-143000.cwf -> .../20260731-143000.cif.
func companionPath(path string, kind FileKind) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	return filepath.Join(dir, base+"."+kind.Extension())
}

// Package-level convenience wrappers delegating to DefaultRegistry,
// matching the flat call style the legacy C API exposes.

func Create(path string, kind FileKind, hdr *Header) (Descriptor, error) {
	return DefaultRegistry.Create(path, kind, hdr)
}

func Open(path string, kind FileKind, mode OpenMode) (Descriptor, error) {
	return DefaultRegistry.Open(path, kind, mode)
}

func CloseFile(d Descriptor) error { return DefaultRegistry.Close(d) }

func AbortFile(d Descriptor) error { return DefaultRegistry.Abort(d) }
