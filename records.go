package czmil

import (
	"encoding/binary"
	"time"
)

// This file binds the four record codecs (cwf.go, cpf.go, csf.go,
// caf.go) to the file engine (file.go) and the side index (cif.go):
// length-prefix framing for the two variable-length files, fixed-
// stride addressing for CSF/CAF, CIF row maintenance, flight-start
// bookkeeping, and the two timestamp-ordering policies invariant I4
// names (spec.md §4.3/§4.4: silent +100μs correction for CWF vs.
// spec.md §4.4/§4.5: hard error for CPF/CSF).

// lengthPrefixBytes is the width of the length prefix CWF and CPF
// records carry ahead of their packed body (bitfields.go's
// BufferSizeBits, always 32).
const lengthPrefixBytes = 4

func frameRecord(body []byte) []byte {
	framed := make([]byte, lengthPrefixBytes+len(body))
	binary.BigEndian.PutUint32(framed[:lengthPrefixBytes], uint32(len(body)))
	copy(framed[lengthPrefixBytes:], body)
	return framed
}

// flightStartFor returns the flight-start timestamp to encode ts
// against: the header's already-established start, or ts itself if
// this is the descriptor's first record (so the first record's
// elapsed-time field is always zero).
func flightStartFor(fh *fileHandle, ts int64) int64 {
	if fh.recordOrdinal == 0 {
		return ts
	}
	return fh.header.Flight.StartMicros
}

// checkMonotonic enforces invariant I4's CPF/CSF branch: a hard error
// on any timestamp that does not strictly increase. CWF uses
// resolveCWFTimestamp instead.
func checkMonotonic(fh *fileHandle, ts int64) error {
	if fh.haveTimestamp && ts <= fh.lastTimestamp {
		return protocolErr(fh.path, "timestamp regression on append (strict monotonic file)")
	}
	return nil
}

// resolveCWFTimestamp implements invariant I4's CWF branch: a
// regressed timestamp is silently corrected to prev+100μs rather than
// rejected, and the caller is told to flag every channel's validity
// code.
func resolveCWFTimestamp(fh *fileHandle, ts int64) (resolved int64, corrected bool) {
	if fh.haveTimestamp && ts <= fh.lastTimestamp {
		return fh.lastTimestamp + timestampRegressionFix, true
	}
	return ts, false
}

// AppendCWFRecord appends rec to the CWF descriptor d, applying the
// silent time-regression correction when needed, framing the encoded
// body with its length prefix, and (if a CIF is attached) opening a
// fresh CIF row for the shot. It returns the record's ordinal.
func (r *Registry) AppendCWFRecord(d Descriptor, rec *CWFRecord) (int64, error) {
	fh, err := r.handle(d)
	if err != nil {
		return 0, err
	}
	if fh.kind != KindCWF {
		return 0, r.setLastError(protocolErr(fh.path, "AppendCWFRecord called on non-CWF descriptor"))
	}
	if fh.mode != ModeCreate {
		return 0, r.setLastError(protocolErr(fh.path, "CWF append requires a create-mode descriptor"))
	}

	ts, corrected := resolveCWFTimestamp(fh, rec.Timestamp)
	local := *rec
	local.Timestamp = ts
	if corrected {
		for c := range local.Channels {
			local.Channels[c].Validity |= uint8(ValidityTimestampInvalid)
		}
	}

	flightStart := flightStartFor(fh, ts)
	body, err := EncodeCWFRecord(&local, fh.header.CWF, flightStart)
	if err != nil {
		return 0, r.setLastError(err)
	}
	framed := frameRecord(body)

	offset, ordinal, err := r.appendRecord(d, framed)
	if err != nil {
		return 0, err
	}

	fh.lastTimestamp = ts
	fh.haveTimestamp = true
	if err := r.touchTimeSpan(d, ts); err != nil {
		return 0, err
	}

	if fh.cif != nil {
		row := CIFRow{CWFOffset: uint64(offset), CWFSize: uint16(len(body))}
		if err := fh.cif.WriteRow(ordinal, row); err != nil {
			return 0, err
		}
	}
	return ordinal, nil
}

// ReadCWFRecord reads and decodes the CWF record at ordinal. If a CIF
// is attached its row is consulted for the exact byte range;
// otherwise the descriptor must be positioned sequentially at that
// record (ModeReadOnlySequential).
func (r *Registry) ReadCWFRecord(d Descriptor, ordinal int64) (*CWFRecord, error) {
	fh, err := r.handle(d)
	if err != nil {
		return nil, err
	}
	if fh.kind != KindCWF {
		return nil, r.setLastError(protocolErr(fh.path, "ReadCWFRecord called on non-CWF descriptor"))
	}

	body, err := r.readFramedRecord(d, fh, ordinal, true)
	if err != nil {
		return nil, err
	}
	rec, err := DecodeCWFRecord(body, fh.header.CWF, fh.header.Flight.StartMicros)
	if err != nil {
		return nil, r.setLastError(err)
	}
	return rec, nil
}

// readFramedRecord returns the decoded body (length prefix stripped)
// of the length-prefixed record at ordinal, via the CIF when cwfSide
// selects the CWF offset/size, via sequential positioning otherwise.
func (r *Registry) readFramedRecord(d Descriptor, fh *fileHandle, ordinal int64, cwfSide bool) ([]byte, error) {
	if fh.cif != nil {
		row, err := fh.cif.ReadRow(ordinal)
		if err != nil {
			return nil, err
		}
		offset, size := row.CWFOffset, uint64(row.CWFSize)
		if !cwfSide {
			offset, size = row.CPFOffset, uint64(row.CPFSize)
		}
		framed, err := r.readAt(d, int64(offset), lengthPrefixBytes+int(size))
		if err != nil {
			return nil, err
		}
		declared := binary.BigEndian.Uint32(framed[:lengthPrefixBytes])
		if declared != uint32(size) {
			return nil, r.setLastError(corruptErr(fh.path, "record length prefix disagrees with CIF size", nil))
		}
		return framed[lengthPrefixBytes:], nil
	}

	prefix, _, err := r.readNext(d, lengthPrefixBytes)
	if err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix)
	body, _, err := r.readNext(d, int(size))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// AppendCPFRecord appends rec to the CPF descriptor d, enforcing the
// strict-monotonic timestamp policy (invariant I4) and, if a CIF is
// attached, rewriting the shot's existing row (opened by the paired
// CWF append) with the CPF side's offset/size.
func (r *Registry) AppendCPFRecord(d Descriptor, rec *CPFRecord) (int64, error) {
	fh, err := r.handle(d)
	if err != nil {
		return 0, err
	}
	if fh.kind != KindCPF {
		return 0, r.setLastError(protocolErr(fh.path, "AppendCPFRecord called on non-CPF descriptor"))
	}
	if fh.mode != ModeCreate {
		return 0, r.setLastError(protocolErr(fh.path, "CPF append requires a create-mode descriptor"))
	}
	if err := checkMonotonic(fh, rec.Timestamp); err != nil {
		return 0, r.setLastError(err)
	}

	flightStart := flightStartFor(fh, rec.Timestamp)
	body, err := EncodeCPFRecord(rec, fh.header.CPF, fh.header.BaseLatitude, fh.header.BaseLongitude, flightStart)
	if err != nil {
		return 0, r.setLastError(err)
	}
	framed := frameRecord(body)

	offset, ordinal, err := r.appendRecord(d, framed)
	if err != nil {
		return 0, err
	}

	fh.lastTimestamp = rec.Timestamp
	fh.haveTimestamp = true
	if err := r.touchTimeSpan(d, rec.Timestamp); err != nil {
		return 0, err
	}
	if err := r.touchBBox(d, rec.RefLat, rec.RefLon); err != nil {
		return 0, err
	}

	if fh.cif != nil {
		row, err := fh.cif.ReadRow(ordinal)
		if err != nil {
			return 0, err
		}
		row.CPFOffset = uint64(offset)
		row.CPFSize = uint16(len(body))
		if err := fh.cif.WriteRow(ordinal, row); err != nil {
			return 0, err
		}
	}
	return ordinal, nil
}

// ReadCPFRecord reads and decodes the CPF record at ordinal.
func (r *Registry) ReadCPFRecord(d Descriptor, ordinal int64) (*CPFRecord, error) {
	fh, err := r.handle(d)
	if err != nil {
		return nil, err
	}
	if fh.kind != KindCPF {
		return nil, r.setLastError(protocolErr(fh.path, "ReadCPFRecord called on non-CPF descriptor"))
	}

	body, err := r.readFramedRecord(d, fh, ordinal, false)
	if err != nil {
		return nil, err
	}
	rec, err := DecodeCPFRecord(body, fh.header.CPF, fh.header.BaseLatitude, fh.header.BaseLongitude, fh.header.Flight.StartMicros)
	if err != nil {
		return nil, r.setLastError(err)
	}
	return rec, nil
}

// UpdateCPFRecordAt applies a narrow in-place update (modifiable-only
// or status-only, per spec.md §4.4) to the CPF record at ordinal.
// Because CPF records are variable-length, the update must land in
// exactly the same number of bytes the record already occupies; the
// descriptor must be open in update mode.
func (r *Registry) UpdateCPFRecordAt(d Descriptor, ordinal int64, scope cpfUpdateScope, rec *CPFRecord) error {
	fh, err := r.handle(d)
	if err != nil {
		return err
	}
	if fh.kind != KindCPF {
		return r.setLastError(protocolErr(fh.path, "UpdateCPFRecordAt called on non-CPF descriptor"))
	}
	if fh.mode != ModeUpdate {
		return r.setLastError(protocolErr(fh.path, "CPF update requires an update-mode descriptor"))
	}
	if fh.cif == nil {
		return r.setLastError(protocolErr(fh.path, "CPF update requires an attached CIF"))
	}

	row, err := fh.cif.ReadRow(ordinal)
	if err != nil {
		return err
	}
	framed, err := r.readAt(d, int64(row.CPFOffset), lengthPrefixBytes+int(row.CPFSize))
	if err != nil {
		return err
	}
	body := framed[lengthPrefixBytes:]

	counts := make([]int, fh.header.CPF.NumChannels)
	for c := 0; c < fh.header.CPF.NumChannels; c++ {
		counts[c] = len(rec.Channels[c].Returns)
	}
	if err := UpdateCPFRecord(body, fh.header.CPF, counts, scope, rec); err != nil {
		return r.setLastError(err)
	}

	if _, err := fh.f.WriteAt(framed, int64(row.CPFOffset)); err != nil {
		return r.setLastError(ioErr(fh.path, "writing updated CPF record", err))
	}
	return nil
}

// AppendCSFRecord appends rec to the fixed-stride CSF descriptor d,
// enforcing the strict-monotonic timestamp policy (invariant I4).
// CSF needs no CIF: its address is header_size + ordinal*record_size.
func (r *Registry) AppendCSFRecord(d Descriptor, rec *CSFRecord) (int64, error) {
	fh, err := r.handle(d)
	if err != nil {
		return 0, err
	}
	if fh.kind != KindCSF {
		return 0, r.setLastError(protocolErr(fh.path, "AppendCSFRecord called on non-CSF descriptor"))
	}
	if fh.mode != ModeCreate && fh.mode != ModeUpdate {
		return 0, r.setLastError(protocolErr(fh.path, "CSF append requires a create or update descriptor"))
	}
	if err := checkMonotonic(fh, rec.Timestamp); err != nil {
		return 0, r.setLastError(err)
	}

	flightStart := flightStartFor(fh, rec.Timestamp)
	body, err := EncodeCSFRecord(rec, fh.header.CSF, fh.header.BaseLatitude, fh.header.BaseLongitude, flightStart)
	if err != nil {
		return 0, r.setLastError(err)
	}

	_, ordinal, err := r.appendRecord(d, body)
	if err != nil {
		return 0, err
	}
	fh.lastTimestamp = rec.Timestamp
	fh.haveTimestamp = true
	if err := r.touchTimeSpan(d, rec.Timestamp); err != nil {
		return 0, err
	}
	if err := r.touchBBox(d, rec.Lat, rec.Lon); err != nil {
		return 0, err
	}
	return ordinal, nil
}

// ReadCSFRecord reads and decodes the CSF record at ordinal by direct
// fixed-stride addressing.
func (r *Registry) ReadCSFRecord(d Descriptor, ordinal int64) (*CSFRecord, error) {
	fh, err := r.handle(d)
	if err != nil {
		return nil, err
	}
	if fh.kind != KindCSF {
		return nil, r.setLastError(protocolErr(fh.path, "ReadCSFRecord called on non-CSF descriptor"))
	}
	stride := CSFRecordBytes(fh.header.CSF)
	offset := int64(fh.header.HeaderSize) + ordinal*int64(stride)
	buf, err := r.readAt(d, offset, stride)
	if err != nil {
		return nil, err
	}
	rec, err := DecodeCSFRecord(buf, fh.header.CSF, fh.header.BaseLatitude, fh.header.BaseLongitude, fh.header.Flight.StartMicros)
	if err != nil {
		return nil, r.setLastError(err)
	}
	return rec, nil
}

// AppendCAFRecord appends an audit entry to the fixed-stride CAF
// descriptor d and stamps the header's application timestamp, since an
// audit record being written is itself "the audit being applied"
// (spec.md §4.5).
func (r *Registry) AppendCAFRecord(d Descriptor, rec *CAFRecord) (int64, error) {
	fh, err := r.handle(d)
	if err != nil {
		return 0, err
	}
	if fh.kind != KindCAF {
		return 0, r.setLastError(protocolErr(fh.path, "AppendCAFRecord called on non-CAF descriptor"))
	}
	if fh.mode != ModeCreate && fh.mode != ModeUpdate {
		return 0, r.setLastError(protocolErr(fh.path, "CAF append requires a create or update descriptor"))
	}

	body, err := EncodeCAFRecord(rec, fh.header.CAF)
	if err != nil {
		return 0, r.setLastError(err)
	}
	_, ordinal, err := r.appendRecord(d, body)
	if err != nil {
		return 0, err
	}
	fh.header.ApplicationTimestamp = timeToMicros(time.Now())
	fh.dirty = true
	return ordinal, nil
}

// ReadCAFRecord reads and decodes the CAF record at ordinal.
func (r *Registry) ReadCAFRecord(d Descriptor, ordinal int64) (*CAFRecord, error) {
	fh, err := r.handle(d)
	if err != nil {
		return nil, err
	}
	if fh.kind != KindCAF {
		return nil, r.setLastError(protocolErr(fh.path, "ReadCAFRecord called on non-CAF descriptor"))
	}
	stride := CAFRecordBytes(fh.header.CAF)
	offset := int64(fh.header.HeaderSize) + ordinal*int64(stride)
	buf, err := r.readAt(d, offset, stride)
	if err != nil {
		return nil, err
	}
	rec, err := DecodeCAFRecord(buf, fh.header.CAF)
	if err != nil {
		return nil, r.setLastError(err)
	}
	return rec, nil
}
