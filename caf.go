package czmil

import "github.com/jalbtcx/go-czmil/bitio"

// CAFRecord is one audit-trail entry: a record of a classification or
// interest-point edit applied to a CPF return (spec.md §3, §4.5 — CAF
// is append-only, never updated or deleted).
type CAFRecord struct {
	ShotID        uint32
	Channel       uint8
	OptechClass   uint8
	InterestPoint float64
	ReturnNumber  uint8
	NumReturns    uint8
}

// cafRecordBits is the total bit width of one CAF record under f.
func cafRecordBits(f CAFFields) int {
	return int(f.ShotIDBits) + int(f.ChannelBits) + int(f.OptechClassBits) +
		int(f.InterestPoint.Bits) + int(f.ReturnNumberBits) + int(f.NumReturnsBits)
}

// CAFRecordBytes returns the byte-rounded fixed size of one CAF record
// under f (CAF is fixed-width, like CSF — spec.md §4.5).
func CAFRecordBytes(f CAFFields) int {
	return (cafRecordBits(f) + 7) / 8
}

// EncodeCAFRecord packs rec into a fixed-size, byte-rounded buffer per
// f.
func EncodeCAFRecord(rec *CAFRecord, f CAFFields) ([]byte, error) {
	w := bitio.NewWriter(CAFRecordBytes(f))

	w.Put(f.ShotIDBits, rec.ShotID)
	w.Put(f.ChannelBits, uint32(rec.Channel))
	w.Put(f.OptechClassBits, uint32(rec.OptechClass))

	ip, err := f.InterestPoint.PackUnsigned(rec.InterestPoint)
	if err != nil {
		return nil, err
	}
	w.Put(f.InterestPoint.Bits, uint32(ip))

	w.Put(f.ReturnNumberBits, uint32(rec.ReturnNumber))
	w.Put(f.NumReturnsBits, uint32(rec.NumReturns))

	return w.Buf, nil
}

// DecodeCAFRecord unpacks a fixed-size CAF record buffer per f.
func DecodeCAFRecord(buf []byte, f CAFFields) (*CAFRecord, error) {
	r := bitio.NewReader(buf)
	rec := &CAFRecord{}

	rec.ShotID = r.Get(f.ShotIDBits)
	rec.Channel = uint8(r.Get(f.ChannelBits))
	rec.OptechClass = uint8(r.Get(f.OptechClassBits))
	rec.InterestPoint = f.InterestPoint.UnpackUnsigned(uint64(r.Get(f.InterestPoint.Bits)))
	rec.ReturnNumber = uint8(r.Get(f.ReturnNumberBits))
	rec.NumReturns = uint8(r.Get(f.NumReturnsBits))

	return rec, nil
}
