package czmil

import "github.com/jalbtcx/go-czmil/bitio"

// CSFRecord is one fixed-width sensor/navigation record: the
// platform's position and attitude at a given timestamp, plus
// per-channel ranges (spec.md §4.5, §3's CSF entity).
type CSFRecord struct {
	Timestamp int64 // microseconds since Unix epoch
	ScanAngle float64
	Lat       float64
	Lon       float64
	Altitude  float64
	Roll      float64
	Pitch     float64
	Heading   float64
	Range     [9]float64

	// v2+
	InWaterRange     [9]float64
	Intensity        [9]float64
	InWaterIntensity [9]float64
}

// csfRecordBits returns the total bit width CSF records for field set
// f occupy, used both to size the fixed per-record buffer and to
// compute `header_size + ordinal * buffer_size` addressing (spec.md
// §4.5 — CSF needs no CIF because every record is the same size).
func csfRecordBits(f CSFFields) int {
	bits := int(f.TimeBits) + int(f.ScanAngle.Bits) + int(f.Lat.Bits) + int(f.Lon.Bits) +
		int(f.Altitude.Bits) + int(f.Roll.Bits) + int(f.Pitch.Bits) + int(f.Heading.Bits)
	bits += f.NumChannels * int(f.Range.Bits)
	if f.InWaterRange.Bits > 0 {
		bits += f.NumChannels * (int(f.InWaterRange.Bits) + int(f.Intensity.Bits) + int(f.InWaterIntensity.Bits))
	}
	return bits
}

// CSFRecordBytes returns the byte-rounded fixed size of one CSF
// record under field set f.
func CSFRecordBytes(f CSFFields) int {
	return (csfRecordBits(f) + 7) / 8
}

// EncodeCSFRecord packs rec into a fixed-size, byte-rounded buffer per
// f. baseLat/baseLon are the header's reference position (invariant
// I6: CSF positions are offsets from the base, not per-shot like CPF).
// flightStart is the header's flight-start timestamp (microseconds
// since epoch); TimeBits stores the elapsed offset from it, the same
// convention CWF/CPF use, since TimeBits is too narrow to hold a raw
// epoch timestamp.
func EncodeCSFRecord(rec *CSFRecord, f CSFFields, baseLat, baseLon float64, flightStart int64) ([]byte, error) {
	w := bitio.NewWriter(CSFRecordBytes(f))

	elapsed := rec.Timestamp - flightStart
	if elapsed < 0 {
		return nil, rangeErr("", -1, "CSF record timestamp precedes flight start")
	}
	w.PutWide(f.TimeBits, uint64(elapsed))

	sa, err := f.ScanAngle.PackSigned(rec.ScanAngle)
	if err != nil {
		return nil, err
	}
	w.Put(f.ScanAngle.Bits, uint32(sa))

	lat, err := f.Lat.PackSigned(rec.Lat - baseLat)
	if err != nil {
		return nil, err
	}
	w.Put(f.Lat.Bits, uint32(lat))

	lon, err := f.Lon.PackSigned(rec.Lon - baseLon)
	if err != nil {
		return nil, err
	}
	w.Put(f.Lon.Bits, uint32(lon))

	alt, err := f.Altitude.PackSigned(rec.Altitude)
	if err != nil {
		return nil, err
	}
	w.Put(f.Altitude.Bits, uint32(alt))

	roll, err := f.Roll.PackSigned(rec.Roll)
	if err != nil {
		return nil, err
	}
	w.Put(f.Roll.Bits, uint32(roll))

	pitch, err := f.Pitch.PackSigned(rec.Pitch)
	if err != nil {
		return nil, err
	}
	w.Put(f.Pitch.Bits, uint32(pitch))

	heading, err := f.Heading.PackUnsigned(rec.Heading)
	if err != nil {
		return nil, err
	}
	w.Put(f.Heading.Bits, uint32(heading))

	for c := 0; c < f.NumChannels; c++ {
		rng, err := f.Range.PackUnsigned(rec.Range[c])
		if err != nil {
			return nil, err
		}
		w.Put(f.Range.Bits, uint32(rng))
	}

	if f.InWaterRange.Bits > 0 {
		for c := 0; c < f.NumChannels; c++ {
			iwr, err := f.InWaterRange.PackUnsigned(rec.InWaterRange[c])
			if err != nil {
				return nil, err
			}
			w.Put(f.InWaterRange.Bits, uint32(iwr))
		}
		for c := 0; c < f.NumChannels; c++ {
			it, err := f.Intensity.PackUnsigned(rec.Intensity[c])
			if err != nil {
				return nil, err
			}
			w.Put(f.Intensity.Bits, uint32(it))
		}
		for c := 0; c < f.NumChannels; c++ {
			iwi, err := f.InWaterIntensity.PackUnsigned(rec.InWaterIntensity[c])
			if err != nil {
				return nil, err
			}
			w.Put(f.InWaterIntensity.Bits, uint32(iwi))
		}
	}

	return w.Buf, nil
}

// DecodeCSFRecord unpacks a fixed-size CSF record buffer per f.
func DecodeCSFRecord(buf []byte, f CSFFields, baseLat, baseLon float64, flightStart int64) (*CSFRecord, error) {
	r := bitio.NewReader(buf)
	rec := &CSFRecord{}

	rec.Timestamp = flightStart + int64(r.GetWide(f.TimeBits))
	rec.ScanAngle = f.ScanAngle.UnpackSigned(uint64(r.Get(f.ScanAngle.Bits)))
	rec.Lat = f.Lat.UnpackSigned(uint64(r.Get(f.Lat.Bits))) + baseLat
	rec.Lon = f.Lon.UnpackSigned(uint64(r.Get(f.Lon.Bits))) + baseLon
	rec.Altitude = f.Altitude.UnpackSigned(uint64(r.Get(f.Altitude.Bits)))
	rec.Roll = f.Roll.UnpackSigned(uint64(r.Get(f.Roll.Bits)))
	rec.Pitch = f.Pitch.UnpackSigned(uint64(r.Get(f.Pitch.Bits)))
	rec.Heading = f.Heading.UnpackUnsigned(uint64(r.Get(f.Heading.Bits)))

	for c := 0; c < f.NumChannels; c++ {
		rec.Range[c] = f.Range.UnpackUnsigned(uint64(r.Get(f.Range.Bits)))
	}

	if f.InWaterRange.Bits > 0 {
		for c := 0; c < f.NumChannels; c++ {
			rec.InWaterRange[c] = f.InWaterRange.UnpackUnsigned(uint64(r.Get(f.InWaterRange.Bits)))
		}
		for c := 0; c < f.NumChannels; c++ {
			rec.Intensity[c] = f.Intensity.UnpackUnsigned(uint64(r.Get(f.Intensity.Bits)))
		}
		for c := 0; c < f.NumChannels; c++ {
			rec.InWaterIntensity[c] = f.InWaterIntensity.UnpackUnsigned(uint64(r.Get(f.InWaterIntensity.Bits)))
		}
	}

	return rec, nil
}
