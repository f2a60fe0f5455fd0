package czmil

import (
	"github.com/jalbtcx/go-czmil/bitio"
)

// CPFReturn is one return within one of a CPF record's 9 channels.
type CPFReturn struct {
	LatDiff        float64 // offset from the shot reference latitude
	LonDiff        float64
	Elevation      float64 // NullZ when absent
	Reflectance    float64
	UncertaintyH   float64
	UncertaintyV   float64
	Status         uint8
	Classification uint8
	IPOffset       float64
	IPRank         uint8

	Probability  float64 // v2+, 0 if absent
	FilterReason uint8   // v2+, 0 if absent
	DIndex       uint8   // v3+, 0 if absent
}

// CPFChannel is one of a CPF record's 9 channels.
type CPFChannel struct {
	OptechClass uint8 // v2+
	Returns     []CPFReturn
}

// BareEarthPoint is one of the 7 shallow-channel bare-earth triples.
type BareEarthPoint struct {
	LatDiff   float64
	LonDiff   float64
	Elevation float64
}

// CPFRecord is one fully decoded CPF point record.
type CPFRecord struct {
	Timestamp int64 // microseconds since Unix epoch
	OffNadir  float64

	RefLat float64
	RefLon float64

	WaterLevel float64 // null encoded as Max()
	VertDatum  float64
	UserData   uint32

	Channels  [9]CPFChannel
	BareEarth [bareEarthChannels]BareEarthPoint

	Kd          float64
	LaserEnergy float64
	T0IP        float64
	DIndexCube  float64 // v3+
}

// optechClassWaterBias is added to the legacy classification when
// reconstructing a missing v2 optech-classification field for water
// modes 2..8 (spec.md §4.4 version-compatibility note).
const optechClassWaterBias = 30

// EncodeCPFRecord packs rec into its bit-level wire representation
// according to f, returning the record body (without the leading
// length prefix). Field order follows spec.md §4.4's numbered layout
// exactly: the v2+ optech-class/probability/filter-reason pass and the
// v3+ d-index pass are separate trailing passes over the channels, not
// interleaved with section 9's per-return core fields.
func EncodeCPFRecord(rec *CPFRecord, f CPFFields, baseLat, baseLon float64, flightStart int64) ([]byte, error) {
	w := bitio.NewWriter(512)

	// 1. return counts
	for c := 0; c < f.NumChannels; c++ {
		w.Put(f.ReturnCountBits, uint32(len(rec.Channels[c].Returns)))
	}

	// 2. timestamp
	w.PutWide(f.TimeBits, uint64(rec.Timestamp-flightStart))

	// 3. off-nadir
	offNadirStored, err := f.OffNadir.PackSigned(rec.OffNadir)
	if err != nil {
		return nil, err
	}
	w.Put(f.OffNadir.Bits, uint32(offNadirStored))

	// 4-5. reference lat/lon, longitude scale banded by the packed lat.
	latStored, err := f.RefLat.PackSigned(rec.RefLat - baseLat)
	if err != nil {
		return nil, err
	}
	w.Put(f.RefLat.Bits, uint32(latStored))

	packedLatDegrees := f.RefLat.UnpackSigned(latStored) + baseLat
	lonField := Field{Bits: f.RefLon.Bits, Scale: lonScaleForLat(f.RefLon.Scale, packedLatDegrees)}
	lonStored, err := lonField.PackSigned(rec.RefLon - baseLon)
	if err != nil {
		return nil, err
	}
	w.Put(f.RefLon.Bits, uint32(lonStored))

	// 6. water level
	if rec.WaterLevel == NullZ {
		w.Put(f.WaterLevel.Bits, uint32(f.WaterLevel.Max()))
	} else {
		stored, err := f.WaterLevel.PackSigned(rec.WaterLevel)
		if err != nil {
			return nil, err
		}
		w.Put(f.WaterLevel.Bits, uint32(stored))
	}

	// 7. vertical datum offset
	vdStored, err := f.VertDatum.PackSigned(rec.VertDatum)
	if err != nil {
		return nil, err
	}
	w.Put(f.VertDatum.Bits, uint32(vdStored))

	// 8. user data
	w.Put(f.UserDataBits, rec.UserData)

	// 9. per-channel, per-return core fields
	for c := 0; c < f.NumChannels; c++ {
		for ri := range rec.Channels[c].Returns {
			if err := packReturnCore(w, f, &rec.Channels[c].Returns[ri]); err != nil {
				return nil, err
			}
		}
	}

	// 10. bare-earth triples
	for _, be := range rec.BareEarth {
		ld, err := f.BareEarthLatDiff.PackSigned(be.LatDiff)
		if err != nil {
			return nil, err
		}
		w.Put(f.BareEarthLatDiff.Bits, uint32(ld))
		lo, err := f.BareEarthLonDiff.PackSigned(be.LonDiff)
		if err != nil {
			return nil, err
		}
		w.Put(f.BareEarthLonDiff.Bits, uint32(lo))
		el, err := f.BareEarthElev.PackSigned(be.Elevation)
		if err != nil {
			return nil, err
		}
		w.Put(f.BareEarthElev.Bits, uint32(el))
	}

	// 11-13. Kd, laser energy, T0 interest point
	kd, err := f.Kd.PackUnsigned(rec.Kd)
	if err != nil {
		return nil, err
	}
	w.Put(f.Kd.Bits, uint32(kd))
	le, err := f.LaserEnergy.PackUnsigned(rec.LaserEnergy)
	if err != nil {
		return nil, err
	}
	w.Put(f.LaserEnergy.Bits, uint32(le))
	t0, err := f.T0IP.PackUnsigned(rec.T0IP)
	if err != nil {
		return nil, err
	}
	w.Put(f.T0IP.Bits, uint32(t0))

	// 14. (v2+) per-channel optech class; per-return probability/filter-reason
	if f.OptechClassBits > 0 {
		for c := 0; c < f.NumChannels; c++ {
			w.Put(f.OptechClassBits, uint32(rec.Channels[c].OptechClass))
			for ri := range rec.Channels[c].Returns {
				ret := &rec.Channels[c].Returns[ri]
				prob, err := f.Probability.PackUnsigned(ret.Probability)
				if err != nil {
					return nil, err
				}
				w.Put(f.Probability.Bits, uint32(prob))
				w.Put(f.FilterReasonBits, uint32(ret.FilterReason))
			}
		}
	}

	// 15-16. (v3+) d-index-cube; per-return d-index
	if f.DIndexBits > 0 {
		dc, err := f.DIndexCube.PackUnsigned(rec.DIndexCube)
		if err != nil {
			return nil, err
		}
		w.Put(f.DIndexCube.Bits, uint32(dc))
		for c := 0; c < f.NumChannels; c++ {
			for ri := range rec.Channels[c].Returns {
				w.Put(f.DIndexBits, uint32(rec.Channels[c].Returns[ri].DIndex))
			}
		}
	}

	return w.Buf, nil
}

// packReturnCore packs section 9's per-return fields only: position
// diffs, elevation, reflectance, uncertainties, status, classification,
// interest-point offset/rank. Probability, filter-reason, and d-index
// are packed in their own trailing passes by EncodeCPFRecord.
func packReturnCore(w *bitio.Writer, f CPFFields, ret *CPFReturn) error {
	latDiff, lonDiff := ret.LatDiff, ret.LonDiff
	if ret.Elevation == NullZ {
		// A null elevation means the position diffs are otherwise
		// undefined; force them to the reference rather than risk
		// packing garbage that overflows the diff field (spec.md §4.4
		// item 9).
		latDiff, lonDiff = 0, 0
	}

	ld, err := f.LatDiff.PackSigned(latDiff)
	if err != nil {
		return err
	}
	w.Put(f.LatDiff.Bits, uint32(ld))

	lo, err := f.LonDiff.PackSigned(lonDiff)
	if err != nil {
		return err
	}
	w.Put(f.LonDiff.Bits, uint32(lo))

	if ret.Elevation == NullZ {
		w.Put(f.Elevation.Bits, uint32(f.Elevation.Max()))
	} else {
		el, err := f.Elevation.PackSigned(ret.Elevation)
		if err != nil {
			return err
		}
		w.Put(f.Elevation.Bits, uint32(el))
	}

	refl, err := f.Reflectance.PackUnsigned(ret.Reflectance)
	if err != nil {
		return err
	}
	w.Put(f.Reflectance.Bits, uint32(refl))

	uh, err := f.UncertaintyH.PackUnsigned(ret.UncertaintyH)
	if err != nil {
		return err
	}
	w.Put(f.UncertaintyH.Bits, uint32(uh))

	uv, err := f.UncertaintyV.PackUnsigned(ret.UncertaintyV)
	if err != nil {
		return err
	}
	w.Put(f.UncertaintyV.Bits, uint32(uv))

	w.Put(f.StatusBits, uint32(ret.Status))
	w.Put(f.ClassBits, uint32(ret.Classification))

	ip, err := f.IPOffset.PackUnsigned(ret.IPOffset)
	if err != nil {
		return err
	}
	w.Put(f.IPOffset.Bits, uint32(ip))
	w.Put(f.IPRankBits, uint32(ret.IPRank))
	return nil
}

// DecodeCPFRecord unpacks a CPF record body according to f, mirroring
// EncodeCPFRecord's field order exactly.
func DecodeCPFRecord(buf []byte, f CPFFields, baseLat, baseLon float64, flightStart int64) (*CPFRecord, error) {
	r := bitio.NewReader(buf)
	rec := &CPFRecord{}

	counts := make([]int, f.NumChannels)
	for c := 0; c < f.NumChannels; c++ {
		counts[c] = int(r.Get(f.ReturnCountBits))
	}

	rec.Timestamp = flightStart + int64(r.GetWide(f.TimeBits))
	rec.OffNadir = f.OffNadir.UnpackSigned(uint64(r.Get(f.OffNadir.Bits)))

	latStored := r.Get(f.RefLat.Bits)
	rec.RefLat = f.RefLat.UnpackSigned(uint64(latStored)) + baseLat

	lonField := Field{Bits: f.RefLon.Bits, Scale: lonScaleForLat(f.RefLon.Scale, rec.RefLat)}
	lonStored := r.Get(f.RefLon.Bits)
	rec.RefLon = lonField.UnpackSigned(uint64(lonStored)) + baseLon

	wlStored := r.Get(f.WaterLevel.Bits)
	if uint64(wlStored) == f.WaterLevel.Max() {
		rec.WaterLevel = NullZ
	} else {
		rec.WaterLevel = f.WaterLevel.UnpackSigned(uint64(wlStored))
	}

	rec.VertDatum = f.VertDatum.UnpackSigned(uint64(r.Get(f.VertDatum.Bits)))
	rec.UserData = r.Get(f.UserDataBits)

	for c := 0; c < f.NumChannels; c++ {
		rec.Channels[c].Returns = make([]CPFReturn, counts[c])
		for ri := range rec.Channels[c].Returns {
			rec.Channels[c].Returns[ri] = unpackReturnCore(r, f)
		}
	}

	for i := range rec.BareEarth {
		rec.BareEarth[i].LatDiff = f.BareEarthLatDiff.UnpackSigned(uint64(r.Get(f.BareEarthLatDiff.Bits)))
		rec.BareEarth[i].LonDiff = f.BareEarthLonDiff.UnpackSigned(uint64(r.Get(f.BareEarthLonDiff.Bits)))
		rec.BareEarth[i].Elevation = f.BareEarthElev.UnpackSigned(uint64(r.Get(f.BareEarthElev.Bits)))
	}

	rec.Kd = f.Kd.UnpackUnsigned(uint64(r.Get(f.Kd.Bits)))
	rec.LaserEnergy = f.LaserEnergy.UnpackUnsigned(uint64(r.Get(f.LaserEnergy.Bits)))
	rec.T0IP = f.T0IP.UnpackUnsigned(uint64(r.Get(f.T0IP.Bits)))

	if f.OptechClassBits > 0 {
		for c := 0; c < f.NumChannels; c++ {
			rec.Channels[c].OptechClass = uint8(r.Get(f.OptechClassBits))
			for ri := range rec.Channels[c].Returns {
				ret := &rec.Channels[c].Returns[ri]
				ret.Probability = f.Probability.UnpackUnsigned(uint64(r.Get(f.Probability.Bits)))
				ret.FilterReason = uint8(r.Get(f.FilterReasonBits))
			}
		}
	} else {
		reconstructOptechClass(rec)
	}

	if f.DIndexBits > 0 {
		rec.DIndexCube = f.DIndexCube.UnpackUnsigned(uint64(r.Get(f.DIndexCube.Bits)))
		for c := 0; c < f.NumChannels; c++ {
			for ri := range rec.Channels[c].Returns {
				rec.Channels[c].Returns[ri].DIndex = uint8(r.Get(f.DIndexBits))
			}
		}
	}

	applyClassificationFixup(rec)

	return rec, nil
}

// unpackReturnCore is DecodeCPFRecord's counterpart to packReturnCore.
func unpackReturnCore(r *bitio.Reader, f CPFFields) CPFReturn {
	var ret CPFReturn
	ret.LatDiff = f.LatDiff.UnpackSigned(uint64(r.Get(f.LatDiff.Bits)))
	ret.LonDiff = f.LonDiff.UnpackSigned(uint64(r.Get(f.LonDiff.Bits)))

	elStored := r.Get(f.Elevation.Bits)
	if uint64(elStored) == f.Elevation.Max() {
		ret.Elevation = NullZ
	} else {
		ret.Elevation = f.Elevation.UnpackSigned(uint64(elStored))
	}

	ret.Reflectance = f.Reflectance.UnpackUnsigned(uint64(r.Get(f.Reflectance.Bits)))
	ret.UncertaintyH = f.UncertaintyH.UnpackUnsigned(uint64(r.Get(f.UncertaintyH.Bits)))
	ret.UncertaintyV = f.UncertaintyV.UnpackUnsigned(uint64(r.Get(f.UncertaintyV.Bits)))
	ret.Status = uint8(r.Get(f.StatusBits))
	ret.Classification = uint8(r.Get(f.ClassBits))
	ret.IPOffset = f.IPOffset.UnpackUnsigned(uint64(r.Get(f.IPOffset.Bits)))
	ret.IPRank = uint8(r.Get(f.IPRankBits))
	return ret
}

// applyClassificationFixup implements spec.md §4.4 item 9's read-time
// substitution: a return with classification 0 and ip_rank 0 is
// reclassified as 41 ("water surface").
func applyClassificationFixup(rec *CPFRecord) {
	for c := range rec.Channels {
		for i := range rec.Channels[c].Returns {
			ret := &rec.Channels[c].Returns[i]
			if ret.Classification == 0 && ret.IPRank == 0 {
				ret.Classification = 41
			}
		}
	}
}

// reconstructOptechClass implements spec.md §4.4's missing-v2-field
// fallback: each channel's optech classification is reconstructed from
// its last valid return's legacy classification, biased by
// optechClassWaterBias for water modes 2..8.
func reconstructOptechClass(rec *CPFRecord) {
	for c := range rec.Channels {
		returns := rec.Channels[c].Returns
		if len(returns) == 0 {
			continue
		}
		last := returns[len(returns)-1].Classification
		class := last
		if last >= 2 && last <= 8 {
			class = last + optechClassWaterBias
		}
		rec.Channels[c].OptechClass = class
	}
}

// cpfUpdateScope identifies which groups of CPF fields an update path
// touches, so UpdateCPFRecord can skip the rest without reading them
// (spec.md §4.4's "modifiable-only" and "status-only" paths).
type cpfUpdateScope int

const (
	// CPFUpdateModifiable touches vertical datum, user data,
	// reflectance, both uncertainties, status, classification,
	// bare-earth triples, Kd, laser energy, T0IP, and (v2+) optech
	// class/probability/filter-reason.
	CPFUpdateModifiable cpfUpdateScope = iota
	// CPFUpdateStatusOnly touches only per-return status,
	// classification, user data, and (v2+) filter reason.
	CPFUpdateStatusOnly
)

// UpdateCPFRecord re-walks an existing record buffer in place,
// overwriting only the fields scope declares modifiable and skipping
// every other bit position without unpacking it, so unchanged
// floating-point fields never round-trip through their scale and
// drift ("creep") across repeated updates. counts gives each
// channel's return count, which cannot change shape in place.
func UpdateCPFRecord(buf []byte, f CPFFields, counts []int, scope cpfUpdateScope, rec *CPFRecord) error {
	r := &bitio.Reader{Buf: buf}

	for c := 0; c < f.NumChannels; c++ {
		r.Skip(f.ReturnCountBits)
	}
	r.Skip(f.TimeBits)
	r.Skip(f.OffNadir.Bits)
	r.Skip(f.RefLat.Bits)
	r.Skip(f.RefLon.Bits)
	r.Skip(f.WaterLevel.Bits)

	if scope == CPFUpdateModifiable {
		vdStored, err := f.VertDatum.PackSigned(rec.VertDatum)
		if err != nil {
			return err
		}
		bitio.Pack(buf, r.BitOff, f.VertDatum.Bits, uint32(vdStored))
		r.Skip(f.VertDatum.Bits)
		bitio.Pack(buf, r.BitOff, f.UserDataBits, rec.UserData)
		r.Skip(f.UserDataBits)
	} else {
		r.Skip(f.VertDatum.Bits)
		bitio.Pack(buf, r.BitOff, f.UserDataBits, rec.UserData)
		r.Skip(f.UserDataBits)
	}

	for c := 0; c < f.NumChannels; c++ {
		for ri := 0; ri < counts[c]; ri++ {
			var ret *CPFReturn
			if c < len(rec.Channels) && ri < len(rec.Channels[c].Returns) {
				ret = &rec.Channels[c].Returns[ri]
			}
			if err := updateReturnCore(buf, r, f, scope, ret); err != nil {
				return err
			}
		}
	}

	bareEarthStart := r.BitOff
	for range rec.BareEarth {
		r.Skip(f.BareEarthLatDiff.Bits)
		r.Skip(f.BareEarthLonDiff.Bits)
		r.Skip(f.BareEarthElev.Bits)
	}
	if scope == CPFUpdateModifiable {
		// Rewritten wholesale rather than field-by-field: bare-earth
		// triples have no individual modifiable-field gate, so every
		// triple in rec.BareEarth always replaces what was on disk.
		if err := rewriteBareEarth(buf, bareEarthStart, f, rec); err != nil {
			return err
		}
	}

	if scope == CPFUpdateModifiable {
		kd, err := f.Kd.PackUnsigned(rec.Kd)
		if err != nil {
			return err
		}
		bitio.Pack(buf, r.BitOff, f.Kd.Bits, uint32(kd))
		r.Skip(f.Kd.Bits)
		le, err := f.LaserEnergy.PackUnsigned(rec.LaserEnergy)
		if err != nil {
			return err
		}
		bitio.Pack(buf, r.BitOff, f.LaserEnergy.Bits, uint32(le))
		r.Skip(f.LaserEnergy.Bits)
		t0, err := f.T0IP.PackUnsigned(rec.T0IP)
		if err != nil {
			return err
		}
		bitio.Pack(buf, r.BitOff, f.T0IP.Bits, uint32(t0))
		r.Skip(f.T0IP.Bits)
	} else {
		r.Skip(f.Kd.Bits)
		r.Skip(f.LaserEnergy.Bits)
		r.Skip(f.T0IP.Bits)
	}

	if f.OptechClassBits > 0 {
		for c := 0; c < f.NumChannels; c++ {
			if scope == CPFUpdateModifiable {
				bitio.Pack(buf, r.BitOff, f.OptechClassBits, uint32(rec.Channels[c].OptechClass))
			}
			r.Skip(f.OptechClassBits)
			for ri := 0; ri < counts[c]; ri++ {
				if scope == CPFUpdateModifiable && ri < len(rec.Channels[c].Returns) {
					prob, err := f.Probability.PackUnsigned(rec.Channels[c].Returns[ri].Probability)
					if err != nil {
						return err
					}
					bitio.Pack(buf, r.BitOff, f.Probability.Bits, uint32(prob))
				}
				r.Skip(f.Probability.Bits)

				var filterReason uint8
				if ri < len(rec.Channels[c].Returns) {
					filterReason = rec.Channels[c].Returns[ri].FilterReason
				}
				bitio.Pack(buf, r.BitOff, f.FilterReasonBits, uint32(filterReason))
				r.Skip(f.FilterReasonBits)
			}
		}
	}

	return nil
}

// rewriteBareEarth overwrites the bare-earth section, which
// UpdateCPFRecord's modifiable scope always rewrites wholesale (it has
// no per-triple status flag to gate on).
func rewriteBareEarth(buf []byte, startBit int, f CPFFields, rec *CPFRecord) error {
	bitOff := startBit
	for _, be := range rec.BareEarth {
		ld, err := f.BareEarthLatDiff.PackSigned(be.LatDiff)
		if err != nil {
			return err
		}
		bitio.Pack(buf, bitOff, f.BareEarthLatDiff.Bits, uint32(ld))
		bitOff += int(f.BareEarthLatDiff.Bits)

		lo, err := f.BareEarthLonDiff.PackSigned(be.LonDiff)
		if err != nil {
			return err
		}
		bitio.Pack(buf, bitOff, f.BareEarthLonDiff.Bits, uint32(lo))
		bitOff += int(f.BareEarthLonDiff.Bits)

		el, err := f.BareEarthElev.PackSigned(be.Elevation)
		if err != nil {
			return err
		}
		bitio.Pack(buf, bitOff, f.BareEarthElev.Bits, uint32(el))
		bitOff += int(f.BareEarthElev.Bits)
	}
	return nil
}

// updateReturnCore advances r across one return's core fields (section
// 9), writing into buf in place wherever scope makes the field
// modifiable.
func updateReturnCore(buf []byte, r *bitio.Reader, f CPFFields, scope cpfUpdateScope, ret *CPFReturn) error {
	r.Skip(f.LatDiff.Bits)
	r.Skip(f.LonDiff.Bits)
	r.Skip(f.Elevation.Bits)

	if scope == CPFUpdateModifiable && ret != nil {
		refl, err := f.Reflectance.PackUnsigned(ret.Reflectance)
		if err != nil {
			return err
		}
		bitio.Pack(buf, r.BitOff, f.Reflectance.Bits, uint32(refl))
		r.Skip(f.Reflectance.Bits)

		uh, err := f.UncertaintyH.PackUnsigned(ret.UncertaintyH)
		if err != nil {
			return err
		}
		bitio.Pack(buf, r.BitOff, f.UncertaintyH.Bits, uint32(uh))
		r.Skip(f.UncertaintyH.Bits)

		uv, err := f.UncertaintyV.PackUnsigned(ret.UncertaintyV)
		if err != nil {
			return err
		}
		bitio.Pack(buf, r.BitOff, f.UncertaintyV.Bits, uint32(uv))
		r.Skip(f.UncertaintyV.Bits)
	} else {
		r.Skip(f.Reflectance.Bits)
		r.Skip(f.UncertaintyH.Bits)
		r.Skip(f.UncertaintyV.Bits)
	}

	if ret != nil {
		bitio.Pack(buf, r.BitOff, f.StatusBits, uint32(ret.Status))
		r.Skip(f.StatusBits)
		bitio.Pack(buf, r.BitOff, f.ClassBits, uint32(ret.Classification))
		r.Skip(f.ClassBits)
	} else {
		r.Skip(f.StatusBits)
		r.Skip(f.ClassBits)
	}

	r.Skip(f.IPOffset.Bits)
	r.Skip(f.IPRankBits)
	return nil
}
