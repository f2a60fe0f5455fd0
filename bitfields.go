package czmil

// Field is a single bit-packed scalar's declared width, scale, and
// offset, as the ASCII header would express it (e.g. "[ELEV BITS]" /
// "[ELEV SCALE]"). Max and Bias are derived, not stored in the header.
type Field struct {
	Bits   uint
	Scale  float64
	Offset float64 // declared additive offset, 0 if none; the Pack/Unpack methods do not apply it
}

// Max returns 2^Bits - 1, the largest unsigned value the field can
// hold (invariant I2).
func (f Field) Max() uint64 {
	if f.Bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << f.Bits) - 1
}

// Bias returns Max()/2, the signed-range bias used for fields that
// store a signed quantity as an unsigned offset (e.g. roll, pitch,
// lat/lon diffs).
func (f Field) Bias() float64 {
	return float64(f.Max() / 2)
}

// PackSigned encodes a signed physical value as an unsigned stored
// integer using the field's scale and bias: stored = round(v*scale) + bias.
func (f Field) PackSigned(v float64) (uint64, error) {
	stored := int64(roundHalfAway(v*f.Scale)) + int64(f.Bias())
	if stored < 0 || uint64(stored) > f.Max() {
		return 0, errFieldRange
	}
	return uint64(stored), nil
}

// UnpackSigned decodes a stored unsigned integer back to a signed
// physical value: v = (stored - bias) / scale.
func (f Field) UnpackSigned(stored uint64) float64 {
	return (float64(stored) - f.Bias()) / f.Scale
}

// PackUnsigned encodes a non-negative physical value: stored = round(v*scale).
func (f Field) PackUnsigned(v float64) (uint64, error) {
	stored := roundHalfAway(v * f.Scale)
	if stored < 0 || uint64(stored) > f.Max() {
		return 0, errFieldRange
	}
	return uint64(stored), nil
}

// UnpackUnsigned decodes a stored unsigned integer: v = stored / scale.
func (f Field) UnpackUnsigned(stored uint64) float64 {
	return float64(stored) / f.Scale
}

func roundHalfAway(v float64) int64 {
	if v >= 0 {
		return int64(v + 0.5)
	}
	return int64(v - 0.5)
}

var errFieldRange = rangeErr("", -1, "value exceeds declared bit width")

// CWFFields declares the bit widths, scales, and structural limits
// used to encode/decode one CWF record, per spec.md §4.3. Populated
// with the defaults NewCWFFields returns; overwritten on read by
// whatever the file's own header declares (spec.md §4.2).
type CWFFields struct {
	BufferSizeBits uint // length-prefix width, always 32

	NumChannels      int // fixed at 9
	MaxPackets       int // per channel, declared as [CZMIL MAX PACKETS]
	SampleBits       uint
	PacketCountBits  uint
	ChannelIndexBits uint
	RangeBits        uint
	RangeScale       float64
	TypeBits         uint // 2-bit compression-type tag
	DeltaWidthBits   uint // width of the "bits-per-delta" sub-field

	ShotIDBits     uint
	TimeBits       uint // wide (>32), stored as offset from flight start in microseconds
	ScanAngleBits  uint
	ScanAngleScale float64
	ValidityBits   uint // per-channel validity code width
}

// NewCWFFields returns the default CWF bit-field declaration for the
// given major version. Version 2+ adds the per-channel validity
// codes (spec.md §4.3 item 5); earlier versions carry ValidityBits=0.
func NewCWFFields(major int) CWFFields {
	f := CWFFields{
		BufferSizeBits:   32,
		NumChannels:      9,
		MaxPackets:       15,
		SampleBits:       10,
		PacketCountBits:  4,
		ChannelIndexBits: 8,
		RangeBits:        16,
		RangeScale:       100.0,
		TypeBits:         2,
		DeltaWidthBits:   4,
		ShotIDBits:       32,
		TimeBits:         40,
		ScanAngleBits:    16,
		ScanAngleScale:   100.0,
		ValidityBits:     8,
	}
	if major < 2 {
		f.ValidityBits = 0
	}
	return f
}

// CPFFields declares the bit widths/scales for one CPF record, per
// spec.md §4.4.
type CPFFields struct {
	BufferSizeBits uint

	NumChannels     int // fixed at 9
	MaxReturns      int // per channel, [CZMIL MAX RETURNS]
	ReturnCountBits uint

	TimeBits uint // wide, offset from flight start, microseconds

	OffNadir Field

	RefLat Field // signed offset from base latitude
	RefLon Field // signed offset from base longitude; scale also *= cos(lat band)

	WaterLevel    Field // null encoded as Max()
	VertDatum     Field
	UserDataBits  uint

	LatDiff       Field // signed, offset from shot reference lat
	LonDiff       Field
	Elevation     Field // null encoded as Max(); null_z exposed via NullZ()
	Reflectance   Field
	UncertaintyH  Field
	UncertaintyV  Field
	StatusBits    uint
	ClassBits     uint
	IPOffset      Field
	IPRankBits    uint

	BareEarthLatDiff Field
	BareEarthLonDiff Field
	BareEarthElev    Field

	Kd          Field
	LaserEnergy Field
	T0IP        Field

	// v2+
	OptechClassBits   uint
	Probability       Field
	FilterReasonBits  uint

	// v3+
	DIndexBits     uint
	DIndexCube     Field
}

const bareEarthChannels = 7

// NullZ is the header-declared sentinel elevation value (spec.md
// Glossary) encoding a missing vertical measurement. It round-trips
// as the stored field's Max() and is surfaced to callers as this
// fixed float constant regardless of scale, so two files with
// different elevation scales still agree on "no data".
const NullZ = -999.0

// NewCPFFields returns the default CPF bit-field declaration for the
// given major version. Fields introduced in v2/v3 are zero-valued
// (and therefore unused on encode) for earlier versions; decode
// applies the compatibility fixups spec.md §4.4 describes.
func NewCPFFields(major int) CPFFields {
	f := CPFFields{
		BufferSizeBits:  32,
		NumChannels:     9,
		MaxReturns:      5,
		ReturnCountBits: 4,
		TimeBits:        40,
		OffNadir:        Field{Bits: 16, Scale: 100},
		RefLat:          Field{Bits: 32, Scale: 1e7},
		RefLon:          Field{Bits: 32, Scale: 1e7},
		WaterLevel:      Field{Bits: 16, Scale: 1000},
		VertDatum:       Field{Bits: 16, Scale: 1000},
		UserDataBits:    16,
		LatDiff:         Field{Bits: 24, Scale: 1e7},
		LonDiff:         Field{Bits: 24, Scale: 1e7},
		Elevation:       Field{Bits: 20, Scale: 1000},
		Reflectance:     Field{Bits: 12, Scale: 100},
		UncertaintyH:    Field{Bits: 12, Scale: 1000},
		UncertaintyV:    Field{Bits: 12, Scale: 1000},
		StatusBits:      8,
		ClassBits:       8,
		IPOffset:        Field{Bits: 10, Scale: 100},
		IPRankBits:      4,

		BareEarthLatDiff: Field{Bits: 24, Scale: 1e7},
		BareEarthLonDiff: Field{Bits: 24, Scale: 1e7},
		BareEarthElev:    Field{Bits: 20, Scale: 1000},

		Kd:          Field{Bits: 12, Scale: 100},
		LaserEnergy: Field{Bits: 16, Scale: 100},
		T0IP:        Field{Bits: 10, Scale: 100},
	}

	if major >= 2 {
		f.OptechClassBits = 8
		f.Probability = Field{Bits: 8, Scale: 100}
		f.FilterReasonBits = 8
	}
	if major >= 3 {
		f.DIndexBits = 8
		f.DIndexCube = Field{Bits: 16, Scale: 1000}
	} else {
		// default per spec.md §4.4 version-compatibility note:
		// ip_rank_bits defaults to equal return_bits when the d-index
		// cube is absent.
		f.IPRankBits = f.ReturnCountBits
	}

	return f
}

// CSFFields declares the bit widths/scales for one CSF record, per
// spec.md §4.5.
type CSFFields struct {
	NumChannels int // fixed at 9

	TimeBits  uint // wide, offset from flight start, microseconds
	ScanAngle Field
	Lat       Field
	Lon       Field
	Altitude  Field
	Roll      Field
	Pitch     Field
	Heading   Field
	Range     Field

	// v2+
	InWaterRange     Field
	Intensity        Field
	InWaterIntensity Field
}

// NewCSFFields returns the default CSF bit-field declaration for the
// given major version.
func NewCSFFields(major int) CSFFields {
	f := CSFFields{
		NumChannels: 9,
		TimeBits:    40,
		ScanAngle:   Field{Bits: 16, Scale: 100},
		Lat:         Field{Bits: 32, Scale: 1e7},
		Lon:         Field{Bits: 32, Scale: 1e7},
		Altitude:    Field{Bits: 24, Scale: 100},
		Roll:        Field{Bits: 16, Scale: 100},
		Pitch:       Field{Bits: 16, Scale: 100},
		Heading:     Field{Bits: 16, Scale: 100},
		Range:       Field{Bits: 20, Scale: 1000},
	}
	if major >= 2 {
		f.InWaterRange = Field{Bits: 20, Scale: 1000}
		f.Intensity = Field{Bits: 12, Scale: 10}
		f.InWaterIntensity = Field{Bits: 12, Scale: 10}
	}
	return f
}

// CAFFields declares the bit widths/scales for one CAF record, per
// spec.md §4.5.
type CAFFields struct {
	ShotIDBits        uint
	ChannelBits       uint
	OptechClassBits   uint
	InterestPoint     Field
	ReturnNumberBits  uint
	NumReturnsBits    uint
}

// NewCAFFields returns the default CAF bit-field declaration.
func NewCAFFields() CAFFields {
	return CAFFields{
		ShotIDBits:       32,
		ChannelBits:      8,
		OptechClassBits:  8,
		InterestPoint:    Field{Bits: 10, Scale: 100},
		ReturnNumberBits: 4,
		NumReturnsBits:   4,
	}
}
