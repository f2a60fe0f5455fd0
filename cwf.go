package czmil

import (
	"math/bits"

	"github.com/jalbtcx/go-czmil/bitio"
)

// packetSamples is the fixed packet size the CWF differential codecs
// operate on (spec.md §4.3): waveform samples arrive pre-chunked into
// 64-sample packets per channel.
const packetSamples = 64

// CWFCompressionType is the per-packet compression scheme chosen at
// encode time, stored in the packet's type field so decode knows how
// to reconstruct it.
type CWFCompressionType int

const (
	// CWFRaw stores all 64 samples at the channel's full sample width.
	CWFRaw CWFCompressionType = iota
	// CWFFirstDiff stores sample 0 raw, then 63 first-differences.
	CWFFirstDiff
	// CWFSecondDiff stores samples 0 and 1 raw, then 62 second-differences.
	CWFSecondDiff
	// CWFCentralDiff stores all 64 samples as a difference against the
	// same-index sample in channel 0 ("shallow" central diff).
	CWFCentralDiff
)

// CWFPacket is one decoded 64-sample packet.
type CWFPacket struct {
	Type    CWFCompressionType
	Samples [packetSamples]uint16
}

// CWFChannel is one of the 9 waveform channels in a CWF record.
type CWFChannel struct {
	Range    float64 // metres, null encoded per spec.md Glossary as -1.0
	Validity uint8   // 0 when the header declares ValidityBits == 0
	Packets  []CWFPacket
}

// CWFRecord is one fully decoded CWF waveform record.
type CWFRecord struct {
	ShotID    uint32
	Timestamp int64 // microseconds since Unix epoch
	ScanAngle float64
	Channels  [9]CWFChannel
	// T0 is the record's unconditional 64-sample waveform, always
	// encoded as Type 1 first-difference regardless of what encoding
	// would otherwise be smallest (spec.md §4.3 item 3).
	T0 CWFPacket
}

// MCWPNullRange is the sentinel range value meaning "no waveform
// captured for this channel" (spec.md Glossary).
const MCWPNullRange = -1.0

// zigzag maps a signed delta to an unsigned value with small
// magnitudes mapping to small codes, so the subsequent bits.Len32
// call on the OR-reduction gives the true minimal bit width regardless
// of delta sign.
func zigzagEncode(v int32) uint32 {
	return uint32((v << 1) ^ (v >> 31))
}

func zigzagDecode(u uint32) int32 {
	return int32(u>>1) ^ -int32(u&1)
}

// unpackDelta reads a width-bit zigzag-encoded delta, or returns 0
// without touching buf when width is 0 (every delta in the packet was
// zero, the run-of-constants case bitio.Unpack rejects as an invalid
// field width).
func unpackDelta(buf []byte, bitOff int, width uint) uint32 {
	if width == 0 {
		return 0
	}
	return bitio.Unpack(buf, bitOff, width)
}

// deltaWidth returns the number of bits needed to hold the largest
// zigzag-encoded delta in deltas, computed branchlessly: ORing every
// encoded value together and taking bits.Len32 of the result yields
// the same answer as taking the max of each individual bits.Len32,
// since OR can only ever set a bit that some element already has set.
func deltaWidth(deltas []int32) uint {
	var orAll uint32
	for _, d := range deltas {
		orAll |= zigzagEncode(d)
	}
	return uint(bits.Len32(orAll))
}

// encodePacket chooses the smallest encoding among the four
// compression types for one 64-sample packet, given ch0 (the channel-1
// packet at the same packet index, or nil when Type 3 is unavailable:
// this is channel 1 itself, the packet is outside channels 2-7, or
// channel 1 has no packet there).
//
// Ties are broken by preferring the lower-numbered type: Raw beats
// FirstDiff beats SecondDiff beats CentralDiff when their encoded
// sizes are equal, keeping decode's branch order and encode's
// preference order the same list.
func encodePacket(samples [packetSamples]uint16, sampleBits uint, ch0 *[packetSamples]uint16) (CWFPacket, []byte, uint) {
	sizeRaw := packetSamples * sampleBits

	firstDeltas := make([]int32, packetSamples-1)
	for i := 1; i < packetSamples; i++ {
		firstDeltas[i-1] = int32(samples[i]) - int32(samples[i-1])
	}
	w1 := deltaWidth(firstDeltas)
	size1 := sampleBits + uint(packetSamples-1)*w1

	secondDeltas := make([]int32, packetSamples-2)
	for i := 2; i < packetSamples; i++ {
		d1 := int32(samples[i]) - int32(samples[i-1])
		d0 := int32(samples[i-1]) - int32(samples[i-2])
		secondDeltas[i-2] = d1 - d0
	}
	w2 := deltaWidth(secondDeltas)
	size2 := 2*sampleBits + uint(packetSamples-2)*w2

	var centralDeltas []int32
	var w3 uint
	var size3 uint = ^uint(0) // sentinel "unavailable"
	if ch0 != nil {
		centralDeltas = make([]int32, packetSamples)
		for i := 0; i < packetSamples; i++ {
			centralDeltas[i] = int32(samples[i]) - int32(ch0[i])
		}
		w3 = deltaWidth(centralDeltas)
		size3 = uint(packetSamples) * w3
	}

	best := CWFRaw
	bestSize := sizeRaw
	if size1 < bestSize {
		best, bestSize = CWFFirstDiff, size1
	}
	if size2 < bestSize {
		best, bestSize = CWFSecondDiff, size2
	}
	if ch0 != nil && size3 < bestSize {
		best, bestSize = CWFCentralDiff, size3
	}

	switch best {
	case CWFFirstDiff:
		return CWFPacket{Type: best, Samples: samples}, zigzagSlice(firstDeltas), w1
	case CWFSecondDiff:
		return CWFPacket{Type: best, Samples: samples}, zigzagSlice(secondDeltas), w2
	case CWFCentralDiff:
		return CWFPacket{Type: best, Samples: samples}, zigzagSlice(centralDeltas), w3
	default:
		return CWFPacket{Type: best, Samples: samples}, nil, 0
	}
}

// firstDiffDeltas computes the 63 first-differences of a 64-sample
// packet and their branchless delta-bit width, the encoding the T0
// waveform always uses regardless of which scheme would otherwise be
// smallest (spec.md §4.3 item 3).
func firstDiffDeltas(samples [packetSamples]uint16) ([]int32, uint) {
	deltas := make([]int32, packetSamples-1)
	for i := 1; i < packetSamples; i++ {
		deltas[i-1] = int32(samples[i]) - int32(samples[i-1])
	}
	return deltas, deltaWidth(deltas)
}

func zigzagSlice(v []int32) []byte {
	out := make([]byte, len(v)*4)
	for i, d := range v {
		z := zigzagEncode(d)
		out[i*4] = byte(z >> 24)
		out[i*4+1] = byte(z >> 16)
		out[i*4+2] = byte(z >> 8)
		out[i*4+3] = byte(z)
	}
	return out
}

// EncodeCWFRecord packs rec into its bit-level wire representation
// according to f, returning the record body (without the leading
// buffer_size_bits length prefix, which the caller adds once it knows
// the body's final byte length). Field order follows spec.md §4.3's
// layout: per-channel packet data for all 9 channels, then the T0
// packet, then shot id/timestamp/scan angle, then (v≥2) validity codes.
func EncodeCWFRecord(rec *CWFRecord, f CWFFields, flightStart int64) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	bitOff := 0

	// packVal grows buf to fit the next width-bit field, packs value,
	// and advances bitOff. Defined as a closure so every call site
	// (including packDeltaPayload below) shares the same live buf/bitOff
	// instead of a stale copy taken before a reallocation.
	packVal := func(width uint, value uint32) {
		if width == 0 {
			return
		}
		need := (bitOff + int(width) + 7) / 8
		for len(buf) < need {
			buf = append(buf, 0)
		}
		bitio.Pack(buf, bitOff, width, value)
		bitOff += int(width)
	}
	packWideVal := func(width uint, value uint64) {
		need := (bitOff + int(width) + 7) / 8
		for len(buf) < need {
			buf = append(buf, 0)
		}
		bitio.PackWide(buf, bitOff, width, value)
		bitOff += int(width)
	}
	packDeltaPayload := func(payload []byte, width uint) {
		n := len(payload) / 4
		for i := 0; i < n; i++ {
			z := uint32(payload[i*4])<<24 | uint32(payload[i*4+1])<<16 | uint32(payload[i*4+2])<<8 | uint32(payload[i*4+3])
			packVal(width, z)
		}
	}

	rangeField := Field{Bits: f.RangeBits, Scale: f.RangeScale}
	for c := 0; c < f.NumChannels; c++ {
		ch := &rec.Channels[c]
		packVal(f.PacketCountBits, uint32(len(ch.Packets)))

		if ch.Range == MCWPNullRange {
			packVal(f.RangeBits, uint32(rangeField.Max()))
		} else {
			stored, err := rangeField.PackUnsigned(ch.Range)
			if err != nil {
				return nil, err
			}
			packVal(f.RangeBits, uint32(stored))
		}

		for pi := range ch.Packets {
			packVal(f.ChannelIndexBits, uint32(c))

			// Type 3 ("shallow central" diff, against channel 1 of the
			// same packet) is only legal for 1-indexed channels 2-7,
			// i.e. 0-indexed channels 1-6; channel 0 (the reference
			// itself) and channels 7-8 never get a ch0 candidate.
			var ch0 *[packetSamples]uint16
			if c >= 1 && c <= 6 && pi < len(rec.Channels[0].Packets) {
				ch0 = &rec.Channels[0].Packets[pi].Samples
			}
			pkt, payload, width := encodePacket(ch.Packets[pi].Samples, f.SampleBits, ch0)
			ch.Packets[pi].Type = pkt.Type

			packVal(f.TypeBits, uint32(pkt.Type))
			packVal(f.DeltaWidthBits, uint32(width))

			switch pkt.Type {
			case CWFRaw:
				for _, s := range pkt.Samples {
					packVal(f.SampleBits, uint32(s))
				}
			case CWFFirstDiff:
				packVal(f.SampleBits, uint32(pkt.Samples[0]))
				packDeltaPayload(payload, width)
			case CWFSecondDiff:
				packVal(f.SampleBits, uint32(pkt.Samples[0]))
				packVal(f.SampleBits, uint32(pkt.Samples[1]))
				packDeltaPayload(payload, width)
			case CWFCentralDiff:
				packDeltaPayload(payload, width)
			}
		}
	}

	t0Deltas, t0Width := firstDiffDeltas(rec.T0.Samples)
	rec.T0.Type = CWFFirstDiff
	packVal(f.SampleBits, uint32(rec.T0.Samples[0]))
	packVal(f.DeltaWidthBits, uint32(t0Width))
	packDeltaPayload(zigzagSlice(t0Deltas), t0Width)

	packVal(f.ShotIDBits, rec.ShotID)

	elapsed := rec.Timestamp - flightStart
	packWideVal(f.TimeBits, uint64(elapsed))

	angleField := Field{Bits: f.ScanAngleBits, Scale: f.ScanAngleScale}
	angleStored, err := angleField.PackSigned(rec.ScanAngle)
	if err != nil {
		return nil, err
	}
	packVal(f.ScanAngleBits, uint32(angleStored))

	if f.ValidityBits > 0 {
		for c := 0; c < f.NumChannels; c++ {
			packVal(f.ValidityBits, uint32(rec.Channels[c].Validity))
		}
	}

	return buf, nil
}

// DecodeCWFRecord unpacks a CWF record body (as produced by
// EncodeCWFRecord) according to f, mirroring EncodeCWFRecord's field
// order exactly: per-channel packet data, then the T0 packet, then
// shot id/timestamp/scan angle, then (v≥2) validity codes.
func DecodeCWFRecord(buf []byte, f CWFFields, flightStart int64) (*CWFRecord, error) {
	rec := &CWFRecord{}
	bitOff := 0

	rangeField := Field{Bits: f.RangeBits, Scale: f.RangeScale}
	for c := 0; c < f.NumChannels; c++ {
		count := bitio.Unpack(buf, bitOff, f.PacketCountBits)
		bitOff += int(f.PacketCountBits)

		rangeStored := bitio.Unpack(buf, bitOff, f.RangeBits)
		bitOff += int(f.RangeBits)
		if uint64(rangeStored) == uint64(rangeField.Max()) {
			rec.Channels[c].Range = MCWPNullRange
		} else {
			rec.Channels[c].Range = rangeField.UnpackUnsigned(uint64(rangeStored))
		}

		rec.Channels[c].Packets = make([]CWFPacket, count)
		for pi := uint32(0); pi < count; pi++ {
			_ = bitio.Unpack(buf, bitOff, f.ChannelIndexBits) // per-packet channel index, redundant with fixed channel-loop order
			bitOff += int(f.ChannelIndexBits)

			typ := CWFCompressionType(bitio.Unpack(buf, bitOff, f.TypeBits))
			bitOff += int(f.TypeBits)
			width := uint(bitio.Unpack(buf, bitOff, f.DeltaWidthBits))
			bitOff += int(f.DeltaWidthBits)

			pkt := &rec.Channels[c].Packets[pi]
			pkt.Type = typ

			switch typ {
			case CWFRaw:
				for i := 0; i < packetSamples; i++ {
					pkt.Samples[i] = uint16(bitio.Unpack(buf, bitOff, f.SampleBits))
					bitOff += int(f.SampleBits)
				}
			case CWFFirstDiff:
				pkt.Samples[0] = uint16(bitio.Unpack(buf, bitOff, f.SampleBits))
				bitOff += int(f.SampleBits)
				prev := int32(pkt.Samples[0])
				for i := 1; i < packetSamples; i++ {
					z := unpackDelta(buf, bitOff, width)
					bitOff += int(width)
					prev += zigzagDecode(z)
					pkt.Samples[i] = uint16(prev)
				}
			case CWFSecondDiff:
				pkt.Samples[0] = uint16(bitio.Unpack(buf, bitOff, f.SampleBits))
				bitOff += int(f.SampleBits)
				pkt.Samples[1] = uint16(bitio.Unpack(buf, bitOff, f.SampleBits))
				bitOff += int(f.SampleBits)
				prevDelta := int32(pkt.Samples[1]) - int32(pkt.Samples[0])
				prev := int32(pkt.Samples[1])
				for i := 2; i < packetSamples; i++ {
					z := unpackDelta(buf, bitOff, width)
					bitOff += int(width)
					d2 := zigzagDecode(z)
					d1 := prevDelta + d2
					prev += d1
					pkt.Samples[i] = uint16(prev)
					prevDelta = d1
				}
			case CWFCentralDiff:
				if c < 1 || c > 6 || int(pi) >= len(rec.Channels[0].Packets) {
					return nil, corruptErr("", "central-diff packet outside channels 2-7 or has no channel-0 reference", nil)
				}
				ref := &rec.Channels[0].Packets[pi].Samples
				for i := 0; i < packetSamples; i++ {
					z := unpackDelta(buf, bitOff, width)
					bitOff += int(width)
					pkt.Samples[i] = uint16(int32(ref[i]) + zigzagDecode(z))
				}
			}
		}
	}

	rec.T0.Type = CWFFirstDiff
	rec.T0.Samples[0] = uint16(bitio.Unpack(buf, bitOff, f.SampleBits))
	bitOff += int(f.SampleBits)
	t0Width := uint(bitio.Unpack(buf, bitOff, f.DeltaWidthBits))
	bitOff += int(f.DeltaWidthBits)
	prev := int32(rec.T0.Samples[0])
	for i := 1; i < packetSamples; i++ {
		z := unpackDelta(buf, bitOff, t0Width)
		bitOff += int(t0Width)
		prev += zigzagDecode(z)
		rec.T0.Samples[i] = uint16(prev)
	}

	rec.ShotID = bitio.Unpack(buf, bitOff, f.ShotIDBits)
	bitOff += int(f.ShotIDBits)

	elapsed := bitio.UnpackWide(buf, bitOff, f.TimeBits)
	rec.Timestamp = flightStart + int64(elapsed)
	bitOff += int(f.TimeBits)

	angleField := Field{Bits: f.ScanAngleBits, Scale: f.ScanAngleScale}
	angleStored := bitio.Unpack(buf, bitOff, f.ScanAngleBits)
	rec.ScanAngle = angleField.UnpackSigned(uint64(angleStored))
	bitOff += int(f.ScanAngleBits)

	if f.ValidityBits > 0 {
		for c := 0; c < f.NumChannels; c++ {
			rec.Channels[c].Validity = uint8(bitio.Unpack(buf, bitOff, f.ValidityBits))
			bitOff += int(f.ValidityBits)
		}
	}

	return rec, nil
}
