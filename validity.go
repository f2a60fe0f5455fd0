package czmil

// Validity is a per-channel CWF validity code (v2+ header only — see
// CWFFields.ValidityBits). It is a bitmask, not an enum, so multiple
// conditions can be flagged on the same channel.
type Validity uint8

const (
	ValidityOK Validity = 0

	// ValidityTimestampInvalid is set on every channel of a CWF record
	// whose timestamp regressed relative to the previous record and
	// was silently corrected by adding 100 microseconds (invariant I4,
	// spec.md §7) — the one case in the format where a problem is
	// recorded as data rather than raised as an error.
	ValidityTimestampInvalid Validity = 1 << 0
)

// timestampRegressionFix is the fixed correction CWF applies to a
// regressed timestamp, in microseconds.
const timestampRegressionFix = 100
