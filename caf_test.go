package czmil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Round-tripping a CAF audit entry recovers every field exactly or
// within its scale's quantisation step (P2).
func TestCAFRoundTrip(t *testing.T) {
	f := NewCAFFields()
	rec := &CAFRecord{
		ShotID:        98765,
		Channel:       3,
		OptechClass:   41,
		InterestPoint: 0.75,
		ReturnNumber:  2,
		NumReturns:    4,
	}

	body, err := EncodeCAFRecord(rec, f)
	require.NoError(t, err)
	require.Len(t, body, CAFRecordBytes(f))

	got, err := DecodeCAFRecord(body, f)
	require.NoError(t, err)

	require.Equal(t, rec.ShotID, got.ShotID)
	require.Equal(t, rec.Channel, got.Channel)
	require.Equal(t, rec.OptechClass, got.OptechClass)
	require.InDelta(t, rec.InterestPoint, got.InterestPoint, 1.0/f.InterestPoint.Scale)
	require.Equal(t, rec.ReturnNumber, got.ReturnNumber)
	require.Equal(t, rec.NumReturns, got.NumReturns)
}
