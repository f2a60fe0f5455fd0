package seqio

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func framed(bodies ...[]byte) []byte {
	var buf bytes.Buffer
	for _, b := range bodies {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(b)))
		buf.Write(prefix[:])
		buf.Write(b)
	}
	return buf.Bytes()
}

func TestScanAllWalksEveryRecord(t *testing.T) {
	data := framed([]byte("abc"), []byte("de"), []byte(""), []byte("xyzw"))

	recs, err := ScanAll(bytes.NewReader(data), 0, nil)
	require.NoError(t, err)
	require.Len(t, recs, 4)

	require.Equal(t, Record{Ordinal: 0, Offset: 0, Size: 3}, recs[0])
	require.Equal(t, Record{Ordinal: 1, Offset: 7, Size: 2}, recs[1])
	require.Equal(t, Record{Ordinal: 2, Offset: 13, Size: 0}, recs[2])
	require.Equal(t, Record{Ordinal: 3, Offset: 17, Size: 4}, recs[3])
}

func TestScanAllHonoursStartOffset(t *testing.T) {
	header := []byte("HEADERHEADER")
	data := append(append([]byte(nil), header...), framed([]byte("hello"))...)

	recs, err := ScanAll(bytes.NewReader(data), int64(len(header)), nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int64(len(header)), recs[0].Offset)
	require.Equal(t, uint32(5), recs[0].Size)
}

func TestScannerNextBodySkip(t *testing.T) {
	data := framed([]byte("first"), []byte("second"))
	s := NewScanner(bytes.NewReader(data), 0)

	rec, err := s.Next()
	require.NoError(t, err)
	require.Equal(t, int64(0), rec.Offset)
	body, err := s.Body(rec.Size)
	require.NoError(t, err)
	require.Equal(t, "first", string(body))

	rec2, err := s.Next()
	require.NoError(t, err)
	require.Equal(t, int64(4+5), rec2.Offset)
	require.NoError(t, s.Skip(rec2.Size))

	_, err = s.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestScanAllErrorsOnTruncatedBody(t *testing.T) {
	full := framed([]byte("complete"))
	truncated := full[:len(full)-3]

	_, err := ScanAll(bytes.NewReader(truncated), 0, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
}

func TestScanAllProgressCallback(t *testing.T) {
	data := framed([]byte("a"), []byte("bb"), []byte("ccc"))
	var seen []int64
	_, err := ScanAll(bytes.NewReader(data), 0, func(done int64) {
		seen = append(seen, done)
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, seen)
}
