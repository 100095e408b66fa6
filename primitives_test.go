package mcap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixedStringRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	n := putPrefixedString(buf, "hello world")
	s, consumed, err := getPrefixedString(buf[:n], 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", s)
	assert.Equal(t, n, consumed)
}

func TestPrefixedBytesRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	n := putPrefixedBytes(buf, []byte{1, 2, 3, 4})
	b, _, err := getPrefixedBytes(buf[:n], 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, b)
}

func TestPrefixedMapRoundTripSortedKeys(t *testing.T) {
	m := map[string]string{"b": "2", "a": "1", "c": "3"}
	buf := make([]byte, 4+encodedMapLen(m))
	n := putPrefixedMap(buf, m)
	assert.Equal(t, byte('a'), buf[4+4], "first encoded key must be the smallest")
	got, consumed, err := getPrefixedMap(buf[:n], 0)
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.Equal(t, n, consumed)
}

func TestGetUint64ShortBufferError(t *testing.T) {
	_, _, err := getUint64([]byte{1, 2, 3}, 0)
	assert.Error(t, err)
}

func TestRecordCodecRoundTrip(t *testing.T) {
	schema := &Schema{ID: 7, Name: "n", Encoding: "e", Data: []byte("abc")}
	buf := make([]byte, 2+4+len(schema.Name)+4+len(schema.Encoding)+4+len(schema.Data))
	offset := putUint16(buf, schema.ID)
	offset += putPrefixedString(buf[offset:], schema.Name)
	offset += putPrefixedString(buf[offset:], schema.Encoding)
	offset += putPrefixedBytes(buf[offset:], schema.Data)

	got, err := ParseSchema(buf[:offset])
	require.NoError(t, err)
	assert.Equal(t, schema, got)
}

func TestParseFooterRoundTrip(t *testing.T) {
	buf := make([]byte, 8+8+4)
	offset := putUint64(buf, 100)
	offset += putUint64(buf[offset:], 200)
	putUint32(buf[offset:], 0xDEADBEEF)

	f, err := ParseFooter(buf)
	require.NoError(t, err)
	assert.Equal(t, &Footer{SummaryStart: 100, SummaryOffsetStart: 200, SummaryCRC: 0xDEADBEEF}, f)
}

func TestAttachmentCRCMismatchDetected(t *testing.T) {
	buf := make([]byte, 8+8+4+len("n")+4+len("text/plain")+4+len("data")+4)
	offset := putUint64(buf, 1)
	offset += putUint64(buf[offset:], 1)
	offset += putPrefixedString(buf[offset:], "n")
	offset += putPrefixedString(buf[offset:], "text/plain")
	offset += putPrefixedBytes(buf[offset:], []byte("data"))
	putUint32(buf[offset:], 0x12345678) // deliberately wrong CRC

	_, err := ParseAttachment(buf)
	assert.ErrorIs(t, err, ErrCRCMismatch)
}
