package mcap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressionRoundTripEachFormat(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 50)
	for _, format := range []CompressionFormat{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(format.String(), func(t *testing.T) {
			var buf bytes.Buffer
			cw, err := newChunkCompressor(format, CompressionDefault, &buf)
			require.NoError(t, err)
			_, err = cw.Write(payload)
			require.NoError(t, err)
			require.NoError(t, cw.Close())

			out, err := decompressChunk(format, buf.Bytes(), uint64(len(payload)))
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestDecompressUnknownCompressionFormat(t *testing.T) {
	_, err := decompressChunk(CompressionFormat("bogus"), nil, 0)
	assert.ErrorIs(t, err, ErrUnknownCompression)
}

func TestDecompressNoneRejectsLengthMismatch(t *testing.T) {
	_, err := decompressNone([]byte("abc"), 10)
	assert.ErrorIs(t, err, ErrInvalidLength)
}
