package bufview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewReads(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	v := New(buf)

	b, err := v.Byte(0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), b)

	u16, err := v.Uint16(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0201), u16)

	u32, err := v.Uint32(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), u32)

	u64, err := v.Uint64(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0807060504030201), u64)

	be32, err := v.BEUint32(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), be32)

	be64, err := v.BEUint64(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), be64)
}

func TestViewOutOfBounds(t *testing.T) {
	v := New([]byte{1, 2, 3})

	_, err := v.Slice(2, 5)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = v.Slice(-1, 1)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = v.Uint64(0)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}
